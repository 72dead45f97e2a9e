//go:build !unix

package replica

import "strings"

func LockDir(dir string) (func() error, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, ErrInvalidInput
	}
	return func() error { return nil }, nil
}
