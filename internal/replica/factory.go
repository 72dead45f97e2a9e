package replica

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

type IndexFactory func(dsn string) (Index, error)

var indexFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]IndexFactory
}{
	factories: map[string]IndexFactory{},
}

func init() {
	RegisterIndexFactory("", openFileIndex)
	RegisterIndexFactory("file", openFileIndex)
	for _, scheme := range []string{"memory", "mem", "inmem"} {
		RegisterIndexFactory(scheme, func(string) (Index, error) { return NewMemoryIndex(), nil })
	}
	RegisterIndexFactory("sqlite", openSQLiteIndex)
	RegisterIndexFactory("sqlite3", openSQLiteIndex)
	RegisterIndexFactory("postgres", openPostgresIndex)
	RegisterIndexFactory("postgresql", openPostgresIndex)
}

// RegisterIndexFactory makes scheme resolvable by BuildIndexFromDSN. The
// built-in backends are registered the same way and can be overridden.
func RegisterIndexFactory(scheme string, factory IndexFactory) {
	scheme = normalizeScheme(scheme)
	if factory == nil {
		return
	}
	indexFactoryRegistry.mu.Lock()
	defer indexFactoryRegistry.mu.Unlock()
	indexFactoryRegistry.factories[scheme] = factory
}

// IndexSchemes lists the registered DSN schemes, sorted.
func IndexSchemes() []string {
	indexFactoryRegistry.mu.RLock()
	defer indexFactoryRegistry.mu.RUnlock()
	out := make([]string, 0, len(indexFactoryRegistry.factories))
	for scheme := range indexFactoryRegistry.factories {
		if scheme != "" {
			out = append(out, scheme)
		}
	}
	sort.Strings(out)
	return out
}

func lookupIndexFactory(scheme string) (IndexFactory, bool) {
	scheme = normalizeScheme(scheme)
	indexFactoryRegistry.mu.RLock()
	defer indexFactoryRegistry.mu.RUnlock()
	factory, ok := indexFactoryRegistry.factories[scheme]
	return factory, ok
}

func BuildIndexFromDSN(dsn string) (Index, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	factory, ok := lookupIndexFactory(parsed.Scheme)
	if !ok {
		return nil, fmt.Errorf("unsupported index backend scheme %q (known: %s)",
			normalizeScheme(parsed.Scheme), strings.Join(IndexSchemes(), ", "))
	}
	return factory(dsn)
}

func openFileIndex(dsn string) (Index, error) {
	path, err := pathFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	return NewJSONFileIndex(path)
}

func openSQLiteIndex(dsn string) (Index, error) {
	path, err := pathFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	idx, err := NewSQLiteIndex(path)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func openPostgresIndex(dsn string) (Index, error) {
	idx, err := NewPostgresIndex(dsn)
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func pathFromDSN(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	return dsnPath(parsed, dsn)
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		// sqlite://relative/dir/index.db
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
