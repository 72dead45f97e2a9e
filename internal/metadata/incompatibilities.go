package metadata

import (
	"errors"
	"fmt"
	"path"
	"runtime"
	"strings"
)

var ErrInvalidPath = errors.New("invalid path")

type IncompatibilityType string

const (
	ReservedChars     IncompatibilityType = "reservedChars"
	ReservedName      IncompatibilityType = "reservedName"
	ForbiddenLastChar IncompatibilityType = "forbiddenLastChar"
	NameMaxBytes      IncompatibilityType = "nameMaxBytes"
	PathMaxBytes      IncompatibilityType = "pathMaxBytes"
)

// Incompatibility describes why a path cannot exist on the local filesystem.
type Incompatibility struct {
	Type     IncompatibilityType `json:"type"`
	Name     string              `json:"name,omitempty"`
	Path     string              `json:"path"`
	DocType  DocType             `json:"docType,omitempty"`
	Reserved string              `json:"reserved,omitempty"`
	Platform string              `json:"platform"`
}

type platformRules struct {
	reservedChars     string
	reservedNames     map[string]struct{}
	forbiddenLastChar string
	nameMaxBytes      int
	pathMaxBytes      int
}

var windowsReservedNames = func() map[string]struct{} {
	names := map[string]struct{}{"CON": {}, "PRN": {}, "AUX": {}, "NUL": {}}
	for i := 1; i <= 9; i++ {
		names[fmt.Sprintf("COM%d", i)] = struct{}{}
		names[fmt.Sprintf("LPT%d", i)] = struct{}{}
	}
	return names
}()

func rulesFor(platform string) platformRules {
	switch platform {
	case "windows", "win32":
		return platformRules{
			reservedChars:     `<>:"/\|?*`,
			reservedNames:     windowsReservedNames,
			forbiddenLastChar: ". ",
			nameMaxBytes:      255,
			pathMaxBytes:      259,
		}
	case "darwin":
		return platformRules{reservedChars: "/", nameMaxBytes: 255, pathMaxBytes: 1023}
	default:
		return platformRules{reservedChars: "/", nameMaxBytes: 255, pathMaxBytes: 4095}
	}
}

// CurrentPlatform is the platform used when none is configured.
func CurrentPlatform() string {
	return runtime.GOOS
}

// EnsureValidPath rejects paths that cannot be addressed inside the replica
// root at all. Paths that are merely incompatible with the platform are
// accepted here and reported by DetectIncompatibilities.
func EnsureValidPath(doc *Metadata) error {
	if doc == nil {
		return fmt.Errorf("%w: missing document", ErrInvalidPath)
	}
	raw := strings.TrimSpace(strings.ReplaceAll(doc.Path, "\\", "/"))
	raw = strings.TrimPrefix(raw, "/")
	if raw == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	cleaned := path.Clean(raw)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") || path.IsAbs(cleaned) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, doc.Path)
	}
	return nil
}

// DetectIncompatibilities checks every segment of p against the naming rules
// of platform. Ancestor segments are always folders.
func DetectIncompatibilities(p string, docType DocType, platform string) []Incompatibility {
	if platform == "" {
		platform = CurrentPlatform()
	}
	rules := rulesFor(platform)
	p = ID(p)
	if p == "" {
		return nil
	}
	var out []Incompatibility
	if rules.pathMaxBytes > 0 && len(p) > rules.pathMaxBytes {
		out = append(out, Incompatibility{Type: PathMaxBytes, Path: p, DocType: docType, Platform: platform})
	}
	segments := strings.Split(p, "/")
	for i, name := range segments {
		segmentPath := strings.Join(segments[:i+1], "/")
		segmentType := Folder
		if i == len(segments)-1 {
			segmentType = docType
		}
		base := Incompatibility{Name: name, Path: segmentPath, DocType: segmentType, Platform: platform}
		if strings.ContainsAny(name, strings.ReplaceAll(rules.reservedChars, "/", "")) {
			found := base
			found.Type = ReservedChars
			found.Reserved = reservedIn(name, rules.reservedChars)
			out = append(out, found)
		}
		if rules.reservedNames != nil {
			stem := strings.ToUpper(name)
			if dot := strings.IndexByte(stem, '.'); dot >= 0 {
				stem = stem[:dot]
			}
			if _, ok := rules.reservedNames[stem]; ok {
				found := base
				found.Type = ReservedName
				found.Reserved = name
				out = append(out, found)
			}
		}
		if rules.forbiddenLastChar != "" && name != "" && strings.ContainsAny(name[len(name)-1:], rules.forbiddenLastChar) {
			found := base
			found.Type = ForbiddenLastChar
			found.Reserved = name[len(name)-1:]
			out = append(out, found)
		}
		if rules.nameMaxBytes > 0 && len(name) > rules.nameMaxBytes {
			found := base
			found.Type = NameMaxBytes
			out = append(out, found)
		}
	}
	return out
}

func reservedIn(name, reserved string) string {
	var b strings.Builder
	seen := map[rune]bool{}
	for _, r := range name {
		if r != '/' && strings.ContainsRune(reserved, r) && !seen[r] {
			seen[r] = true
			b.WriteRune(r)
		}
	}
	return b.String()
}
