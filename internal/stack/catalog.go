package stack

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"stageline/internal/domain"
)

// Catalog resolves stack definitions by name or path.
type Catalog struct {
	Dirs []string
}

// Resolve loads the stack identified by ref. A ref that looks like a file path is loaded
// directly; otherwise it is looked up as <dir>/<ref>.yaml or .yml in each directory.
// It returns the definition and the path it was loaded from.
func (c Catalog) Resolve(ref string) (domain.StackDefinition, string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return domain.StackDefinition{}, "", fmt.Errorf("%w: stack reference is empty", ErrMalformedDefinition)
	}
	if isPath(ref) {
		def, err := Load(ref)
		if err != nil {
			return domain.StackDefinition{}, "", err
		}
		return def, ref, nil
	}
	for _, dir := range c.Dirs {
		for _, ext := range []string{".yaml", ".yml"} {
			candidate := filepath.Join(dir, ref+ext)
			if _, err := os.Stat(candidate); err == nil {
				def, err := Load(candidate)
				if err != nil {
					return domain.StackDefinition{}, "", err
				}
				return def, candidate, nil
			}
		}
	}
	return domain.StackDefinition{}, "", fmt.Errorf("%w: stack %q not found in %v", ErrMalformedDefinition, ref, c.Dirs)
}

func isPath(ref string) bool {
	if strings.ContainsRune(ref, os.PathSeparator) || strings.Contains(ref, "/") {
		return true
	}
	switch filepath.Ext(ref) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
