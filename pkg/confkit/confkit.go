// Package confkit holds the config-file plumbing shared by the binaries:
// section files referenced from the main config, path resolution and .env
// loading.
package confkit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolvePath expands environment variables and a leading "~/" in file and
// joins relative results onto base.
func ResolvePath(base, file string) string {
	file = os.ExpandEnv(file)
	if rest, ok := strings.CutPrefix(file, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			file = filepath.Join(home, rest)
		}
	}
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(base, file)
}

// BaseDir returns the directory of the main config file path.
func BaseDir(mainPath string) string {
	return filepath.Dir(mainPath)
}

// Section is a block of configuration kept in its own file and referenced
// from the main config by path.
type Section[T any] struct {
	File  string `json:",optional"`
	Value *T     `json:"-"`
}

// Hydrate resolves File against base and loads it with loader. An empty File
// leaves the section untouched. On success File holds the resolved path.
func (s *Section[T]) Hydrate(base string, loader func(string) (*T, error)) error {
	if strings.TrimSpace(s.File) == "" {
		return nil
	}
	p := ResolvePath(base, s.File)
	v, err := loader(p)
	if err != nil {
		return fmt.Errorf("section %s: %w", p, err)
	}
	s.File, s.Value = p, v
	return nil
}

// Loaded reports whether the section holds a value.
func (s *Section[T]) Loaded() bool {
	return s.Value != nil
}
