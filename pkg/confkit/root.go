package confkit

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// maxWalk bounds how many parent directories are inspected.
const maxWalk = 8

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func isRoot(dir string) bool {
	return fileExists(filepath.Join(dir, "go.mod")) || fileExists(filepath.Join(dir, ".git"))
}

// walkUp returns dir and its parents up to and including the first module
// root, nearest first.
func walkUp(dir string) []string {
	var out []string
	for i := 0; i < maxWalk; i++ {
		out = append(out, dir)
		if isRoot(dir) {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return out
}

// ProjectRoot locates the module root by walking upwards from this source
// file. Falls back to the working directory when the source tree is absent,
// as in a deployed binary.
func ProjectRoot() (string, error) {
	if _, file, _, ok := runtime.Caller(0); ok {
		dirs := walkUp(filepath.Dir(file))
		if last := dirs[len(dirs)-1]; isRoot(last) {
			return last, nil
		}
	}
	wd, err := os.Getwd()
	if err != nil {
		return ".", fmt.Errorf("getwd: %w", err)
	}
	return wd, nil
}

// MustProjectRoot returns the module root or panics.
func MustProjectRoot() string {
	root, err := ProjectRoot()
	if err != nil {
		panic(err)
	}
	return root
}

// ProjectPath joins the module root with rel.
func ProjectPath(rel string) (string, error) {
	root, err := ProjectRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, rel), nil
}

// MustProjectPath is ProjectPath that panics on failure.
func MustProjectPath(rel string) string {
	p, err := ProjectPath(rel)
	if err != nil {
		panic(err)
	}
	return p
}
