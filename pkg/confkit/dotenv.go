package confkit

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
)

var (
	dotenvOnce   sync.Once
	dotenvLoaded []string
)

// LoadDotenvOnce loads .env files into the process environment the first
// time it is called.
//
// ENV_FILE names a single file to load. Otherwise every .env found from the
// working directory up to the module root is loaded, nearest first, followed
// by the module root's .env. Variables already set win unless
// DOTENV_OVERLOAD=1; NO_DOTENV=1 disables loading.
func LoadDotenvOnce() {
	dotenvOnce.Do(func() {
		dotenvLoaded = loadDotenv()
	})
}

// LoadedDotenvFiles lists the files applied by LoadDotenvOnce.
func LoadedDotenvFiles() []string {
	return append([]string(nil), dotenvLoaded...)
}

func loadDotenv() []string {
	if os.Getenv("NO_DOTENV") == "1" {
		return nil
	}
	files := dotenvCandidates()
	if len(files) == 0 {
		return nil
	}
	var err error
	if os.Getenv("DOTENV_OVERLOAD") == "1" {
		// Overload lets later files win, so apply farthest first.
		rev := make([]string, len(files))
		for i, f := range files {
			rev[len(files)-1-i] = f
		}
		err = godotenv.Overload(rev...)
	} else {
		err = godotenv.Load(files...)
	}
	if err != nil {
		return nil
	}
	return files
}

func dotenvCandidates() []string {
	if f := os.Getenv("ENV_FILE"); f != "" {
		if fileExists(f) {
			return []string{f}
		}
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	add := func(dir string) {
		p := filepath.Join(dir, ".env")
		if _, dup := seen[p]; dup || !fileExists(p) {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if wd, err := os.Getwd(); err == nil {
		for _, dir := range walkUp(wd) {
			add(dir)
		}
	}
	if root, err := ProjectRoot(); err == nil {
		add(root)
	}
	return out
}
