package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnv loads environment variables from a .env file.
//
// Search order (stops at the first file found):
//  1. Explicit paths passed as arguments (test use).
//  2. Directory of the running executable, walking up a few levels.
//  3. Current working directory, the fallback for `go run ./cmd/chatgate`.
//
// If no .env is found anywhere, the program continues with system env vars.
func LoadEnv(paths ...string) {
	if len(paths) > 0 {
		if err := godotenv.Load(paths...); err != nil {
			log.Printf("[Config] No .env file at specified path(s), using system environment variables")
		}
		return
	}

	candidates := resolveEnvCandidates()
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			if err := godotenv.Load(p); err != nil {
				log.Printf("[Config] Failed to load .env from %s: %v", p, err)
			} else {
				log.Printf("[Config] Loaded .env from %s", p)
			}
			return
		}
	}

	log.Printf("[Config] No .env file found (searched: %v), using system environment variables", candidates)
}

// resolveEnvCandidates returns the ordered list of .env paths to probe.
func resolveEnvCandidates() []string {
	var candidates []string
	seen := map[string]bool{}

	add := func(p string) {
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			candidates = append(candidates, p)
		}
	}

	// Walk up from the executable directory (up to 3 levels) so bin/chatgate
	// naturally finds the project-root .env.
	if exe, err := os.Executable(); err == nil {
		if real, err := filepath.EvalSymlinks(exe); err == nil {
			exe = real
		}
		dir := filepath.Dir(exe)
		for i := 0; i <= 3; i++ {
			add(filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break // reached filesystem root
			}
			dir = parent
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		add(filepath.Join(cwd, ".env"))
	}

	return candidates
}

// ExpandSecret resolves a "${VAR}" reference against the process environment.
// Plain values pass through unchanged. Used for api_key and extra_headers
// fields of the catalogs so secrets stay out of config files.
func ExpandSecret(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
		log.Printf("[Config] Invalid %s=%q, using default %d", key, v, defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
