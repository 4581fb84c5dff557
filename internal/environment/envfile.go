package environment

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// LoadEnvFile reads KEY=VALUE lines. Blank lines and # comments are skipped,
// the line is split at the first '=', and one layer of matching quotes is
// stripped from the value. Missing or unreadable files yield an empty map.
func LoadEnvFile(path string) map[string]string {
	env := map[string]string{}

	data, err := os.ReadFile(path)
	if err != nil {
		return env
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		if key == "" {
			continue
		}
		env[key] = unquote(strings.TrimSpace(line[eq+1:]))
	}
	return env
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// FormatEnvFile renders env as sorted KEY=VALUE lines. Values with leading or
// trailing whitespace, or that would otherwise lose a quote layer, are
// double-quoted.
func FormatEnvFile(env map[string]string) []byte {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := env[k]
		if v != strings.TrimSpace(v) || unquote(v) != v || strings.HasPrefix(v, "#") {
			v = `"` + v + `"`
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Forced Python settings for real-time, UTF-8 agent output.
var pythonEnv = map[string]string{
	"PYTHONUNBUFFERED": "1",
	"PYTHONIOENCODING": "utf-8",
	"PYTHONUTF8":       "1",
}

var (
	cleanTmpOnce sync.Once
	cleanTmpDir  string
)

// CleanTmpDir returns a dedicated temp directory for agent processes. Editor
// socket files in a shared TMPDIR have crashed the agent CLI before.
func CleanTmpDir() string {
	cleanTmpOnce.Do(func() {
		cleanTmpDir = filepath.Join(os.TempDir(), "autobuild-agent")
		os.MkdirAll(cleanTmpDir, 0755)
	})
	return cleanTmpDir
}

// BuildProcessEnv flattens base (KEY=VALUE entries, typically os.Environ())
// and layers into a process environment. Later layers win. The Python
// settings and a clean TMPDIR are always applied last.
func BuildProcessEnv(base []string, layers ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	order := make([]string, 0, len(base))

	set := func(k, v string) {
		if _, ok := merged[k]; !ok {
			order = append(order, k)
		}
		merged[k] = v
	}

	for _, kv := range base {
		if eq := strings.IndexByte(kv, '='); eq > 0 {
			set(kv[:eq], kv[eq+1:])
		}
	}
	for _, layer := range layers {
		keys := make([]string, 0, len(layer))
		for k := range layer {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			set(k, layer[k])
		}
	}
	for _, k := range []string{"PYTHONUNBUFFERED", "PYTHONIOENCODING", "PYTHONUTF8"} {
		set(k, pythonEnv[k])
	}
	set("TMPDIR", CleanTmpDir())

	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// Lookup returns the value of key in a KEY=VALUE slice.
func Lookup(env []string, key string) (string, bool) {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return env[i][len(prefix):], true
		}
	}
	return "", false
}
