// Package execx is the single subprocess supervisor. Every external command
// (agent, checks, reset/seed, publish, reload, git) goes through Run with a
// command allowlist, a path allowlist, an env policy, and three orthogonal
// timers: absolute timeout, cooperative cancel probe, and periodic tick.
package execx

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// blockedShells are never allowed as the executable, even when listed in the
// command allowlist.
var blockedShells = map[string]bool{
	"bash": true, "sh": true, "zsh": true, "dash": true, "ksh": true, "fish": true,
}

// Policy restricts what a subprocess may execute, where, and with which
// inherited environment.
type Policy struct {
	// AllowedCommands are permitted executable base names. Patterns with a
	// trailing '*' match prefixes (python* covers python3.12).
	AllowedCommands []string

	// AllowedPaths are directory roots the working directory must resolve
	// under, after symlink resolution.
	AllowedPaths []string

	// EnvAllowlist are host env var names that pass through.
	EnvAllowlist []string

	// EnvBlocklist are env var names removed unconditionally, after the
	// overlay is applied.
	EnvBlocklist []string
}

// CheckCommand validates the executable base name against the allowlist.
// Shell interpreters are always rejected.
func (p Policy) CheckCommand(argv0 string) error {
	base := filepath.Base(argv0)
	if blockedShells[base] {
		return fmt.Errorf("Blocked by command allowlist: %s", base)
	}
	for _, allowed := range p.AllowedCommands {
		if strings.HasSuffix(allowed, "*") {
			if strings.HasPrefix(base, strings.TrimSuffix(allowed, "*")) {
				return nil
			}
		} else if base == allowed {
			return nil
		}
	}
	return fmt.Errorf("Blocked by command allowlist: %s", base)
}

// CheckDir validates the working directory against the path allowlist.
// Symlink escapes are rejected: the directory is resolved before comparison.
func (p Policy) CheckDir(dir string) error {
	if len(p.AllowedPaths) == 0 {
		return nil
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		resolved = dir
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return fmt.Errorf("Blocked by path allowlist: %s", dir)
	}
	for _, root := range p.AllowedPaths {
		rootResolved, err := filepath.EvalSymlinks(root)
		if err != nil {
			rootResolved = root
		}
		rootAbs, err := filepath.Abs(rootResolved)
		if err != nil {
			continue
		}
		if resolved == rootAbs || strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("Blocked by path allowlist: %s", dir)
}

// BuildEnv assembles the subprocess environment: the host allowlist passes
// through, the overlay is applied on top, then the blocklist is removed
// unconditionally.
func (p Policy) BuildEnv(overlay map[string]string) []string {
	env := map[string]string{}
	for _, name := range p.EnvAllowlist {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	for k, v := range overlay {
		env[k] = v
	}
	for _, name := range p.EnvBlocklist {
		delete(env, name)
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// SplitCSV parses the comma-separated config form of allowlists.
func SplitCSV(csv string) []string {
	var out []string
	for _, raw := range strings.Split(csv, ",") {
		if s := strings.TrimSpace(raw); s != "" {
			out = append(out, s)
		}
	}
	return out
}
