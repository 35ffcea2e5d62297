package sandbox

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/kir-gadjello/zier-alpha/internal/capability"
)

var protectedEnv = map[string]bool{
	"PATH":       true,
	"HOME":       true,
	"SHELL":      true,
	"PYTHONPATH": true,
}

// IsProtectedEnv reports whether a variable steers binary or library
// discovery and so may not be set by script code.
func IsProtectedEnv(key string) bool {
	k := strings.ToUpper(key)
	return protectedEnv[k] || strings.HasPrefix(k, "LD_") || strings.HasPrefix(k, "DYLD_")
}

// ValidateOverrides rejects script-declared overrides of protected variables.
func ValidateOverrides(overrides map[string]string) error {
	var bad []string
	for k := range overrides {
		if IsProtectedEnv(k) {
			bad = append(bad, k)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("%w: overriding %s is not allowed", capability.ErrPermissionDenied, strings.Join(bad, ", "))
	}
	return nil
}

// MergeEnv applies overrides key for key onto base. Keys absent from
// overrides keep their inherited value; the result is never a replacement.
func MergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		k, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if v, found := overrides[k]; found {
			if !seen[k] {
				out = append(out, k+"="+v)
				seen[k] = true
			}
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}

// EnvValue looks up key in a KEY=VALUE list.
func EnvValue(env []string, key string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

var inheritedEnv = os.Environ
