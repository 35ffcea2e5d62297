package sandbox

import (
	"fmt"
	"strings"
)

// Profile is the input to CompileProfile.
type Profile struct {
	Net        bool
	Read       []string
	Write      []string
	Executable string
	Script     string
	Home       string
}

// CompileProfile renders a sandbox-exec (SBPL) profile. Paths ending in
// "*" or "**" become subpath rules, anything else a literal rule.
func CompileProfile(p Profile) string {
	var sb strings.Builder
	sb.WriteString("(version 1)\n(deny default)\n(debug deny)\n")
	sb.WriteString("(allow process-exec*)\n(allow process-fork)\n(allow sysctl-read)\n(allow signal)\n")
	for _, sys := range []string{"/usr/lib", "/usr/bin", "/bin", "/System/Library", "/private/var/db/timezone", "/dev"} {
		fmt.Fprintf(&sb, "(allow file-read* (subpath %q))\n", sys)
	}
	if p.Net {
		sb.WriteString("(allow network*)\n(allow system-socket)\n")
	}
	if p.Executable != "" {
		fmt.Fprintf(&sb, "(allow file-read* (literal %q))\n", p.Executable)
	}
	if p.Script != "" {
		fmt.Fprintf(&sb, "(allow file-read* (literal %q))\n", p.Script)
	}
	for _, r := range p.Read {
		appendPathRule(&sb, "file-read*", r, p.Home)
	}
	for _, w := range p.Write {
		appendPathRule(&sb, "file-write*", w, p.Home)
	}
	return sb.String()
}

func appendPathRule(sb *strings.Builder, op, path, home string) {
	directive := "literal"
	clean := path
	switch {
	case strings.HasSuffix(path, "**"):
		directive = "subpath"
		clean = strings.TrimSuffix(strings.TrimSuffix(path, "**"), "/")
	case strings.HasSuffix(path, "*"):
		directive = "subpath"
		clean = strings.TrimSuffix(strings.TrimSuffix(path, "*"), "/")
	}
	if home != "" && (clean == "~" || strings.HasPrefix(clean, "~/")) {
		clean = home + strings.TrimPrefix(clean, "~")
	}
	if clean == "" {
		clean = "/"
	}
	fmt.Fprintf(sb, "(allow %s (%s %q))\n", op, directive, clean)
}

// dirRules marks capability roots as whole subtrees.
func dirRules(roots []string) []string {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		out = append(out, strings.TrimSuffix(r, "/")+"/**")
	}
	return out
}
