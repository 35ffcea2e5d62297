// Package safety classifies command strings before they are spawned.
package safety

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kir-gadjello/zier-alpha/internal/capability"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

// ErrBlocked is wrapped by every hard policy rejection.
var ErrBlocked = errors.New("blocked by safety policy")

// Kind is the outcome class of a classification.
type Kind int

const (
	Allowed Kind = iota
	// SoftBlock is logged but does not stop execution.
	SoftBlock
	RequiresApproval
	Blocked
)

func (k Kind) String() string {
	switch k {
	case Allowed:
		return "allowed"
	case SoftBlock:
		return "soft_block"
	case RequiresApproval:
		return "requires_approval"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Verdict is computed per invocation and never cached.
type Verdict struct {
	Kind   Kind
	Reason string
}

// Err returns a wrapped ErrBlocked for Blocked verdicts and nil otherwise.
func (v Verdict) Err() error {
	if v.Kind == Blocked {
		return fmt.Errorf("%w: %s", ErrBlocked, v.Reason)
	}
	return nil
}

func (v Verdict) String() string {
	if v.Reason == "" {
		return v.Kind.String()
	}
	return v.Kind.String() + ": " + v.Reason
}

var (
	hardBlockRe   = regexp.MustCompile(`(rm\s+-rf\s+(/|~)|mkfs\.|dd\s+if=|:\(\)\{\s+:\|:&;?\};:)`)
	chainingChars = []string{"&&", "||", ";", "|", "`", "$("}
	tmuxPayloads  = []string{"cat /etc/shadow", "sudo"}
)

// Options configure a Policy.
type Options struct {
	ProjectDir         string
	WorkspaceDir       string
	AllowShellChaining bool
	AllowGlobalCwd     bool
	ApprovalPatterns   []string
}

// Policy is immutable after construction and safe for concurrent use.
type Policy struct {
	projectDir         string
	workspaceDir       string
	allowShellChaining bool
	allowGlobalCwd     bool
	approval           []*regexp.Regexp
	log                *logger.Logger
}

// New compiles the approval patterns. An invalid pattern is a config error.
func New(opts Options) (*Policy, error) {
	p := &Policy{
		projectDir:         filepath.Clean(opts.ProjectDir),
		workspaceDir:       filepath.Clean(opts.WorkspaceDir),
		allowShellChaining: opts.AllowShellChaining,
		allowGlobalCwd:     opts.AllowGlobalCwd,
		log:                logger.Global().WithPrefix("safety"),
	}
	for _, pat := range opts.ApprovalPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("invalid approval pattern %q: %w", pat, err)
		}
		p.approval = append(p.approval, re)
	}
	return p, nil
}

// Classify evaluates a command string with raw-shell mode off.
func (p *Policy) Classify(command, cwd string) Verdict {
	return p.classify([]string{command}, command, cwd, false)
}

// ClassifyShell is Classify for a caller that may use raw-shell mode. The
// mode only takes effect when the policy was built with AllowShellChaining.
func (p *Policy) ClassifyShell(command, cwd string, rawShell bool) Verdict {
	return p.classify([]string{command}, command, cwd, rawShell)
}

// ClassifyArgs evaluates an argv vector, checking every argument for
// chaining metacharacters.
func (p *Policy) ClassifyArgs(args []string, cwd string) Verdict {
	if len(args) == 0 {
		return Verdict{Kind: Blocked, Reason: "empty command"}
	}
	v := p.classify(args, strings.Join(args, " "), cwd, false)
	if v.Kind == Allowed && filepath.Base(args[0]) == "tmux" {
		return p.tmuxPayload(strings.Join(args, " "))
	}
	return v
}

func (p *Policy) classify(parts []string, full, cwd string, rawShell bool) Verdict {
	if strings.TrimSpace(full) == "" {
		return Verdict{Kind: Blocked, Reason: "empty command"}
	}

	if cwd != "" && !p.allowGlobalCwd {
		if !p.cwdAllowed(cwd) {
			return Verdict{Kind: Blocked, Reason: fmt.Sprintf("cwd confinement violation: %s is outside project/workspace", cwd)}
		}
	}

	if !(rawShell && p.allowShellChaining) {
		for _, part := range parts {
			for _, c := range chainingChars {
				if strings.Contains(part, c) {
					return Verdict{Kind: Blocked, Reason: fmt.Sprintf("shell chaining/injection detected (%q) and raw-shell mode is off", c)}
				}
			}
		}
	}

	if hardBlockRe.MatchString(full) {
		return Verdict{Kind: Blocked, Reason: "destructive command detected (rm -rf root, mkfs, dd, fork bomb)"}
	}

	for _, re := range p.approval {
		if re.MatchString(full) {
			return Verdict{Kind: RequiresApproval, Reason: "command requires approval: " + full}
		}
	}

	if strings.Contains(full, "grep -r /") {
		v := Verdict{Kind: SoftBlock, Reason: "recursive grep on root detected, scope it to the project dir"}
		p.log.Warn("%s", v.Reason)
		return v
	}

	fields := strings.Fields(full)
	if len(fields) > 0 && filepath.Base(fields[0]) == "tmux" {
		return p.tmuxPayload(full)
	}

	return Verdict{Kind: Allowed}
}

func (p *Policy) tmuxPayload(full string) Verdict {
	for _, bad := range tmuxPayloads {
		if strings.Contains(full, bad) {
			return Verdict{Kind: Blocked, Reason: "dangerous tmux payload detected"}
		}
	}
	return Verdict{Kind: Allowed}
}

// cwdAllowed resolves symlinks where the directory exists so that a link
// inside the project cannot point the child elsewhere.
func (p *Policy) cwdAllowed(cwd string) bool {
	abs := cwd
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(p.projectDir, abs)
	}
	abs = canonical(abs)
	for _, root := range []string{
		p.projectDir, p.workspaceDir, canonical(p.projectDir), canonical(p.workspaceDir),
		"/tmp", "/var/tmp", canonical("/tmp"), canonical("/var/tmp"),
	} {
		if root != "" && root != "." && capability.Within(abs, root) {
			return true
		}
	}
	return false
}

func canonical(p string) string {
	if p == "" || p == "." {
		return p
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return filepath.Clean(p)
}
