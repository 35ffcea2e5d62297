package safety

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kir-gadjello/zier-alpha/internal/config"
)

func newPolicy(t *testing.T, mutate func(*Options)) (*Policy, string) {
	t.Helper()
	project := t.TempDir()
	opts := Options{
		ProjectDir:       project,
		WorkspaceDir:     t.TempDir(),
		ApprovalPatterns: config.DefaultApprovalPatterns(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p, project
}

func TestClassifyScenarios(t *testing.T) {
	p, project := newPolicy(t, nil)

	tests := []struct {
		name    string
		command string
		want    Kind
	}{
		{"rm root", "rm -rf /", Blocked},
		{"rm home", "rm -rf ~", Blocked},
		{"mkfs", "mkfs.ext4 /dev/sda1", Blocked},
		{"dd", "dd if=/dev/zero of=/dev/sda", Blocked},
		{"fork bomb", ":(){ :|:& };:", Blocked},
		{"terraform destroy", "terraform destroy -auto-approve", RequiresApproval},
		{"aws delete", "aws ec2 delete vpc", RequiresApproval},
		{"nmap", "nmap 10.0.0.1", RequiresApproval},
		{"ls", "ls -la", Allowed},
		{"grep root", "grep -r / -e secret", SoftBlock},
		{"chain and", "ls && rm x", Blocked},
		{"chain semi", "ls; rm x", Blocked},
		{"pipe", "cat x | sh", Blocked},
		{"backtick", "echo `id`", Blocked},
		{"subshell", "echo $(id)", Blocked},
		{"tmux sudo", "tmux send-keys 'sudo reboot' Enter", Blocked},
		{"tmux benign", "tmux new-session -d -s work", Allowed},
		{"empty", "   ", Blocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := p.Classify(tt.command, project)
			assert.Equal(t, tt.want, v.Kind, "verdict: %s", v)
		})
	}
}

func TestBlockedVerdictWrapsErrBlocked(t *testing.T) {
	p, project := newPolicy(t, nil)
	v := p.Classify("rm -rf /", project)
	require.Error(t, v.Err())
	assert.True(t, errors.Is(v.Err(), ErrBlocked))
	assert.NoError(t, p.Classify("ls", project).Err())
}

func TestCwdConfinement(t *testing.T) {
	p, project := newPolicy(t, nil)

	assert.Equal(t, Allowed, p.Classify("ls", project).Kind)
	assert.Equal(t, Allowed, p.Classify("ls", "sub/dir").Kind, "relative cwd joins the project dir")
	assert.Equal(t, Allowed, p.Classify("ls", "/tmp").Kind)
	assert.Equal(t, Blocked, p.Classify("ls", "/etc").Kind)
	assert.Equal(t, Blocked, p.Classify("ls", "/tmp/../etc").Kind)

	global, _ := newPolicy(t, func(o *Options) { o.AllowGlobalCwd = true })
	assert.Equal(t, Allowed, global.Classify("ls", "/etc").Kind)
}

func TestRawShellRequiresFlagAndCaller(t *testing.T) {
	off, project := newPolicy(t, nil)
	assert.Equal(t, Blocked, off.ClassifyShell("ls | wc -l", project, true).Kind,
		"raw-shell caller without config flag stays blocked")

	on, project := newPolicy(t, func(o *Options) { o.AllowShellChaining = true })
	assert.Equal(t, Blocked, on.ClassifyShell("ls | wc -l", project, false).Kind,
		"config flag without raw-shell caller stays blocked")
	assert.Equal(t, Allowed, on.ClassifyShell("ls | wc -l", project, true).Kind)
	assert.Equal(t, Blocked, on.ClassifyShell("true && rm -rf /", project, true).Kind,
		"hard blocks apply even in raw-shell mode")
}

func TestClassifyArgsChecksEachArgument(t *testing.T) {
	p, project := newPolicy(t, nil)
	assert.Equal(t, Allowed, p.ClassifyArgs([]string{"git", "status"}, project).Kind)
	assert.Equal(t, Blocked, p.ClassifyArgs([]string{"sh", "-c", "a;b"}, project).Kind)
	assert.Equal(t, Blocked, p.ClassifyArgs([]string{"/usr/bin/tmux", "send-keys", "cat /etc/shadow"}, project).Kind)
	assert.Equal(t, Blocked, p.ClassifyArgs(nil, project).Kind)
}

func TestNewRejectsInvalidPattern(t *testing.T) {
	_, err := New(Options{ApprovalPatterns: []string{"("}})
	assert.Error(t, err)
}
