package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompileProfileBasic(t *testing.T) {
	profile := CompileProfile(Profile{
		Read:       []string{"/tmp"},
		Executable: "/usr/bin/python3",
		Script:     "/tmp/script.py",
	})

	assert.Contains(t, profile, "(deny default)")
	assert.Contains(t, profile, "(allow process-exec*)")
	assert.Contains(t, profile, `(allow file-read* (literal "/usr/bin/python3"))`)
	assert.Contains(t, profile, `(allow file-read* (literal "/tmp/script.py"))`)
	assert.Contains(t, profile, `(allow file-read* (literal "/tmp"))`)
	assert.NotContains(t, profile, "(allow network*)")
}

func TestCompileProfileNetworkAndGlobs(t *testing.T) {
	profile := CompileProfile(Profile{
		Net:   true,
		Read:  []string{"~/data/**"},
		Write: dirRules([]string{"/work/out/"}),
		Home:  "/Users/u",
	})

	assert.Contains(t, profile, "(allow network*)")
	assert.Contains(t, profile, "(allow system-socket)")
	assert.Contains(t, profile, `(allow file-read* (subpath "/Users/u/data"))`)
	assert.Contains(t, profile, `(allow file-write* (subpath "/work/out"))`)
	assert.Equal(t, 1, strings.Count(profile, "(deny default)"))
}

func TestConfineSpecArgs(t *testing.T) {
	spec := ConfineSpec{
		Read:  []string{"/data"},
		Write: []string{"/out", "/cwd"},
		Argv:  []string{"python3", "-c", "print(1)"},
	}
	assert.Equal(t, []string{
		ConfineCommand, "--ro", "/data", "--rw", "/out", "--rw", "/cwd", "--", "python3", "-c", "print(1)",
	}, spec.Args())

	spec.Net = true
	assert.Contains(t, spec.Args(), "--net")
}
