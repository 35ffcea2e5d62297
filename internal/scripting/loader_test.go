package scripting

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kir-gadjello/zier-alpha/internal/capability"
)

func writeScript(t *testing.T, dir, name, src, manifest string) string {
	t.Helper()
	path := filepath.Join(dir, name+".star")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	if manifest != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(manifest), 0o644))
	}
	return path
}

func TestLoaderSyncSkipsUnchangedContent(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	loader := NewLoader(dir, env.svc, 10*time.Millisecond)
	changes := 0
	loader.OnChange = func() { changes++ }

	path := writeScript(t, dir, "greeter", `
def greet(args):
    return "hi"

register_tool("greet", "", greet)
`, "capabilities:\n  read: [\".\"]\n")

	n, err := loader.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"greeter"}, env.svc.Sessions())

	caps, ok := env.svc.Capabilities("greeter")
	require.True(t, ok)
	assert.Equal(t, []string{env.project}, caps.ReadRoots())

	changed, err := loader.Sync(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, changed, "identical content must not reload")

	writeScript(t, dir, "greeter", `
def greet(args):
    return "hello"

register_tool("greet", "", greet)
`, "")
	changed, err = loader.Sync(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := env.call("greeter", "greet", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	require.NoError(t, os.Remove(path))
	changed, err = loader.Sync(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, env.svc.Sessions())
	assert.Equal(t, 3, changes)
}

func TestLoaderSkipsBrokenScripts(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	writeScript(t, dir, "ok", `register_tool("noop", "", lambda args: "")`, "")
	writeScript(t, dir, "bad", `this is not starlark`, "")
	writeScript(t, dir, "greedy", ``, "capabilities:\n  net: true\n")

	n, err := NewLoader(dir, env.svc, 0).LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"ok"}, env.svc.Sessions())
}

func TestLoaderWatchReloads(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	loader := NewLoader(dir, env.svc, 20*time.Millisecond)
	require.NoError(t, loader.Watch(context.Background()))
	t.Cleanup(func() { _ = loader.Close() })

	writeScript(t, dir, "late", `register_tool("late", "", lambda args: "v1")`, "")

	require.Eventually(t, func() bool {
		got, err := env.call("late", "late", nil)
		return err == nil && got == "v1"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestLoaderReloadStaysInsideDir(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	outside := t.TempDir()
	loader := NewLoader(dir, env.svc, 0)

	rogue := writeScript(t, outside, "rogue", `register_tool("rogue", "", lambda args: "")`, "capabilities:\n  write: [\".\"]\n")
	inside := writeScript(t, dir, "tidy", `register_tool("tidy", "", lambda args: "")`, "")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	tests := []struct {
		name string
		path string
	}{
		{"other directory", rogue},
		{"parent traversal", filepath.Join(dir, "..", filepath.Base(outside), "rogue.star")},
		{"not a script", filepath.Join(dir, "notes.txt")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := loader.Reload(context.Background(), tt.path)
			assert.ErrorIs(t, err, capability.ErrPermissionDenied)
		})
	}
	assert.Empty(t, env.svc.Sessions())

	require.NoError(t, loader.Reload(context.Background(), inside))
	assert.Equal(t, []string{"tidy"}, env.svc.Sessions())
}

func TestScriptFor(t *testing.T) {
	assert.Equal(t, "/s/a.star", scriptFor("/s/a.star"))
	assert.Equal(t, "/s/a.star", scriptFor("/s/a.yaml"))
	assert.Equal(t, "", scriptFor("/s/a.txt"))
}
