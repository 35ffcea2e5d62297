package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// a pid far above any real pid_max
const deadPID = 1 << 30

func TestWriteReadRemove(t *testing.T) {
	p := ForWorkspace(t.TempDir())
	require.NoError(t, p.Write(Info{Addr: "127.0.0.1:1", Token: "tok"}))

	st, err := os.Stat(p.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())

	info, err := p.Running()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, "tok", info.Token)
	assert.False(t, info.Started.IsZero())

	require.NoError(t, p.Remove())
	_, err = p.Read()
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NoError(t, p.Remove(), "removing a missing record is fine")
}

func TestClaim(t *testing.T) {
	dir := t.TempDir()
	p := ForWorkspace(dir)

	t.Run("stale record is replaced", func(t *testing.T) {
		require.NoError(t, p.Write(Info{PID: deadPID}))
		_, err := p.Running()
		assert.ErrorContains(t, err, "not running")
		require.NoError(t, p.Claim(Info{Addr: "a"}))
		info, err := p.Read()
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), info.PID)
	})

	t.Run("own record is reclaimed", func(t *testing.T) {
		require.NoError(t, p.Claim(Info{Addr: "b"}))
	})

	t.Run("live record of another process wins", func(t *testing.T) {
		require.NoError(t, p.Write(Info{PID: os.Getppid()}))
		err := p.Claim(Info{Addr: "c"})
		assert.ErrorIs(t, err, ErrRunning)
		require.NoError(t, p.Remove())
		_, err = p.Read()
		assert.NoError(t, err, "a record owned by someone else is left alone")
	})
}

func TestReadInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte("{\"pid\": 0}"), 0o600))
	_, err := New(path).Read()
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err = New(path).Read()
	assert.Error(t, err)
}

func TestAlive(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
	assert.False(t, Alive(deadPID))
}
