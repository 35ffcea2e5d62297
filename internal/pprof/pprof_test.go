package pprof

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerServesProfiles(t *testing.T) {
	h := Handler()
	for _, path := range []string{"/debug/pprof/", "/debug/pprof/goroutine?debug=1", "/debug/pprof/cmdline"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestLoopbackOnly(t *testing.T) {
	tests := []struct {
		addr string
		ok   bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"10.0.0.1:6060", false},
		{"nonsense", false},
	}
	for _, tt := range tests {
		err := loopbackOnly(tt.addr)
		if tt.ok {
			assert.NoError(t, err, tt.addr)
		} else {
			assert.Error(t, err, tt.addr)
		}
	}
}

func TestStartStop(t *testing.T) {
	heap := filepath.Join(t.TempDir(), "prof", "heap.pprof")
	s := New(Config{Addr: "127.0.0.1:0", HeapProfile: heap})
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(context.Background()))
	st, err := os.Stat(heap)
	require.NoError(t, err)
	assert.Positive(t, st.Size())
}

func TestStartRejectsPublicAddress(t *testing.T) {
	assert.Error(t, New(Config{Addr: "0.0.0.0:0"}).Start())
	assert.NoError(t, New(Config{}).Start(), "no address means no listener")
}
