// Package pprof serves the runtime profiles of the daemon on a separate,
// loopback-only listener, and can dump a heap profile on shutdown.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

// Config selects what is profiled.
type Config struct {
	// Addr is the listen address of the profile server; empty disables it.
	Addr string
	// HeapProfile is written when the server stops; empty skips it.
	HeapProfile string
	// BlockRate and MutexFraction are sampling rates; zero leaves them off.
	BlockRate     int
	MutexFraction int
}

// Server is the profile listener.
type Server struct {
	cfg      Config
	server   *http.Server
	listener net.Listener
	log      *logger.Logger
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg, log: logger.Global().WithPrefix("pprof")}
}

// Handler routes /debug/pprof/* to the standard handlers.
func Handler() http.Handler {
	r := httprouter.New()
	r.HandlerFunc(http.MethodGet, "/debug/pprof/", netpprof.Index)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/cmdline", netpprof.Cmdline)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/profile", netpprof.Profile)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/symbol", netpprof.Symbol)
	r.HandlerFunc(http.MethodGet, "/debug/pprof/trace", netpprof.Trace)
	for _, name := range []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"} {
		r.Handler(http.MethodGet, "/debug/pprof/"+name, netpprof.Handler(name))
	}
	return r
}

// Start binds the listener. Only loopback addresses are accepted.
func (s *Server) Start() error {
	if s.cfg.BlockRate > 0 {
		runtime.SetBlockProfileRate(s.cfg.BlockRate)
	}
	if s.cfg.MutexFraction > 0 {
		runtime.SetMutexProfileFraction(s.cfg.MutexFraction)
	}
	if s.cfg.Addr == "" {
		return nil
	}
	if err := loopbackOnly(s.cfg.Addr); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{Handler: Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("profile server stopped: %v", err)
		}
	}()
	s.log.Info("profiles on http://%s/debug/pprof/", ln.Addr())
	return nil
}

// Addr is the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Stop closes the listener and writes the heap profile if configured.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if s.server != nil {
		errs = append(errs, s.server.Shutdown(ctx))
	}
	if s.cfg.HeapProfile != "" {
		errs = append(errs, writeHeap(s.cfg.HeapProfile))
	}
	return errors.Join(errs...)
}

func writeHeap(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create heap profile: %w", err)
	}
	defer f.Close()
	runtime.GC()
	return pprof.Lookup("heap").WriteTo(f, 0)
}

func loopbackOnly(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid profile address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("profile address %q must be loopback", addr)
}
