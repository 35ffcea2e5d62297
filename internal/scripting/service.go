package scripting

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kir-gadjello/zier-alpha/internal/actor"
	"github.com/kir-gadjello/zier-alpha/internal/capability"
	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

// ErrNoSession is returned for calls to a script that is not loaded.
var ErrNoSession = errors.New("script session not loaded")

// Service owns every loaded session. Each session runs on its own actor.
type Service struct {
	host    *Host
	ceiling capability.Capabilities
	system  *actor.System
	log     *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewService creates a service whose scripts may never declare more than
// ceiling.
func NewService(host *Host, ceiling capability.Capabilities) *Service {
	if host == nil {
		host = &Host{}
	}
	return &Service{
		host:     host,
		ceiling:  ceiling,
		system:   actor.NewSystem(),
		log:      logger.Global().WithPrefix("scripting"),
		sessions: make(map[string]*Session),
	}
}

// ScriptName derives the session name from a script path.
func ScriptName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// ManifestPath is the capability sidecar of a script.
func ManifestPath(scriptPath string) string {
	return strings.TrimSuffix(scriptPath, filepath.Ext(scriptPath)) + consts.ManifestExtension
}

// Load reads the script at path and its manifest and (re)starts its
// session. A previous session of the same name is stopped first.
func (s *Service) Load(ctx context.Context, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read script %s: %w", path, err)
	}
	manifest, err := capability.LoadManifest(ManifestPath(path))
	if err != nil {
		return err
	}
	caps, err := manifest.Build(s.host.Roots)
	if err != nil {
		return fmt.Errorf("script %s: %w", path, err)
	}
	return s.LoadSource(ctx, ScriptName(path), path, src, caps)
}

// LoadSource starts a session for already-read source with explicit
// capabilities, which must fit under the service ceiling.
func (s *Service) LoadSource(ctx context.Context, name, path string, src []byte, caps capability.Capabilities) error {
	if err := caps.Limit(s.ceiling); err != nil {
		return fmt.Errorf("script %s: %w", name, err)
	}
	if err := s.Unload(ctx, name); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}

	sess := NewSession(name, path, caps, s.host)
	ref, err := s.system.Spawn(context.Background(), name, sess, consts.SessionMailboxSize)
	if err != nil {
		return err
	}

	reply := make(chan error, 1)
	if err := ref.SendWait(ctx, &loadMsg{ctx: ctx, source: src, reply: reply}); err != nil {
		_ = s.system.Stop(context.Background(), name)
		return err
	}
	select {
	case err = <-reply:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		_ = s.system.Stop(context.Background(), name)
		return err
	}

	s.mu.Lock()
	s.sessions[name] = sess
	s.mu.Unlock()
	return nil
}

// Unload stops the named session.
func (s *Service) Unload(ctx context.Context, name string) error {
	s.mu.Lock()
	_, ok := s.sessions[name]
	delete(s.sessions, name)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, name)
	}
	if err := s.system.Stop(ctx, name); err != nil {
		return err
	}
	s.log.Info("unloaded %s", name)
	return nil
}

// Sessions lists loaded session names.
func (s *Service) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capabilities returns the capabilities of a loaded session.
func (s *Service) Capabilities(name string) (capability.Capabilities, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[name]
	if !ok {
		return capability.Capabilities{}, false
	}
	return sess.Capabilities(), true
}

// Tools lists the tools of every session, sorted by session.
func (s *Service) Tools() []ToolDescriptor {
	var out []ToolDescriptor
	for _, name := range s.Sessions() {
		s.mu.RLock()
		sess := s.sessions[name]
		s.mu.RUnlock()
		if sess != nil {
			out = append(out, sess.Tools()...)
		}
	}
	return out
}

// CallTool runs a registered tool on its session's goroutine and waits for
// the result.
func (s *Service) CallTool(ctx context.Context, session, tool string, args map[string]interface{}) (string, error) {
	ref, ok := s.system.Get(session)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoSession, session)
	}
	reply := make(chan callResult, 1)
	if err := ref.SendWait(ctx, &callMsg{ctx: ctx, tool: tool, args: args, reply: reply}); err != nil {
		return "", err
	}
	select {
	case r := <-reply:
		return r.output, r.err
	case <-ref.Done():
		return "", fmt.Errorf("%w: session %s stopped", ErrSandboxFault, session)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// StatusLines collects on_status output from every session.
func (s *Service) StatusLines(ctx context.Context) []string {
	var lines []string
	for _, name := range s.Sessions() {
		ref, ok := s.system.Get(name)
		if !ok {
			continue
		}
		reply := make(chan []string, 1)
		if err := ref.Send(&statusMsg{ctx: ctx, reply: reply}); err != nil {
			s.log.Warn("status of %s skipped: %v", name, err)
			continue
		}
		select {
		case got := <-reply:
			lines = append(lines, got...)
		case <-ref.Done():
		case <-ctx.Done():
			return lines
		}
	}
	return lines
}

// Health reports the actor counters of every session.
func (s *Service) Health() map[string]actor.HealthReport {
	return s.system.HealthCheck()
}

// Close stops every session.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()
	return s.system.StopAll(ctx)
}
