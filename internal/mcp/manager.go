package mcp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kir-gadjello/zier-alpha/internal/config"
	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
	"github.com/kir-gadjello/zier-alpha/internal/tools"
)

// Manager converts configured servers into tools and owns the stdio
// server processes.
type Manager struct {
	servers    []config.MCPServerConfig
	baseDir    string
	httpClient *http.Client
	log        *logger.Logger

	// start is replaceable in tests.
	start func(ctx context.Context, cfg config.MCPServerConfig, baseDir string) (*Client, error)

	mu      sync.Mutex
	clients []*Client
}

// NewManager creates a manager. Relative spec paths and working
// directories resolve against baseDir.
func NewManager(servers []config.MCPServerConfig, baseDir string) *Manager {
	return &Manager{
		servers:    servers,
		baseDir:    baseDir,
		httpClient: &http.Client{Timeout: consts.DefaultFetchTimeout},
		log:        logger.Global().WithPrefix("mcp"),
		start:      StartStdio,
	}
}

// BuildTools connects to every enabled server. A server that fails is
// reported and skipped; the others still contribute tools.
func (m *Manager) BuildTools(ctx context.Context) ([]tools.Tool, []error) {
	var (
		out   []tools.Tool
		errs  []error
		usage = make(map[string]int)
	)
	for _, srv := range m.servers {
		if srv.Disabled {
			continue
		}
		built, err := m.buildServer(ctx, srv, usage)
		if err != nil {
			m.log.Warn("server %s unavailable: %v", srv.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", srv.Name, err))
			continue
		}
		m.log.Info("server %s: %d tool(s)", srv.Name, len(built))
		out = append(out, built...)
	}
	return out, errs
}

func (m *Manager) buildServer(ctx context.Context, srv config.MCPServerConfig, usage map[string]int) ([]tools.Tool, error) {
	switch strings.ToLower(srv.Type) {
	case TypeStdio, "":
		return m.buildStdio(ctx, srv, usage)
	case TypeOpenAPI:
		doc, err := LoadOpenAPI(srv.SpecPath, m.baseDir)
		if err != nil {
			return nil, err
		}
		client := m.httpClient
		if srv.TimeoutSeconds > 0 {
			client = &http.Client{Timeout: time.Duration(srv.TimeoutSeconds) * time.Second}
		}
		return OpenAPITools(srv, doc, client, usage)
	default:
		return nil, fmt.Errorf("unsupported server type %q", srv.Type)
	}
}

func (m *Manager) buildStdio(ctx context.Context, srv config.MCPServerConfig, usage map[string]int) ([]tools.Tool, error) {
	client, err := m.start(ctx, srv, m.baseDir)
	if err != nil {
		return nil, err
	}
	remote, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}
	m.mu.Lock()
	m.clients = append(m.clients, client)
	m.mu.Unlock()

	prefix := sanitizeName(srv.Name)
	out := make([]tools.Tool, 0, len(remote))
	for _, rt := range remote {
		if rt.Name == "" {
			continue
		}
		name := uniqueToolName(prefix+"_"+sanitizeName(rt.Name), usage)
		out = append(out, NewTool(name, rt, client))
	}
	return out, nil
}

// Close stops every server process.
func (m *Manager) Close() {
	m.mu.Lock()
	clients := m.clients
	m.clients = nil
	m.mu.Unlock()
	for _, c := range clients {
		if err := c.Close(); err != nil {
			m.log.Debug("close %s: %v", c.Name(), err)
		}
	}
}
