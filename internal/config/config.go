package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kir-gadjello/zier-alpha/internal/consts"
)

// WorkdirConfig selects how relative paths are routed between the
// workspace and the project directory.
type WorkdirConfig struct {
	Strategy string `toml:"strategy" json:"strategy"` // "overlay" or "mount"
}

// SandboxConfig is the OS confinement policy for spawned commands.
type SandboxConfig struct {
	EnableOSSandbox     bool     `toml:"enable_os_sandbox" json:"enable_os_sandbox"`
	Backend             string   `toml:"backend" json:"backend"` // auto, bwrap, landlock, seatbelt, none
	AllowNetwork        bool     `toml:"allow_network" json:"allow_network"`
	AllowRead           []string `toml:"allow_read" json:"allow_read"`
	AllowWrite          []string `toml:"allow_write" json:"allow_write"`
	AllowEnv            bool     `toml:"allow_env" json:"allow_env"`
	// AllowExec lets the capability ceiling grant exec to scripts.
	AllowExec           bool     `toml:"allow_exec" json:"allow_exec"`
	// AllowUnconfinedExec permits script exec when no OS backend is active.
	AllowUnconfinedExec bool     `toml:"allow_unconfined_exec" json:"allow_unconfined_exec"`
}

// SafetyConfig feeds the command classifier.
type SafetyConfig struct {
	// AllowShellChaining enables raw-shell mode for owner turns only.
	AllowShellChaining bool     `toml:"allow_shell_chaining" json:"allow_shell_chaining"`
	AllowGlobalCwd     bool     `toml:"allow_global_cwd" json:"allow_global_cwd"`
	ApprovalPatterns   []string `toml:"approval_patterns" json:"approval_patterns"`
}

// ExternalToolConfig declares a command exposed as a tool.
type ExternalToolConfig struct {
	Name           string            `toml:"name" json:"name"`
	Description    string            `toml:"description" json:"description"`
	Command        string            `toml:"command" json:"command"`
	Args           []string          `toml:"args" json:"args"`
	WorkingDir     string            `toml:"working_dir" json:"working_dir"`
	Env            map[string]string `toml:"env" json:"-"`
	Sandbox        bool              `toml:"sandbox" json:"sandbox"`
	TimeoutSeconds int               `toml:"timeout_seconds" json:"timeout_seconds"`
}

// WasmToolConfig declares a WASI module exposed as a tool.
type WasmToolConfig struct {
	Name           string   `toml:"name" json:"name"`
	Description    string   `toml:"description" json:"description"`
	Module         string   `toml:"module" json:"module"`
	Args           []string `toml:"args" json:"args"`
	Read           []string `toml:"read" json:"read"`
	Write          []string `toml:"write" json:"write"`
	TimeoutSeconds int      `toml:"timeout_seconds" json:"timeout_seconds"`
}

type ToolsConfig struct {
	RequireApproval       []string             `toml:"require_approval" json:"require_approval"`
	ToolOutputMaxChars    int                  `toml:"tool_output_max_chars" json:"tool_output_max_chars"`
	UseContentDelimiters  bool                 `toml:"use_content_delimiters" json:"use_content_delimiters"`
	LogInjectionWarnings  bool                 `toml:"log_injection_warnings" json:"log_injection_warnings"`
	RedactSecrets         bool                 `toml:"redact_secrets" json:"redact_secrets"`
	ProcessTimeoutSeconds int                  `toml:"process_timeout_seconds" json:"process_timeout_seconds"`
	External              []ExternalToolConfig `toml:"external" json:"external"`
	Wasm                  []WasmToolConfig     `toml:"wasm" json:"wasm"`
}

type ApprovalConfig struct {
	TimeoutSeconds       int    `toml:"timeout_seconds" json:"timeout_seconds"`
	SweepIntervalSeconds int    `toml:"sweep_interval_seconds" json:"sweep_interval_seconds"`
	Listen               string `toml:"listen" json:"listen"`
	Token                string `toml:"token" json:"-"`
	Terminal             bool   `toml:"terminal" json:"terminal"`
}

type TurnsConfig struct {
	Concurrency int `toml:"concurrency" json:"concurrency"`
}

type LockConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds" json:"timeout_seconds"`
}

type ScriptsConfig struct {
	Dir   string `toml:"dir" json:"dir"`
	Watch bool   `toml:"watch" json:"watch"`
}

type ActiveHours struct {
	Start string `toml:"start" json:"start"`
	End   string `toml:"end" json:"end"`
}

type HeartbeatConfig struct {
	Enabled     bool         `toml:"enabled" json:"enabled"`
	Interval    string       `toml:"interval" json:"interval"`
	ActiveHours *ActiveHours `toml:"active_hours" json:"active_hours,omitempty"`
}

// JobConfig is a scheduled TrustedEvent. Tools is "all" or a comma list.
type JobConfig struct {
	Name     string `toml:"name" json:"name"`
	Schedule string `toml:"schedule" json:"schedule"`
	Prompt   string `toml:"prompt" json:"prompt"`
	Tools    string `toml:"tools" json:"tools"`
}

type MCPServerConfig struct {
	Name           string            `toml:"name" json:"name"`
	Type           string            `toml:"type" json:"type"` // stdio or openapi
	Description    string            `toml:"description" json:"description"`
	Command        []string          `toml:"command" json:"command"`
	WorkingDir     string            `toml:"working_dir" json:"working_dir"`
	Env            map[string]string `toml:"env" json:"-"`
	SpecPath       string            `toml:"spec_path" json:"spec_path"`
	URL            string            `toml:"url" json:"url"`
	Headers        map[string]string `toml:"headers" json:"-"`
	TimeoutSeconds int               `toml:"timeout_seconds" json:"timeout_seconds"`
	Disabled       bool              `toml:"disabled" json:"disabled"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `toml:"servers" json:"servers"`
}

type ProviderConfig struct {
	BaseURL        string `toml:"base_url" json:"base_url"`
	Model          string `toml:"model" json:"model"`
	APIKey         string `toml:"api_key" json:"-"`
	APIKeyEnv      string `toml:"api_key_env" json:"api_key_env"`
	TimeoutSeconds int    `toml:"timeout_seconds" json:"timeout_seconds"`
}

// IngressConfig bounds how bursts from one source are coalesced.
type IngressConfig struct {
	DebounceMillis int `toml:"debounce_ms" json:"debounce_ms"`
	MaxMessages    int `toml:"max_debounce_messages" json:"max_debounce_messages"`
	MaxChars       int `toml:"max_debounce_chars" json:"max_debounce_chars"`
	BusSize        int `toml:"bus_size" json:"bus_size"`
}

type SessionConfig struct {
	Path string `toml:"path" json:"path"`
}

// Config is the read-only process snapshot handed to every component.
type Config struct {
	Workspace  string          `toml:"workspace" json:"workspace"`
	ProjectDir string          `toml:"project_dir" json:"project_dir"`
	LogLevel   string          `toml:"log_level" json:"log_level"`
	LogPath    string          `toml:"log_path" json:"log_path"`
	Owners     []string        `toml:"owners" json:"owners"`
	Workdir    WorkdirConfig   `toml:"workdir" json:"workdir"`
	Sandbox    SandboxConfig   `toml:"sandbox" json:"sandbox"`
	Safety     SafetyConfig    `toml:"safety" json:"safety"`
	Tools      ToolsConfig     `toml:"tools" json:"tools"`
	Approval   ApprovalConfig  `toml:"approval" json:"approval"`
	Turns      TurnsConfig     `toml:"turns" json:"turns"`
	Lock       LockConfig      `toml:"lock" json:"lock"`
	Scripts    ScriptsConfig   `toml:"scripts" json:"scripts"`
	Heartbeat  HeartbeatConfig `toml:"heartbeat" json:"heartbeat"`
	Jobs       []JobConfig     `toml:"jobs" json:"jobs"`
	MCP        MCPConfig       `toml:"mcp" json:"mcp"`
	Provider   ProviderConfig  `toml:"provider" json:"provider"`
	Session    SessionConfig   `toml:"session" json:"session"`
	Ingress    IngressConfig   `toml:"ingress" json:"ingress"`
}

func defaultConfigDir() string {
	if runtime.GOOS == "windows" {
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, consts.AppName)
		}
	}
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, consts.AppName)
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", consts.AppName)
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, consts.AppName)
		}
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, consts.AppName)
		}
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".local", "state", consts.AppName)
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := defaultStateDir()
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	return &Config{
		Workspace:  filepath.Join(homeDir, "."+consts.AppName, "workspace"),
		ProjectDir: cwd,
		LogLevel:   "info",
		LogPath:    filepath.Join(stateDir, consts.AppName+".log"),
		Owners:     []string{"cli:local"},
		Workdir:    WorkdirConfig{Strategy: "overlay"},
		Sandbox:    SandboxConfig{Backend: "auto", AllowExec: true},
		Safety: SafetyConfig{
			ApprovalPatterns: DefaultApprovalPatterns(),
		},
		Tools: ToolsConfig{
			ToolOutputMaxChars:    consts.DefaultToolOutputMaxChars,
			UseContentDelimiters:  true,
			LogInjectionWarnings:  true,
			RedactSecrets:         true,
			ProcessTimeoutSeconds: int(consts.DefaultProcessTimeout / time.Second),
		},
		Approval: ApprovalConfig{
			TimeoutSeconds:       int(consts.DefaultApprovalTimeout / time.Second),
			SweepIntervalSeconds: int(consts.DefaultSweepInterval / time.Second),
			Listen:               "127.0.0.1:8937",
		},
		Turns:     TurnsConfig{Concurrency: consts.DefaultTurnConcurrency},
		Lock:      LockConfig{TimeoutSeconds: int(consts.DefaultLockTimeout / time.Second)},
		Scripts:   ScriptsConfig{Watch: true},
		Heartbeat: HeartbeatConfig{Interval: consts.DefaultHeartbeatInterval.String()},
		Provider:  ProviderConfig{APIKeyEnv: "OPENAI_API_KEY", TimeoutSeconds: 120},
		Session:   SessionConfig{Path: filepath.Join(stateDir, "sessions.db")},
		Ingress: IngressConfig{
			DebounceMillis: int(consts.DefaultDebounceWindow / time.Millisecond),
			MaxMessages:    50,
			MaxChars:       100_000,
			BusSize:        consts.IngressBusSize,
		},
	}
}

// DefaultApprovalPatterns are the command patterns that need a human decision
// even when otherwise well-confined.
func DefaultApprovalPatterns() []string {
	return []string{
		`terraform\s+destroy`,
		`aws\s+.*\s+delete`,
		`az\s+group\s+delete`,
		`nmap`,
		`masscan`,
	}
}

// GetConfigPath returns the default config file location.
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.toml")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.normalize()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.normalize()
}

func (c *Config) normalize() error {
	defaults := DefaultConfig()

	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.Workdir.Strategy == "" {
		c.Workdir.Strategy = defaults.Workdir.Strategy
	}
	if c.Workdir.Strategy != "overlay" && c.Workdir.Strategy != "mount" {
		return fmt.Errorf("invalid workdir strategy %q", c.Workdir.Strategy)
	}
	if c.Sandbox.Backend == "" {
		c.Sandbox.Backend = "auto"
	}
	if c.Tools.ToolOutputMaxChars <= 0 {
		c.Tools.ToolOutputMaxChars = defaults.Tools.ToolOutputMaxChars
	}
	if c.Tools.ProcessTimeoutSeconds <= 0 {
		c.Tools.ProcessTimeoutSeconds = defaults.Tools.ProcessTimeoutSeconds
	}
	if c.Approval.TimeoutSeconds <= 0 {
		c.Approval.TimeoutSeconds = defaults.Approval.TimeoutSeconds
	}
	if c.Approval.SweepIntervalSeconds <= 0 {
		c.Approval.SweepIntervalSeconds = defaults.Approval.SweepIntervalSeconds
	}
	if c.Turns.Concurrency <= 0 {
		c.Turns.Concurrency = consts.DefaultTurnConcurrency
	}
	if c.Lock.TimeoutSeconds <= 0 {
		c.Lock.TimeoutSeconds = defaults.Lock.TimeoutSeconds
	}
	if c.Heartbeat.Interval == "" {
		c.Heartbeat.Interval = defaults.Heartbeat.Interval
	}
	if c.Ingress.DebounceMillis < 0 {
		c.Ingress.DebounceMillis = 0
	}
	if c.Ingress.MaxMessages <= 0 {
		c.Ingress.MaxMessages = defaults.Ingress.MaxMessages
	}
	if c.Ingress.MaxChars <= 0 {
		c.Ingress.MaxChars = defaults.Ingress.MaxChars
	}
	if c.Ingress.BusSize <= 0 {
		c.Ingress.BusSize = defaults.Ingress.BusSize
	}
	if c.Safety.ApprovalPatterns == nil {
		c.Safety.ApprovalPatterns = DefaultApprovalPatterns()
	}

	c.Workspace = ExpandPath(c.Workspace)
	c.ProjectDir = ExpandPath(c.ProjectDir)
	if abs, err := filepath.Abs(c.Workspace); err == nil {
		c.Workspace = abs
	}
	if abs, err := filepath.Abs(c.ProjectDir); err == nil {
		c.ProjectDir = abs
	}
	if c.Scripts.Dir == "" {
		c.Scripts.Dir = filepath.Join(c.Workspace, "scripts")
	}
	c.Scripts.Dir = ExpandPath(c.Scripts.Dir)
	c.Session.Path = ExpandPath(c.Session.Path)
	if c.LogPath != "-" {
		c.LogPath = ExpandPath(c.LogPath)
	}
	return nil
}

// DebounceWindow returns the ingress quiet window. Zero disables debouncing.
func (c *Config) DebounceWindow() time.Duration {
	return time.Duration(c.Ingress.DebounceMillis) * time.Millisecond
}

// ApprovalTimeout returns the configured approval wait.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutSeconds) * time.Second
}

// SweepInterval returns how often expired approvals are swept.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Approval.SweepIntervalSeconds) * time.Second
}

// ProcessTimeout returns the default external process timeout.
func (c *Config) ProcessTimeout() time.Duration {
	return time.Duration(c.Tools.ProcessTimeoutSeconds) * time.Second
}

// LockTimeout returns how long Acquire retries before giving up.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Lock.TimeoutSeconds) * time.Second
}

// PromptsDir holds job prompts and the sanitizer persona.
func (c *Config) PromptsDir() string {
	return filepath.Join(c.Workspace, "prompts")
}

// Get resolves a dotted key ("tools.require_approval.0") against the
// config's JSON form. Secrets carry json:"-" and are never reachable.
func (c *Config) Get(key string) (interface{}, bool) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, false
	}
	var current interface{}
	if err := json.Unmarshal(data, &current); err != nil {
		return nil, false
	}
	if key == "" {
		return current, true
	}

	for _, part := range strings.Split(key, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// ExpandPath expands a leading "~" to the user's home directory.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
