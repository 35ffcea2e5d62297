package consts

import "time"

// AppName names config, state and temp directories.
const AppName = "zier-alpha"

// Tool output limits
const (
	// DefaultToolOutputMaxChars bounds tool output handed back to the model
	DefaultToolOutputMaxChars = 50_000
	// MaxFetchBodyBytes bounds the body read by the script fetch op
	MaxFetchBodyBytes = 10 * 1024 * 1024
	// MaxProcessOutputBytes bounds captured stdout/stderr of a spawned process
	MaxProcessOutputBytes = 4 * 1024 * 1024
)

// Timeouts
const (
	DefaultApprovalTimeout   = 5 * time.Minute
	DefaultSweepInterval     = 30 * time.Second
	DefaultProcessTimeout    = 60 * time.Second
	DefaultFetchTimeout      = 30 * time.Second
	DefaultMCPTimeout        = 60 * time.Second
	DefaultHeartbeatInterval = 30 * time.Minute
	DefaultShutdownTimeout   = 5 * time.Second
)

// Workspace lock
const (
	LockFileName       = "workspace.lock"
	LockRetryInterval  = 100 * time.Millisecond
	DefaultLockTimeout = 30 * time.Second
	// LockAttempts is how often a write path retries after ErrLockTimeout
	LockAttempts     = 3
	LockRetryBackoff = 250 * time.Millisecond
)

// Scripting
const (
	ScriptExtension   = ".star"
	ManifestExtension = ".yaml"
	// SessionMailboxSize is the per-session command queue depth
	SessionMailboxSize = 64
	// SessionOpQueueSize is the per-session host-op queue depth
	SessionOpQueueSize = 256
	ReloadDebounce     = 250 * time.Millisecond
)

// Ingress
const (
	IngressBusSize         = 128
	DefaultDebounceWindow  = 2 * time.Second
	DefaultTurnConcurrency = 1
	MaxToolIterations      = 16
)
