// Package pidfile records the running daemon so that other commands can
// find its approval API, and so that a second daemon refuses to start on
// the same workspace.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName is the record kept in the workspace.
const FileName = "daemon.json"

// ErrRunning is returned by Claim when another live daemon holds the file.
var ErrRunning = errors.New("daemon already running")

// Info is what a daemon publishes about itself.
type Info struct {
	PID     int       `json:"pid"`
	Addr    string    `json:"addr"`
	Token   string    `json:"token,omitempty"`
	Started time.Time `json:"started"`
}

// Pidfile is the daemon record at a fixed path.
type Pidfile struct {
	path string
}

func New(path string) *Pidfile {
	return &Pidfile{path: path}
}

// ForWorkspace returns the record of the daemon serving workspace.
func ForWorkspace(workspace string) *Pidfile {
	return New(filepath.Join(workspace, FileName))
}

// Claim writes info unless a live process other than this one already
// holds the record. A stale record is replaced.
func (p *Pidfile) Claim(info Info) error {
	if existing, err := p.Read(); err == nil {
		if existing.PID != os.Getpid() && Alive(existing.PID) {
			return fmt.Errorf("%w (pid %d, %s)", ErrRunning, existing.PID, p.path)
		}
	}
	return p.Write(info)
}

// Write replaces the record atomically. The token makes it private to the
// owner. A zero PID is filled with the current process.
func (p *Pidfile) Write(info Info) error {
	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.Started.IsZero() {
		info.Started = time.Now()
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create pidfile directory: %w", err)
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	return nil
}

// Read loads the record.
func (p *Pidfile) Read() (*Info, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pidfile: %w", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("invalid pidfile %s: %w", p.path, err)
	}
	if info.PID <= 0 {
		return nil, fmt.Errorf("invalid PID in pidfile %s", p.path)
	}
	return &info, nil
}

// Running returns the record if its process is still alive.
func (p *Pidfile) Running() (*Info, error) {
	info, err := p.Read()
	if err != nil {
		return nil, err
	}
	if !Alive(info.PID) {
		return nil, fmt.Errorf("daemon pid %d is not running (stale %s)", info.PID, p.path)
	}
	return info, nil
}

// Remove deletes the record if it still belongs to this process.
func (p *Pidfile) Remove() error {
	info, err := p.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.PID != os.Getpid() {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove pidfile: %w", err)
	}
	return nil
}

// Path returns the record path.
func (p *Pidfile) Path() string {
	return p.path
}
