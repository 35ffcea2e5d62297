package mcp

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kir-gadjello/zier-alpha/internal/config"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
	"github.com/kir-gadjello/zier-alpha/internal/sandbox"
)

// StartStdio spawns the server process and performs the handshake. The
// process inherits the operator's environment plus the configured
// overrides, and is killed when the client closes.
func StartStdio(ctx context.Context, cfg config.MCPServerConfig, baseDir string) (*Client, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("stdio server %s: command is required", cfg.Name)
	}
	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Env = sandbox.MergeEnv(os.Environ(), cfg.Env)
	cmd.Dir = baseDir
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
		if !filepath.IsAbs(cmd.Dir) {
			cmd.Dir = filepath.Join(baseDir, cfg.WorkingDir)
		}
	}
	sandbox.PrepareLongLived(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command[0], err)
	}

	log := logger.Global().WithPrefix("mcp:" + cfg.Name)
	log.Info("started server process %v (pid %d)", cfg.Command, cmd.Process.Pid)
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			log.Debug("stderr: %s", sc.Text())
		}
	}()

	client := NewClient(cfg.Name, stdout, stdin, time.Duration(cfg.TimeoutSeconds)*time.Second)
	client.onClose = func() error {
		_ = sandbox.KillTree(cmd.Process.Pid)
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil
	}
	if err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialize %s: %w", cfg.Name, err)
	}
	return client, nil
}
