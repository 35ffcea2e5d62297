// Package main is the zier command line: the long-running daemon plus a
// few inspection commands that share its configuration.
//
// Start the daemon:
//
//	zier daemon --config ~/.config/zier-alpha/config.toml
//
// Ask the safety policy about a command without running it:
//
//	zier check "rm -rf /tmp/x" --cwd ~/project
//
// List or decide pending approvals of a running daemon:
//
//	zier approvals
//	zier approvals approve <call-id>
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kir-gadjello/zier-alpha/internal/config"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

var configPath string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "zier",
		Short:        "Trust-aware personal agent runtime",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.GetConfigPath(), "Path to the TOML configuration file")

	root.AddCommand(
		buildDaemonCmd(),
		buildCheckCmd(),
		buildToolsCmd(),
		buildApprovalsCmd(),
		buildConfineCmd(),
	)
	return root
}

// loadConfig reads the config file and points the global logger at the
// configured sink. Commands other than the daemon only log warnings and
// errors, to stderr.
func loadConfig(daemon bool) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level := logger.ParseLevel(cfg.LogLevel)
	path := cfg.LogPath
	if !daemon {
		path = logger.StderrPath
		if level < logger.LevelWarn {
			level = logger.LevelWarn
		}
	}
	if err := logger.Init(level, path); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}
