package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kir-gadjello/zier-alpha/internal/safety"
	"github.com/kir-gadjello/zier-alpha/internal/tools"
)

func buildCheckCmd() *cobra.Command {
	var (
		cwd      string
		rawShell bool
	)
	cmd := &cobra.Command{
		Use:   "check <command>",
		Short: "Classify a command with the safety policy without running it",
		Example: `  zier check "git status"
  zier check "rm -rf /" --cwd /tmp`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			b, err := newBase(cfg)
			if err != nil {
				return err
			}
			if cwd == "" {
				cwd = b.env.RunDir()
			}
			return printVerdict(cmd.OutOrStdout(), b.policy, args[0], absAll([]string{cwd})[0], rawShell)
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory the command would run in")
	cmd.Flags().BoolVar(&rawShell, "raw-shell", false, "Classify as an owner turn with shell chaining enabled")
	return cmd
}

// printVerdict writes the verdict and returns an error for blocked commands
// so the exit status reflects the outcome.
func printVerdict(w io.Writer, p *safety.Policy, command, cwd string, rawShell bool) error {
	v := p.ClassifyShell(command, cwd, rawShell)
	fmt.Fprintf(w, "%s\n", v)
	return v.Err()
}

func buildToolsCmd() *cobra.Command {
	var withMCP bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools an owner turn would see",
		Long: `List native, external and WASM tools from the configuration. MCP
servers are only contacted with --mcp. Script tools exist only while the
daemon runs and are not listed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			b, err := newBase(cfg)
			if err != nil {
				return err
			}
			reg, manager := b.registry(cmd.Context(), withMCP)
			if manager != nil {
				defer manager.Close()
			}
			return printTools(cmd.OutOrStdout(), reg)
		},
	}
	cmd.Flags().BoolVar(&withMCP, "mcp", false, "Start configured MCP servers and include their tools")
	return cmd
}

func printTools(w io.Writer, reg *tools.Registry) error {
	list := reg.List()
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, t := range list {
		desc := strings.SplitN(strings.TrimSpace(t.Description()), "\n", 2)[0]
		fmt.Fprintf(tw, "%s\t%s\n", t.Name(), desc)
	}
	return tw.Flush()
}
