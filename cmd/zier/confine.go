package main

import (
	"github.com/spf13/cobra"

	"github.com/kir-gadjello/zier-alpha/internal/sandbox"
)

// buildConfineCmd is the re-exec target of the Landlock backend. It
// restricts itself and then execs the command after "--".
func buildConfineCmd() *cobra.Command {
	var spec sandbox.ConfineSpec
	cmd := &cobra.Command{
		Use:    sandbox.ConfineCommand + " [--ro path]... [--rw path]... [--net] -- command [args...]",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Argv = args
			return sandbox.Confine(spec)
		},
	}
	cmd.Flags().StringArrayVar(&spec.Read, "ro", nil, "read-only path")
	cmd.Flags().StringArrayVar(&spec.Write, "rw", nil, "read-write path")
	cmd.Flags().BoolVar(&spec.Net, "net", false, "allow network")
	// everything after the target command belongs to it
	cmd.Flags().SetInterspersed(false)
	return cmd
}
