package sandbox

import (
	"fmt"
	"os"
)

// ConfineCommand is the hidden subcommand that applies in-process
// confinement and then replaces itself with the target program.
const ConfineCommand = "__confine"

// ConfineSpec is what the __confine helper receives on its command line.
type ConfineSpec struct {
	Read  []string
	Write []string
	Net   bool
	Argv  []string
}

// Args renders the spec as arguments for ConfineCommand.
func (s ConfineSpec) Args() []string {
	args := []string{ConfineCommand}
	for _, r := range s.Read {
		args = append(args, "--ro", r)
	}
	for _, w := range s.Write {
		args = append(args, "--rw", w)
	}
	if s.Net {
		args = append(args, "--net")
	}
	args = append(args, "--")
	return append(args, s.Argv...)
}

func confineExe(opts Options) (string, error) {
	if opts.ConfineExe != "" {
		return opts.ConfineExe, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("cannot locate own executable for confinement: %w", err)
	}
	return exe, nil
}
