package sandbox

import "os/exec"

// PrepareLongLived configures a child that serves many requests, such as a
// stdio tool server: it gets its own process group and dies with us.
func PrepareLongLived(cmd *exec.Cmd) {
	configureProcessGroup(cmd)
}

// KillTree kills the process group led by pid.
func KillTree(pid int) error {
	return signalProcessGroup(pid)
}
