//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

// configureCommand puts the child in its own process group so a terminal
// Ctrl-C reaches only us. Args are used as given.
func configureCommand(cmd *exec.Cmd, cmdLine string) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// processGone reports whether p already finished; on unix reaping the
// child tells, see exitedNormally
func processGone(p *os.Process) bool {
	return false
}

// exitedNormally is false when state is a death by signal
func exitedNormally(state *os.ProcessState) bool {
	return state.Exited()
}
