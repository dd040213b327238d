//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

const stillActive = 259

// configureCommand hides the console window, starts the child in a new
// process group so console Ctrl-C events reach only us and, when given,
// passes the caller-quoted command line through untouched
func configureCommand(cmd *exec.Cmd, cmdLine string) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CmdLine:       cmdLine,
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}
}

// processGone reports whether p has terminated but may not be reaped yet
func processGone(p *os.Process) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(p.Pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code != stillActive
}

// exitedNormally is always false: TerminateProcess leaves an ordinary
// exit code, so processGone guards Kill instead
func exitedNormally(*os.ProcessState) bool {
	return false
}
