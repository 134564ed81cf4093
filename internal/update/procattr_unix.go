//go:build unix

package update

import (
	"os/exec"
	"syscall"
)

// setInstallerProcAttr runs the installer in its own session so it outlives sideload.
func setInstallerProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
