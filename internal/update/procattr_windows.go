package update

import (
	"os/exec"
	"syscall"
)

// setInstallerProcAttr detaches the installer from the console of sideload.
func setInstallerProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x00000008, // 0x00000008 is DETACHED_PROCESS
	}
}
