//go:build !unix && !windows

package update

import "os/exec"

func setInstallerProcAttr(_ *exec.Cmd) {}
