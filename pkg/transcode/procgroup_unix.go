//go:build unix

package transcode

import (
	"os/exec"
	"syscall"
)

// isolateProcessGroup puts the command in its own process group and makes
// context cancellation kill the whole group, including any helpers ffmpeg
// spawned.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // New process group
		Pgid:    0,    // Process becomes its own group leader
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
