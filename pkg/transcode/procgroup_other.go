//go:build !unix

package transcode

import "os/exec"

func isolateProcessGroup(cmd *exec.Cmd) {}
