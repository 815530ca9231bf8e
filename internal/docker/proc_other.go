//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package docker

import "os/exec"

// setProcessGroup is a no-op where process groups are unavailable; cancellation
// falls back to killing the direct child only.
func setProcessGroup(cmd *exec.Cmd) {}
