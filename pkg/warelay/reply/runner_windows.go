//go:build windows

package reply

import "os/exec"

// setProcessGroup is a no-op on Windows; exec.CommandContext kills the
// direct child when the context expires.
func setProcessGroup(cmd *exec.Cmd) {}
