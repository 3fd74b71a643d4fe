//go:build !windows

package proc

import (
	"fmt"
	"os/exec"
	"syscall"
)

// Configure puts the child in its own process group so Terminate and Kill
// can signal the whole tree.
func Configure(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Terminate asks the child's process group to exit. The caller waits on its
// own exit monitor and escalates to Kill if the grace period runs out.
func Terminate(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

// Kill forcibly terminates the child's process group.
func Kill(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

// ReclaimPort kills whatever process is holding the TCP port. Used to take
// back a port orphaned by a prior crash of our own backend.
func ReclaimPort(port int) error {
	cmd := exec.Command("fuser", "-k", fmt.Sprintf("%d/tcp", port))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("fuser -k %d/tcp: %w", port, err)
	}
	return nil
}
