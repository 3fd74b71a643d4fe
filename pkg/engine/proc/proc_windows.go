//go:build windows

package proc

import (
	"fmt"
	"os/exec"
	"strconv"
)

// Configure is a no-op on Windows; tree termination goes through taskkill.
func Configure(cmd *exec.Cmd) {}

// Terminate kills the child and its descendants. Windows has no graceful
// group signal, and shell-invoked children do not see signals sent to the
// shell, so taskkill /T is required either way.
func Terminate(cmd *exec.Cmd) { Kill(cmd) }

// Kill forcibly terminates the child's process tree.
func Kill(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid))
	if err := kill.Run(); err != nil {
		_ = cmd.Process.Kill()
	}
}

// ReclaimPort kills whatever process is holding the TCP port via PowerShell.
func ReclaimPort(port int) error {
	script := fmt.Sprintf(
		"Get-NetTCPConnection -LocalPort %d -State Listen | ForEach-Object { Stop-Process -Id $_.OwningProcess -Force }",
		port)
	cmd := exec.Command("powershell", "-NoProfile", "-Command", script)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("reclaim port %d: %w", port, err)
	}
	return nil
}
