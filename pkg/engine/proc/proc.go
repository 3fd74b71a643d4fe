// Package proc holds the subprocess helpers shared by the stdio and
// http-stream adapters: child environment construction, cross-platform
// process-tree termination, and TCP port acquisition.
package proc

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// ChildEnv returns the environment for backend child processes: the parent
// environment with ELECTRON_RUN_AS_NODE removed and git credential prompts
// disabled, so a backend can never block on an interactive credential
// manager.
func ChildEnv() []string {
	env := os.Environ()
	out := make([]string, 0, len(env)+2)
	for _, kv := range env {
		if strings.HasPrefix(kv, "ELECTRON_RUN_AS_NODE=") {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=")
	return out
}

// PortFree reports whether a TCP port on localhost can be bound.
func PortFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// FindPort returns the preferred port if free, otherwise the first free port
// within ±searchRange of it. Returns an error when every candidate is taken.
func FindPort(preferred, searchRange int) (int, error) {
	if PortFree(preferred) {
		return preferred, nil
	}
	for offset := 1; offset <= searchRange; offset++ {
		for _, candidate := range []int{preferred + offset, preferred - offset} {
			if candidate <= 0 || candidate > 65535 {
				continue
			}
			if PortFree(candidate) {
				return candidate, nil
			}
		}
	}
	return 0, fmt.Errorf("no free port within ±%d of %d", searchRange, preferred)
}

// WaitPortFree polls until the port can be bound or the timeout elapses.
// Used after reclaiming an orphaned port.
func WaitPortFree(port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if PortFree(port) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return PortFree(port)
}
