package proc

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// holdPort binds a port for the duration of the test so the helpers see it
// as taken.
func holdPort(t *testing.T) (int, net.Listener) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l.Addr().(*net.TCPAddr).Port, l
}

func TestPortFree(t *testing.T) {
	port, l := holdPort(t)
	assert.False(t, PortFree(port))

	require.NoError(t, l.Close())
	assert.True(t, PortFree(port))
}

func TestFindPort_PreferredWhenFree(t *testing.T) {
	port, l := holdPort(t)
	require.NoError(t, l.Close())

	got, err := FindPort(port, 5)
	require.NoError(t, err)
	assert.Equal(t, port, got)
}

func TestFindPort_NeighbourWhenTaken(t *testing.T) {
	port, _ := holdPort(t)

	got, err := FindPort(port, 5)
	require.NoError(t, err)
	assert.NotEqual(t, port, got)
	assert.InDelta(t, port, got, 5)
	assert.True(t, PortFree(got))
}

func TestFindPort_ExhaustedRange(t *testing.T) {
	port, _ := holdPort(t)

	// Occupy the whole ±1 window around the held port.
	for _, candidate := range []int{port - 1, port + 1} {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", candidate))
		if err != nil {
			t.Skipf("neighbour port %d unavailable to the test itself", candidate)
		}
		t.Cleanup(func() { _ = l.Close() })
	}

	_, err := FindPort(port, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no free port")
}

func TestWaitPortFree_ReturnsWhenReleased(t *testing.T) {
	port, l := holdPort(t)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = l.Close()
	}()
	assert.True(t, WaitPortFree(port, 2*time.Second))
}

func TestWaitPortFree_TimesOut(t *testing.T) {
	port, _ := holdPort(t)
	assert.False(t, WaitPortFree(port, 200*time.Millisecond))
}

func TestChildEnv(t *testing.T) {
	t.Setenv("ELECTRON_RUN_AS_NODE", "1")
	t.Setenv("KEEP_ME", "yes")

	env := ChildEnv()

	joined := strings.Join(env, "\n")
	assert.NotContains(t, joined, "ELECTRON_RUN_AS_NODE=")
	assert.Contains(t, joined, "KEEP_ME=yes")
	assert.Contains(t, joined, "GIT_TERMINAL_PROMPT=0")
	assert.Contains(t, joined, "GIT_ASKPASS=")
}
