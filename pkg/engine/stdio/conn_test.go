package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wirePair connects a conn to a scripted peer over in-memory pipes.
type wirePair struct {
	conn *conn

	stdoutW *io.PipeWriter // peer → conn frames

	mu       sync.Mutex
	received []rpcMessage
	reqCh    chan rpcMessage

	notifyCh  chan rpcMessage
	requestCh chan rpcMessage
}

func newWirePair(t *testing.T) *wirePair {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	p := &wirePair{
		stdoutW:   stdoutW,
		reqCh:     make(chan rpcMessage, 16),
		notifyCh:  make(chan rpcMessage, 16),
		requestCh: make(chan rpcMessage, 16),
	}
	p.conn = newConn(stdinW, slog.Default())

	// Peer side: collect every frame the conn writes.
	go func() {
		scanner := bufio.NewScanner(stdinR)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			var msg rpcMessage
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue
			}
			p.mu.Lock()
			p.received = append(p.received, msg)
			p.mu.Unlock()
			p.reqCh <- msg
		}
	}()

	go func() {
		_ = p.conn.readLoop(stdoutR,
			func(method string, params json.RawMessage) {
				p.notifyCh <- rpcMessage{Method: method, Params: params}
			},
			func(id int64, method string, params json.RawMessage) {
				p.requestCh <- rpcMessage{ID: &id, Method: method, Params: params}
			})
	}()

	t.Cleanup(func() {
		_ = stdinW.Close()
		_ = stdoutW.Close()
	})
	return p
}

// peerSend writes one frame on the conn's read side.
func (p *wirePair) peerSend(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = p.stdoutW.Write(data)
	require.NoError(t, err)
}

func (p *wirePair) nextRequest(t *testing.T) rpcMessage {
	t.Helper()
	select {
	case msg := <-p.reqCh:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return rpcMessage{}
	}
}

func TestConn_CallRoundTrip(t *testing.T) {
	p := newWirePair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		raw, err := p.conn.call(context.Background(), "initialize", map[string]any{"protocolVersion": 1}, time.Second)
		assert.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(raw))
	}()

	req := p.nextRequest(t)
	require.NotNil(t, req.ID)
	assert.Equal(t, "initialize", req.Method)
	assert.Equal(t, "2.0", req.JSONRPC)

	p.peerSend(t, map[string]any{"jsonrpc": "2.0", "id": *req.ID, "result": map[string]any{"ok": true}})
	<-done
}

func TestConn_CallErrorResponse(t *testing.T) {
	p := newWirePair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := p.conn.call(context.Background(), "session/new", nil, time.Second)
		var rpcErr *rpcError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, -32000, rpcErr.Code)
		assert.Contains(t, rpcErr.Message, "boom")
	}()

	req := p.nextRequest(t)
	p.peerSend(t, map[string]any{
		"jsonrpc": "2.0", "id": *req.ID,
		"error": map[string]any{"code": -32000, "message": "boom"},
	})
	<-done
}

func TestConn_CallTimeout(t *testing.T) {
	p := newWirePair(t)

	_, err := p.conn.call(context.Background(), "slow/method", nil, 30*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestConn_CallContextCancel(t *testing.T) {
	p := newWirePair(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		p.nextRequest(t)
		cancel()
	}()

	_, err := p.conn.call(ctx, "slow/method", nil, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConn_NotificationDispatch(t *testing.T) {
	p := newWirePair(t)

	p.peerSend(t, map[string]any{
		"jsonrpc": "2.0", "method": "session/update",
		"params": map[string]any{"sessionId": "ses_1"},
	})

	select {
	case n := <-p.notifyCh:
		assert.Equal(t, "session/update", n.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not dispatched")
	}
}

func TestConn_ReverseRequestDispatchAndReply(t *testing.T) {
	p := newWirePair(t)

	p.peerSend(t, map[string]any{
		"jsonrpc": "2.0", "id": 7, "method": "fs/read_text_file",
		"params": map[string]any{"path": "/tmp/x"},
	})

	var req rpcMessage
	select {
	case req = <-p.requestCh:
	case <-time.After(2 * time.Second):
		t.Fatal("reverse request not dispatched")
	}
	assert.Equal(t, int64(7), *req.ID)

	require.NoError(t, p.conn.reply(*req.ID, map[string]any{"content": "hi"}))
	out := p.nextRequest(t)
	assert.Equal(t, int64(7), *out.ID)
	assert.JSONEq(t, `{"content":"hi"}`, string(out.Result))
}

func TestConn_IgnoresNonJSONLines(t *testing.T) {
	p := newWirePair(t)

	_, err := p.stdoutW.Write([]byte("backend diagnostic output\n"))
	require.NoError(t, err)

	// A real frame after the noise still dispatches.
	p.peerSend(t, map[string]any{"jsonrpc": "2.0", "method": "session/update", "params": map[string]any{}})
	select {
	case <-p.notifyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("frame after noise not dispatched")
	}
}

func TestConn_CloseRejectsPendingAndFutureCalls(t *testing.T) {
	p := newWirePair(t)

	done := make(chan error, 1)
	go func() {
		_, err := p.conn.call(context.Background(), "session/prompt", nil, 0)
		done <- err
	}()
	p.nextRequest(t)

	require.NoError(t, p.stdoutW.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errConnClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not rejected on close")
	}

	_, err := p.conn.call(context.Background(), "anything", nil, time.Second)
	assert.ErrorIs(t, err, errConnClosed)
}

func TestConn_NotifyHasNoID(t *testing.T) {
	p := newWirePair(t)

	require.NoError(t, p.conn.notify("session/cancel", cancelParams{SessionID: "ses_1"}))
	out := p.nextRequest(t)
	assert.Nil(t, out.ID)
	assert.Equal(t, "session/cancel", out.Method)
}
