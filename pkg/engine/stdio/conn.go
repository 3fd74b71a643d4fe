package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// JSON-RPC error codes used on the wire.
const (
	codeMethodNotFound = -32601
	codeInternalError  = -32000
)

// maxLineSize bounds one JSON-RPC frame. Tool outputs can carry whole files.
const maxLineSize = 4 * 1024 * 1024

// errConnClosed rejects calls made after the child's stdout closed.
var errConnClosed = errors.New("rpc connection closed")

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcMessage is one newline-delimited JSON-RPC 2.0 frame. A frame with both
// an id and a method is a reverse request from the backend; id without method
// is a response to one of our calls; method without id is a notification.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// conn multiplexes JSON-RPC calls over a child process's stdin/stdout.
// Writes are serialised by wmu; the pending map pairs responses with callers.
type conn struct {
	w   io.Writer
	wmu sync.Mutex
	log *slog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcResult
	closed  bool
}

func newConn(w io.Writer, log *slog.Logger) *conn {
	return &conn{
		w:       w,
		log:     log,
		pending: make(map[int64]chan rpcResult),
	}
}

// readLoop reads frames until stdout closes, dispatching responses to their
// pending callers and handing notifications and reverse requests to the
// adapter. It returns the read error and rejects every pending call.
func (c *conn) readLoop(r io.Reader, onNotify func(method string, params json.RawMessage), onRequest func(id int64, method string, params json.RawMessage)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			// Backends occasionally write diagnostics to stdout.
			c.log.Debug("Ignoring non-JSON stdout line", "line", string(line))
			continue
		}
		switch {
		case msg.ID != nil && msg.Method != "":
			onRequest(*msg.ID, msg.Method, msg.Params)
		case msg.ID != nil:
			c.resolve(*msg.ID, msg)
		case msg.Method != "":
			onNotify(msg.Method, msg.Params)
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.fail(err)
	return err
}

func (c *conn) resolve(id int64, msg rpcMessage) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("Response for unknown call id", "id", id)
		return
	}
	if msg.Error != nil {
		ch <- rpcResult{err: msg.Error}
		return
	}
	ch <- rpcResult{result: msg.Result}
}

// fail rejects every pending call and refuses new ones.
func (c *conn) fail(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan rpcResult)
	c.closed = true
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- rpcResult{err: fmt.Errorf("%w: %w", errConnClosed, err)}
	}
}

// call sends a request and waits for its response. timeout == 0 waits
// indefinitely; the context still applies.
func (c *conn) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errConnClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpcResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(rpcMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: marshalParams(params)}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer:
		c.abandon(id)
		return nil, fmt.Errorf("rpc call %s timed out after %s", method, timeout)
	case <-ctx.Done():
		c.abandon(id)
		return nil, ctx.Err()
	}
}

func (c *conn) abandon(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// notify sends a request without an id; no response is expected.
func (c *conn) notify(method string, params any) error {
	return c.send(rpcMessage{JSONRPC: "2.0", Method: method, Params: marshalParams(params)})
}

// reply answers a reverse request.
func (c *conn) reply(id int64, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.send(rpcMessage{JSONRPC: "2.0", ID: &id, Result: raw})
}

// replyError answers a reverse request with a JSON-RPC error.
func (c *conn) replyError(id int64, code int, message string) error {
	return c.send(rpcMessage{JSONRPC: "2.0", ID: &id, Error: &rpcError{Code: code, Message: message}})
}

func (c *conn) send(msg rpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal rpc frame: %w", err)
	}
	data = append(data, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write rpc frame: %w", err)
	}
	return nil
}

func marshalParams(params any) json.RawMessage {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return raw
}
