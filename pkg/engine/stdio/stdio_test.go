package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/engine"
	"github.com/agentgate/agentgate/pkg/events"
	"github.com/agentgate/agentgate/pkg/model"
)

// harness wires an adapter to a scripted backend over in-memory pipes,
// bypassing process startup. The read loop and the frame plumbing are the
// real ones.
type harness struct {
	adapter *Adapter
	bus     *events.Bus

	stdoutW *io.PipeWriter // backend → adapter

	reqCh chan rpcMessage // frames the adapter wrote

	mu     sync.Mutex
	events []events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := events.NewBus()
	h := &harness{bus: bus, reqCh: make(chan rpcMessage, 32)}
	bus.Subscribe(func(ev events.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})

	a := New(Config{EngineType: "claude"}, bus)

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	h.stdoutW = stdoutW

	a.mu.Lock()
	a.conn = newConn(stdinW, a.log)
	a.status = engine.StatusRunning
	a.mu.Unlock()

	go func() {
		scanner := bufio.NewScanner(stdinR)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			var msg rpcMessage
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue
			}
			h.reqCh <- msg
		}
	}()
	go func() {
		_ = a.conn.readLoop(stdoutR, a.handleNotify, a.handleRequest)
	}()

	t.Cleanup(func() {
		_ = stdinW.Close()
		_ = stdoutW.Close()
	})
	h.adapter = a
	return h
}

func (h *harness) addSession(id string) {
	h.adapter.mu.Lock()
	h.adapter.sessions[id] = &model.Session{
		ID:         id,
		EngineType: "claude",
		Directory:  "/work/demo",
		Time:       model.SessionTime{Created: 1, Updated: 1},
	}
	h.adapter.mu.Unlock()
}

func (h *harness) backendSend(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = h.stdoutW.Write(data)
	require.NoError(t, err)
}

func (h *harness) update(t *testing.T, sessionID string, update map[string]any) {
	t.Helper()
	h.backendSend(t, map[string]any{
		"jsonrpc": "2.0", "method": "session/update",
		"params": map[string]any{"sessionId": sessionID, "update": update},
	})
}

func (h *harness) nextFrame(t *testing.T) rpcMessage {
	t.Helper()
	select {
	case msg := <-h.reqCh:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for adapter frame")
		return rpcMessage{}
	}
}

func (h *harness) snapshotEvents() []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]events.Event, len(h.events))
	copy(out, h.events)
	return out
}

func TestStdio_SendMessageStreamsAndResolves(t *testing.T) {
	h := newHarness(t)
	h.addSession("ses_1")

	done := make(chan *model.Message, 1)
	go func() {
		msg, err := h.adapter.SendMessage(context.Background(), "ses_1", "hello", engine.SendOptions{})
		assert.NoError(t, err)
		done <- msg
	}()

	prompt := h.nextFrame(t)
	assert.Equal(t, "session/prompt", prompt.Method)
	var pp promptParams
	require.NoError(t, json.Unmarshal(prompt.Params, &pp))
	assert.Equal(t, "ses_1", pp.SessionID)
	require.Len(t, pp.Prompt, 1)
	assert.Equal(t, "hello", pp.Prompt[0].Text)

	h.update(t, "ses_1", map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]any{"type": "text", "text": "Hi "},
	})
	h.update(t, "ses_1", map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]any{"type": "text", "text": "there"},
	})
	h.backendSend(t, map[string]any{
		"jsonrpc": "2.0", "id": *prompt.ID,
		"result": map[string]any{"stopReason": "end_turn"},
	})

	msg := <-done
	require.NotNil(t, msg)
	assert.Equal(t, model.RoleAssistant, msg.Role)
	assert.Empty(t, msg.Error)
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, "Hi there", msg.Parts[0].Text)
}

func TestStdio_ToolCallLifecycleDuringPrompt(t *testing.T) {
	h := newHarness(t)
	h.addSession("ses_1")

	done := make(chan *model.Message, 1)
	go func() {
		msg, _ := h.adapter.SendMessage(context.Background(), "ses_1", "run it", engine.SendOptions{})
		done <- msg
	}()
	prompt := h.nextFrame(t)

	h.update(t, "ses_1", map[string]any{
		"sessionUpdate": "tool_call",
		"toolCallId":    "call_1",
		"title":         "Read File",
		"kind":          "read",
		"status":        "in_progress",
	})
	h.update(t, "ses_1", map[string]any{
		"sessionUpdate": "tool_call_update",
		"toolCallId":    "call_1",
		"status":        "completed",
		"content": []any{
			map[string]any{"type": "content", "content": map[string]any{"type": "text", "text": "file body"}},
		},
	})
	h.backendSend(t, map[string]any{
		"jsonrpc": "2.0", "id": *prompt.ID,
		"result": map[string]any{"stopReason": "end_turn"},
	})

	msg := <-done
	require.NotNil(t, msg)
	require.Len(t, msg.Parts, 1)
	part := msg.Parts[0]
	assert.Equal(t, model.PartTool, part.Type)
	assert.Equal(t, "call_1", part.CallID)
	assert.Equal(t, model.ToolKindRead, part.Kind)
	assert.Equal(t, "read", part.Tool)
	require.NotNil(t, part.State)
	assert.Equal(t, model.ToolCompleted, part.State.Status)
	assert.Equal(t, "file body", part.State.Output)
}

func TestStdio_CancelResolvesLocallyFirst(t *testing.T) {
	h := newHarness(t)
	h.addSession("ses_1")

	done := make(chan *model.Message, 1)
	go func() {
		msg, err := h.adapter.SendMessage(context.Background(), "ses_1", "long task", engine.SendOptions{})
		assert.NoError(t, err)
		done <- msg
	}()
	h.nextFrame(t) // session/prompt; the backend never answers

	require.NoError(t, h.adapter.CancelMessage(context.Background(), "ses_1"))

	msg := <-done
	require.NotNil(t, msg)
	assert.Equal(t, engine.MessageErrorCancelled, msg.Error)

	// The backend was told, even though the client already unblocked.
	cancel := h.nextFrame(t)
	assert.Equal(t, "session/cancel", cancel.Method)
	assert.Nil(t, cancel.ID)
}

func TestStdio_WatchdogCancelsStalledPrompt(t *testing.T) {
	h := newHarness(t)
	h.addSession("ses_1")
	h.adapter.SetWatchdog(10*time.Millisecond, 30*time.Millisecond)

	done := make(chan *model.Message, 1)
	go func() {
		msg, err := h.adapter.SendMessage(context.Background(), "ses_1", "stall", engine.SendOptions{})
		assert.NoError(t, err)
		done <- msg
	}()
	h.nextFrame(t) // prompt, then silence

	select {
	case msg := <-done:
		require.NotNil(t, msg)
		assert.Equal(t, engine.MessageErrorTimeout, msg.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
}

func TestStdio_WatchdogSparedByActivity(t *testing.T) {
	h := newHarness(t)
	h.addSession("ses_1")
	h.adapter.SetWatchdog(20*time.Millisecond, 80*time.Millisecond)

	done := make(chan *model.Message, 1)
	go func() {
		msg, _ := h.adapter.SendMessage(context.Background(), "ses_1", "steady", engine.SendOptions{})
		done <- msg
	}()
	prompt := h.nextFrame(t)

	// Keep the stream alive past several idle windows.
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		h.update(t, "ses_1", map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]any{"type": "text", "text": "."},
		})
	}
	h.backendSend(t, map[string]any{
		"jsonrpc": "2.0", "id": *prompt.ID,
		"result": map[string]any{"stopReason": "end_turn"},
	})

	msg := <-done
	require.NotNil(t, msg)
	assert.Empty(t, msg.Error)
}

func TestStdio_PromptInFlightRejected(t *testing.T) {
	h := newHarness(t)
	h.addSession("ses_1")

	go func() {
		_, _ = h.adapter.SendMessage(context.Background(), "ses_1", "first", engine.SendOptions{})
	}()
	h.nextFrame(t)

	_, err := h.adapter.SendMessage(context.Background(), "ses_1", "second", engine.SendOptions{})
	assert.ErrorIs(t, err, engine.ErrPromptInFlight)

	require.NoError(t, h.adapter.CancelMessage(context.Background(), "ses_1"))
}

func TestStdio_PermissionParkAndReply(t *testing.T) {
	h := newHarness(t)
	h.addSession("ses_1")

	h.backendSend(t, map[string]any{
		"jsonrpc": "2.0", "id": 42, "method": "session/request_permission",
		"params": map[string]any{
			"sessionId": "ses_1",
			"toolCall":  map[string]any{"toolCallId": "call_1", "title": "Edit main.go", "kind": "edit"},
			"options": []any{
				map[string]any{"optionId": "allow_once", "kind": "allow_once", "name": "Allow"},
				map[string]any{"optionId": "reject_once", "kind": "reject_once", "name": "Reject"},
			},
		},
	})

	// The permission parks and surfaces on the bus.
	var perm model.Permission
	require.Eventually(t, func() bool {
		for _, ev := range h.snapshotEvents() {
			if ev.Topic == events.TopicPermissionAsked {
				perm = ev.Payload.(events.PermissionPayload).Permission
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ses_1", perm.SessionID)
	assert.Equal(t, model.ToolKindEdit, perm.Kind)
	require.Len(t, perm.Options, 2)

	require.NoError(t, h.adapter.ReplyPermission(context.Background(), perm.ID, engine.PermissionReply{OptionID: "allow_once"}))

	out := h.nextFrame(t)
	require.NotNil(t, out.ID)
	assert.Equal(t, int64(42), *out.ID)
	assert.JSONEq(t, `{"outcome":{"outcome":"selected","optionId":"allow_once"}}`, string(out.Result))

	// Single-shot: the second reply finds nothing.
	err := h.adapter.ReplyPermission(context.Background(), perm.ID, engine.PermissionReply{OptionID: "allow_once"})
	assert.ErrorIs(t, err, engine.ErrPermissionNotFound)
}

func TestStdio_PermissionCancelledReply(t *testing.T) {
	h := newHarness(t)
	h.addSession("ses_1")

	h.backendSend(t, map[string]any{
		"jsonrpc": "2.0", "id": 9, "method": "requestPermission",
		"params": map[string]any{
			"sessionId": "ses_1",
			"toolCall":  map[string]any{"toolCallId": "call_1"},
			"options": []any{
				// Legacy id key instead of optionId.
				map[string]any{"id": "allow_once", "kind": "allow_once", "name": "Allow"},
			},
		},
	})

	var perm model.Permission
	require.Eventually(t, func() bool {
		for _, ev := range h.snapshotEvents() {
			if ev.Topic == events.TopicPermissionAsked {
				perm = ev.Payload.(events.PermissionPayload).Permission
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	require.Len(t, perm.Options, 1)
	assert.Equal(t, "allow_once", perm.Options[0].OptionID)

	require.NoError(t, h.adapter.ReplyPermission(context.Background(), perm.ID, engine.PermissionReply{Cancelled: true}))

	out := h.nextFrame(t)
	assert.JSONEq(t, `{"outcome":{"outcome":"cancelled"}}`, string(out.Result))
}

func TestStdio_AutopilotAutoApproves(t *testing.T) {
	h := newHarness(t)
	h.addSession("ses_1")
	h.adapter.mu.Lock()
	h.adapter.modes["ses_1"] = "autopilot"
	h.adapter.mu.Unlock()

	h.backendSend(t, map[string]any{
		"jsonrpc": "2.0", "id": 13, "method": "session/request_permission",
		"params": map[string]any{
			"sessionId": "ses_1",
			"toolCall":  map[string]any{"toolCallId": "call_1"},
			"options": []any{
				map[string]any{"optionId": "reject_once", "kind": "reject_once", "name": "Reject"},
				map[string]any{"optionId": "allow_always", "kind": "allow_always", "name": "Always"},
			},
		},
	})

	out := h.nextFrame(t)
	require.NotNil(t, out.ID)
	assert.Equal(t, int64(13), *out.ID)
	assert.JSONEq(t, `{"outcome":{"outcome":"selected","optionId":"allow_always"}}`, string(out.Result))

	// Auto-approved prompts never surface to clients.
	for _, ev := range h.snapshotEvents() {
		assert.NotEqual(t, events.TopicPermissionAsked, ev.Topic)
	}
}

func TestStdio_ReadTextFileReverseRequest(t *testing.T) {
	h := newHarness(t)

	path := filepath.Join(t.TempDir(), "sample.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\nfour"), 0o644))

	h.backendSend(t, map[string]any{
		"jsonrpc": "2.0", "id": 5, "method": "fs/read_text_file",
		"params": map[string]any{"sessionId": "ses_1", "path": path, "line": 2, "limit": 2},
	})

	out := h.nextFrame(t)
	require.NotNil(t, out.ID)
	assert.Equal(t, int64(5), *out.ID)
	assert.JSONEq(t, `{"content":"two\nthree"}`, string(out.Result))
}

func TestStdio_WriteTextFileCreatesParents(t *testing.T) {
	h := newHarness(t)

	path := filepath.Join(t.TempDir(), "deep", "nested", "out.txt")
	h.backendSend(t, map[string]any{
		"jsonrpc": "2.0", "id": 6, "method": "fs/write_text_file",
		"params": map[string]any{"sessionId": "ses_1", "path": path, "content": "written"},
	})

	out := h.nextFrame(t)
	assert.JSONEq(t, `{"success":true}`, string(out.Result))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "written", string(data))
}

func TestStdio_UnknownReverseRequestRejected(t *testing.T) {
	h := newHarness(t)

	h.backendSend(t, map[string]any{
		"jsonrpc": "2.0", "id": 8, "method": "fs/delete_file",
		"params": map[string]any{},
	})

	out := h.nextFrame(t)
	require.NotNil(t, out.Error)
	assert.Equal(t, codeMethodNotFound, out.Error.Code)
}

func TestStdio_SessionInfoUpdateTracksUnknownSession(t *testing.T) {
	h := newHarness(t)

	h.update(t, "ses_spawned", map[string]any{
		"sessionUpdate": "session_info_update",
		"info":          map[string]any{"title": "Child work"},
	})

	require.Eventually(t, func() bool {
		s, err := h.adapter.GetSession(context.Background(), "ses_spawned")
		return err == nil && s.Title == "Child work"
	}, 2*time.Second, 10*time.Millisecond)

	found := false
	for _, ev := range h.snapshotEvents() {
		if ev.Topic == events.TopicSessionUpdated {
			found = true
		}
	}
	assert.True(t, found)
}

func TestStdio_SendMessageRequiresRunning(t *testing.T) {
	a := New(Config{EngineType: "claude"}, events.NewBus())

	_, err := a.SendMessage(context.Background(), "ses_1", "hi", engine.SendOptions{})
	assert.ErrorIs(t, err, engine.ErrNotRunning)
}

func TestStdio_RestoreSessionSeedsKnownSessions(t *testing.T) {
	h := newHarness(t)

	h.adapter.RestoreSession(model.Session{ID: "ses_restored", EngineType: "claude", Directory: "/work"})

	s, err := h.adapter.GetSession(context.Background(), "ses_restored")
	require.NoError(t, err)
	assert.Equal(t, "/work", s.Directory)
}

func TestSliceLines(t *testing.T) {
	content := "a\nb\nc\nd\ne"

	assert.Equal(t, content, sliceLines(content, 0, 0))
	assert.Equal(t, "c\nd\ne", sliceLines(content, 3, 0))
	assert.Equal(t, "a\nb", sliceLines(content, 0, 2))
	assert.Equal(t, "b\nc", sliceLines(content, 2, 2))
	assert.Equal(t, "", sliceLines(content, 99, 2))
}

func TestToolStatusMapping(t *testing.T) {
	assert.Equal(t, model.ToolRunning, toolStatus("running"))
	assert.Equal(t, model.ToolRunning, toolStatus("in_progress"))
	assert.Equal(t, model.ToolCompleted, toolStatus("completed"))
	assert.Equal(t, model.ToolError, toolStatus("failed"))
	assert.Equal(t, model.ToolPending, toolStatus("pending"))
	assert.Equal(t, model.ToolPending, toolStatus(""))
}

func TestToolKindMapping(t *testing.T) {
	assert.Equal(t, model.ToolKindRead, toolKind("read"))
	assert.Equal(t, model.ToolKindRead, toolKind("search"))
	assert.Equal(t, model.ToolKindEdit, toolKind("edit"))
	assert.Equal(t, model.ToolKindEdit, toolKind("delete"))
	assert.Equal(t, model.ToolKindOther, toolKind("execute"))
	assert.Equal(t, model.ToolKindOther, toolKind(""))
}

func TestNormalizeTool(t *testing.T) {
	assert.Equal(t, "read", normalizeTool("read", "whatever"))
	assert.Equal(t, "read", normalizeTool("", "Read File"))
	assert.Equal(t, "tool", normalizeTool("", ""))
}
