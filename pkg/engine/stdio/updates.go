package stdio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentgate/agentgate/pkg/events"
	"github.com/agentgate/agentgate/pkg/model"
)

// handleNotify dispatches notifications arriving on the read loop.
func (a *Adapter) handleNotify(method string, params json.RawMessage) {
	if method != "session/update" {
		a.log.Debug("Ignoring notification", "method", method)
		return
	}
	var n sessionNotification
	if err := json.Unmarshal(params, &n); err != nil {
		a.log.Warn("Malformed session/update", "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.prompts[n.SessionID]; ok {
		p.touch(time.Now().UnixMilli())
	}

	if a.loading[n.SessionID] {
		a.handleReplayUpdate(n.SessionID, n.Update)
		return
	}

	switch n.Update.SessionUpdate {
	case "agent_message_chunk":
		a.asm.TextDelta(n.SessionID, n.Update.chunkText())
	case "agent_thought_chunk":
		a.asm.ReasoningDelta(n.SessionID, n.Update.chunkText())
	case "tool_call":
		a.applyToolCall(n.SessionID, n.Update)
	case "tool_call_update":
		a.applyToolUpdate(n.SessionID, n.Update)
	case "user_message_chunk":
		// Live user chunks only occur during replay; outside it the user
		// turn was recorded by SendMessage already.
	case "session_info_update":
		a.applyInfoUpdate(n.SessionID, n.Update)
	default:
		a.log.Debug("Unknown session update", "kind", n.Update.SessionUpdate)
	}
}

// handleReplayUpdate routes session/load replay traffic into the local
// transcript. A user chunk after agent output closes the assistant message;
// agent output after user chunks closes the user message.
func (a *Adapter) handleReplayUpdate(sessionID string, u sessionUpdate) {
	closeAssistant := func() {
		if a.asm.Peek(sessionID) != nil {
			if m := a.asm.Finalize(sessionID, ""); m != nil {
				a.history[sessionID] = append(a.history[sessionID], *m)
			}
		}
	}
	closeUser := func() {
		if m := a.asm.FlushUser(sessionID); m != nil {
			a.history[sessionID] = append(a.history[sessionID], *m)
		}
	}

	switch u.SessionUpdate {
	case "user_message_chunk":
		closeAssistant()
		a.asm.UserDelta(sessionID, u.chunkText())
	case "agent_message_chunk":
		closeUser()
		a.asm.TextDelta(sessionID, u.chunkText())
	case "agent_thought_chunk":
		closeUser()
		a.asm.ReasoningDelta(sessionID, u.chunkText())
	case "tool_call":
		closeUser()
		a.applyToolCall(sessionID, u)
	case "tool_call_update":
		a.applyToolUpdate(sessionID, u)
	case "session_info_update":
		a.applyInfoUpdate(sessionID, u)
	}
}

func (a *Adapter) applyToolCall(sessionID string, u sessionUpdate) {
	kind := toolKind(u.Kind)
	a.asm.ToolStart(sessionID, u.ToolCallID, u.Title, kind,
		normalizeTool(u.Kind, u.Title), u.Title, u.RawInput, toolStatus(u.Status))
	if len(u.Locations) > 0 || diffFromContents(u.toolContents()) != "" {
		a.asm.ToolUpdate(sessionID, u.ToolCallID, toolStatus(u.Status), nil, nil, "",
			diffFromContents(u.toolContents()), locations(u.Locations))
	}
}

func (a *Adapter) applyToolUpdate(sessionID string, u sessionUpdate) {
	status := toolStatus(u.Status)
	contents := u.toolContents()
	output := u.RawOutput
	if output == nil {
		if text := textFromContents(contents); text != "" {
			output = text
		}
	}
	errMsg := ""
	if status == model.ToolError {
		if s, ok := output.(string); ok {
			errMsg = s
		}
	}
	a.asm.ToolUpdate(sessionID, u.ToolCallID, status, u.RawInput, output, errMsg,
		diffFromContents(contents), locations(u.Locations))
}

func (a *Adapter) applyInfoUpdate(sessionID string, u sessionUpdate) {
	if u.Info == nil {
		return
	}
	sess, ok := a.sessions[sessionID]
	if !ok {
		// A backend can announce sessions we have not seen yet, e.g. ones
		// it spawned itself. Track them with a placeholder.
		nowMS := time.Now().UnixMilli()
		sess = &model.Session{
			ID:         sessionID,
			EngineType: a.cfg.EngineType,
			Time:       model.SessionTime{Created: nowMS, Updated: nowMS},
		}
		a.sessions[sessionID] = sess
	}
	if u.Info.Title != "" {
		sess.Title = u.Info.Title
	}
	sess.Time.Updated = time.Now().UnixMilli()
	if a.loading[sessionID] {
		return
	}
	copied := *sess
	a.bus.Publish(events.Event{
		Topic:      events.TopicSessionUpdated,
		EngineType: a.cfg.EngineType,
		Payload:    events.SessionPayload{Session: copied},
	})
}

// handleRequest dispatches reverse requests from the backend. File access
// runs on its own goroutine so disk I/O never stalls the read loop;
// permissions park until a client replies.
func (a *Adapter) handleRequest(id int64, method string, params json.RawMessage) {
	switch method {
	case "session/request_permission", "requestPermission":
		a.handlePermissionRequest(id, params)
	case "fs/read_text_file":
		go a.handleReadTextFile(id, params)
	case "fs/write_text_file":
		go a.handleWriteTextFile(id, params)
	default:
		a.log.Warn("Unknown reverse request", "method", method)
		_ = a.conn.replyError(id, codeMethodNotFound, fmt.Sprintf("method not found: %s", method))
	}
}

// handlePermissionRequest parks the request and notifies clients, except in
// autopilot mode where the first allow option is approved immediately.
func (a *Adapter) handlePermissionRequest(id int64, params json.RawMessage) {
	var req permissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		_ = a.conn.replyError(id, codeInternalError, fmt.Sprintf("malformed permission request: %v", err))
		return
	}

	perm := model.Permission{
		ID:         a.ids.NewID("perm"),
		SessionID:  req.SessionID,
		EngineType: a.cfg.EngineType,
		ToolCallID: req.ToolCall.ToolCallID,
		Title:      req.ToolCall.Title,
		Kind:       toolKind(req.ToolCall.Kind),
		Diff:       req.ToolCall.Diff,
		RawInput:   req.ToolCall.RawInput,
	}
	for _, o := range req.Options {
		perm.Options = append(perm.Options, model.PermissionOption{OptionID: o.id(), Kind: o.Kind, Name: o.Name})
	}

	a.mu.Lock()
	autopilot := strings.Contains(a.modes[req.SessionID], "autopilot")
	if !autopilot {
		a.permissions[perm.ID] = &parkedPermission{rpcID: id, sessionID: req.SessionID}
	}
	conn := a.conn
	a.mu.Unlock()

	if autopilot {
		optionID := firstAllowOption(perm.Options)
		if optionID != "" {
			a.log.Info("Auto-approving permission", "session", req.SessionID, "option", optionID)
			_ = conn.reply(id, selectedOutcome(optionID))
			return
		}
		// Nothing safe to auto-pick; fall through to a parked prompt.
		a.mu.Lock()
		a.permissions[perm.ID] = &parkedPermission{rpcID: id, sessionID: req.SessionID}
		a.mu.Unlock()
	}

	a.bus.Publish(events.Event{
		Topic:      events.TopicPermissionAsked,
		EngineType: a.cfg.EngineType,
		Payload:    events.PermissionPayload{Permission: perm},
	})
}

// firstAllowOption returns the first option whose id or kind starts with
// "allow", or "".
func firstAllowOption(options []model.PermissionOption) string {
	for _, o := range options {
		if strings.HasPrefix(o.OptionID, "allow") || strings.HasPrefix(o.Kind, "allow") {
			return o.OptionID
		}
	}
	return ""
}

func (a *Adapter) handleReadTextFile(id int64, params json.RawMessage) {
	var req readTextFileParams
	if err := json.Unmarshal(params, &req); err != nil {
		_ = a.conn.replyError(id, codeInternalError, fmt.Sprintf("malformed fs/read_text_file: %v", err))
		return
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		_ = a.conn.replyError(id, codeInternalError, err.Error())
		return
	}
	content := sliceLines(string(data), req.Line, req.Limit)
	_ = a.conn.reply(id, readTextFileResult{Content: content})
}

// sliceLines applies the optional 1-based line offset and line limit.
func sliceLines(content string, line, limit int) string {
	if line <= 0 && limit <= 0 {
		return content
	}
	lines := strings.Split(content, "\n")
	start := 0
	if line > 0 {
		start = line - 1
		if start > len(lines) {
			start = len(lines)
		}
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return strings.Join(lines[start:end], "\n")
}

func (a *Adapter) handleWriteTextFile(id int64, params json.RawMessage) {
	var req writeTextFileParams
	if err := json.Unmarshal(params, &req); err != nil {
		_ = a.conn.replyError(id, codeInternalError, fmt.Sprintf("malformed fs/write_text_file: %v", err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		_ = a.conn.replyError(id, codeInternalError, err.Error())
		return
	}
	if err := os.WriteFile(req.Path, []byte(req.Content), 0o644); err != nil {
		_ = a.conn.replyError(id, codeInternalError, err.Error())
		return
	}
	_ = a.conn.reply(id, writeTextFileResult{Success: true})
}

// toolStatus maps the wire status onto the part state machine.
func toolStatus(s string) model.ToolStatus {
	switch s {
	case "running", "in_progress":
		return model.ToolRunning
	case "completed":
		return model.ToolCompleted
	case "failed":
		return model.ToolError
	default:
		return model.ToolPending
	}
}

func toolKind(k string) model.ToolKind {
	switch k {
	case "read", "fetch", "search":
		return model.ToolKindRead
	case "edit", "delete", "move":
		return model.ToolKindEdit
	default:
		return model.ToolKindOther
	}
}

// normalizeTool derives a stable lowercase tool name from the wire kind and
// title, e.g. "Read File" → "read".
func normalizeTool(kind, title string) string {
	if kind != "" {
		return kind
	}
	fields := strings.Fields(strings.ToLower(title))
	if len(fields) == 0 {
		return "tool"
	}
	return fields[0]
}

func locations(in []wireLocation) []model.Location {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.Location, len(in))
	for i, l := range in {
		out[i] = model.Location{Path: l.Path, Line: l.Line}
	}
	return out
}

func textFromContents(items []toolContent) string {
	var parts []string
	for _, it := range items {
		if it.Type == "content" && it.Content != nil && it.Content.Text != "" {
			parts = append(parts, it.Content.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// diffFromContents extracts the first diff entry as a unified-ish rendering.
func diffFromContents(items []toolContent) string {
	for _, it := range items {
		if it.Type != "diff" {
			continue
		}
		return it.NewText
	}
	return ""
}
