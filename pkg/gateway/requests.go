package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/agentgate/agentgate/pkg/engine"
	"github.com/agentgate/agentgate/pkg/manager"
	"github.com/agentgate/agentgate/pkg/model"
)

// Frame shapes of the WebSocket API.

type request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
	Token     string          `json:"token,omitempty"` // auth frames only
}

type response struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId"`
	Payload   any        `json:"payload,omitempty"`
	Error     *respError `json:"error,omitempty"`
}

type respError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type notification struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Error codes carried in response frames.
const (
	codeParseError       = "PARSE_ERROR"
	codeUnknownRequest   = "UNKNOWN_REQUEST"
	codeInternalError    = "INTERNAL_ERROR"
	codeUnknownEngine    = "UNKNOWN_ENGINE"
	codeEngineNotRunning = "ENGINE_NOT_RUNNING"
	codeSessionNotFound  = "SESSION_NOT_FOUND"
	codePermissionGone   = "PERMISSION_NOT_FOUND"
	codePromptInFlight   = "PROMPT_IN_FLIGHT"
)

// errorCode maps adapter and manager errors onto wire codes.
func errorCode(err error) string {
	var pe parseError
	var ue unknownRequestError
	switch {
	case errors.As(err, &pe):
		return codeParseError
	case errors.As(err, &ue):
		return codeUnknownRequest
	case errors.Is(err, manager.ErrUnknownEngine):
		return codeUnknownEngine
	case errors.Is(err, engine.ErrNotRunning):
		return codeEngineNotRunning
	case errors.Is(err, engine.ErrSessionNotFound):
		return codeSessionNotFound
	case errors.Is(err, engine.ErrPermissionNotFound):
		return codePermissionGone
	case errors.Is(err, engine.ErrPromptInFlight):
		return codePromptInFlight
	default:
		return codeInternalError
	}
}

// dispatch executes one request and writes its response frame. Runs on its
// own goroutine per request.
func (s *Server) dispatch(wc *wsConn, req request) {
	payload, err := s.handleRequest(wc.ctx, req)
	if err != nil {
		s.respondError(wc, req.RequestID, errorCode(err), err.Error())
		return
	}
	s.respond(wc, req.RequestID, payload)
}

func (s *Server) handleRequest(ctx context.Context, req request) (any, error) {
	switch req.Type {
	case "engine.list":
		return map[string]any{"engines": s.mgr.Engines()}, nil

	case "engine.capabilities":
		var p struct {
			EngineType string `json:"engineType"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		caps, err := s.mgr.Capabilities(p.EngineType)
		if err != nil {
			return nil, err
		}
		return map[string]any{"capabilities": caps}, nil

	case "session.list":
		var p struct {
			EngineType string `json:"engineType"`
			Directory  string `json:"directory"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		arg := p.EngineType
		if arg == "" {
			arg = p.Directory
		}
		sessions, err := s.mgr.ListSessions(ctx, arg)
		if err != nil {
			return nil, err
		}
		if sessions == nil {
			sessions = []model.Session{}
		}
		return map[string]any{"sessions": sessions}, nil

	case "session.create":
		var p struct {
			EngineType string `json:"engineType"`
			Directory  string `json:"directory"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		sess, err := s.mgr.CreateSession(ctx, p.EngineType, p.Directory)
		if err != nil {
			return nil, err
		}
		return map[string]any{"session": sess}, nil

	case "session.get":
		var p sessionRef
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		sess, err := s.mgr.GetSession(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"session": sess}, nil

	case "session.delete":
		var p sessionRef
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		if err := s.mgr.DeleteSession(ctx, p.SessionID); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": true}, nil

	case "message.send":
		var p struct {
			SessionID string `json:"sessionId"`
			Content   string `json:"content"`
			Mode      string `json:"mode"`
			ModelID   string `json:"modelId"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		msg, err := s.mgr.SendMessage(ctx, p.SessionID, p.Content, engine.SendOptions{Mode: p.Mode, ModelID: p.ModelID})
		if err != nil {
			return nil, err
		}
		return map[string]any{"message": msg}, nil

	case "message.cancel":
		var p sessionRef
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		if err := s.mgr.CancelMessage(ctx, p.SessionID); err != nil {
			return nil, err
		}
		return map[string]any{"cancelled": true}, nil

	case "message.list":
		var p sessionRef
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		msgs, err := s.mgr.ListMessages(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		if msgs == nil {
			msgs = []model.Message{}
		}
		return map[string]any{"messages": msgs}, nil

	case "model.list":
		var p struct {
			EngineType string `json:"engineType"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		models, err := s.mgr.ListModels(ctx, p.EngineType)
		if err != nil {
			return nil, err
		}
		if models == nil {
			models = []engine.Model{}
		}
		return map[string]any{"models": models}, nil

	case "model.set":
		var p struct {
			SessionID string `json:"sessionId"`
			ModelID   string `json:"modelId"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		if err := s.mgr.SetModel(ctx, p.SessionID, p.ModelID); err != nil {
			return nil, err
		}
		return map[string]any{"set": true}, nil

	case "mode.set":
		var p struct {
			SessionID string `json:"sessionId"`
			ModeID    string `json:"modeId"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		if err := s.mgr.SetMode(ctx, p.SessionID, p.ModeID); err != nil {
			return nil, err
		}
		return map[string]any{"set": true}, nil

	case "permission.reply":
		var p struct {
			PermissionID string `json:"permissionId"`
			OptionID     string `json:"optionId"`
			Cancelled    bool   `json:"cancelled"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		err := s.mgr.ReplyPermission(ctx, p.PermissionID, engine.PermissionReply{OptionID: p.OptionID, Cancelled: p.Cancelled})
		if err != nil {
			return nil, err
		}
		return map[string]any{"replied": true}, nil

	case "project.list":
		projects, err := s.mgr.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		if projects == nil {
			projects = []model.Project{}
		}
		return map[string]any{"projects": projects}, nil

	case "project.setEngine":
		var p struct {
			Directory  string `json:"directory"`
			EngineType string `json:"engineType"`
		}
		if err := unmarshal(req.Payload, &p); err != nil {
			return nil, err
		}
		if err := s.mgr.SetProjectEngine(p.Directory, p.EngineType); err != nil {
			return nil, err
		}
		return map[string]any{"set": true}, nil

	default:
		return nil, errUnknownRequest(req.Type)
	}
}

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

// parseError wraps payload decoding failures so they map to PARSE_ERROR.
type parseError struct{ err error }

func (e parseError) Error() string { return "invalid payload: " + e.err.Error() }

type unknownRequestError struct{ kind string }

func (e unknownRequestError) Error() string { return "unknown request type: " + e.kind }

func errUnknownRequest(kind string) error { return unknownRequestError{kind: kind} }

func unmarshal(data json.RawMessage, out any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return parseError{err: err}
	}
	return nil
}
