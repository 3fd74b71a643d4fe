package httpstream

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/agentgate/agentgate/pkg/engine"
	"github.com/agentgate/agentgate/pkg/events"
	"github.com/agentgate/agentgate/pkg/model"
)

type sendPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sendBody struct {
	Parts      []sendPart `json:"parts"`
	ProviderID string     `json:"providerID,omitempty"`
	ModelID    string     `json:"modelID,omitempty"`
	Mode       string     `json:"mode,omitempty"`
}

type permissionReplyBody struct {
	Response string `json:"response"`
}

// ListSessions queries the backend scoped to dir and refreshes the cache.
func (a *Adapter) ListSessions(ctx context.Context, dir string) ([]model.Session, error) {
	if a.Status() != engine.StatusRunning {
		return nil, engine.ErrNotRunning
	}
	var wire []wireSession
	if err := a.client(dir).doBounded(ctx, http.MethodGet, "/session", nil, &wire); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]model.Session, 0, len(wire))
	a.mu.Lock()
	for _, ws := range wire {
		sess := ws.toModel(a.cfg.EngineType)
		copied := sess
		a.sessions[sess.ID] = &copied
		a.dirs[sess.ID] = sess.Directory
		out = append(out, sess)
	}
	a.mu.Unlock()
	return out, nil
}

// CreateSession opens a backend session scoped to dir.
func (a *Adapter) CreateSession(ctx context.Context, dir string) (*model.Session, error) {
	if a.Status() != engine.StatusRunning {
		return nil, engine.ErrNotRunning
	}
	var ws wireSession
	if err := a.client(dir).doBounded(ctx, http.MethodPost, "/session", map[string]any{}, &ws); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	sess := ws.toModel(a.cfg.EngineType)
	if sess.Directory == "" {
		sess.Directory = model.NormalizeDirectory(dir)
	}

	a.mu.Lock()
	copied := sess
	a.sessions[sess.ID] = &copied
	a.dirs[sess.ID] = sess.Directory
	a.mu.Unlock()

	a.bus.Publish(events.Event{
		Topic:      events.TopicSessionCreated,
		EngineType: a.cfg.EngineType,
		Payload:    events.SessionPayload{Session: sess},
	})
	return &sess, nil
}

func (a *Adapter) GetSession(ctx context.Context, id string) (*model.Session, error) {
	a.mu.Lock()
	if s, ok := a.sessions[id]; ok {
		copied := *s
		a.mu.Unlock()
		return &copied, nil
	}
	a.mu.Unlock()

	if a.Status() != engine.StatusRunning {
		return nil, engine.ErrSessionNotFound
	}
	var ws wireSession
	if err := a.client("").doBounded(ctx, http.MethodGet, "/session/"+id, nil, &ws); err != nil {
		return nil, engine.ErrSessionNotFound
	}
	sess := ws.toModel(a.cfg.EngineType)
	a.mu.Lock()
	copied := sess
	a.sessions[sess.ID] = &copied
	a.dirs[sess.ID] = sess.Directory
	a.mu.Unlock()
	return &sess, nil
}

func (a *Adapter) DeleteSession(ctx context.Context, id string) error {
	a.mu.Lock()
	s, ok := a.sessions[id]
	var snapshot model.Session
	if ok {
		snapshot = *s
		delete(a.sessions, id)
		delete(a.dirs, id)
	}
	a.mu.Unlock()
	if !ok {
		return engine.ErrSessionNotFound
	}
	if err := a.sessionClient(id).doBounded(ctx, http.MethodDelete, "/session/"+id, nil, nil); err != nil {
		a.log.Warn("Backend session delete failed", "session", id, "error", err)
	}
	a.bus.Publish(events.Event{
		Topic:      events.TopicSessionDeleted,
		EngineType: a.cfg.EngineType,
		Payload:    events.SessionPayload{Session: snapshot},
	})
	return nil
}

// SendMessage posts the user turn and blocks until the stream signals the
// assistant message complete, the hard timeout fires, the turn is cancelled,
// or the backend dies. Terminal failures resolve as an error-annotated
// message, not a Go error.
func (a *Adapter) SendMessage(ctx context.Context, sessionID, content string, opts engine.SendOptions) (*model.Message, error) {
	a.mu.Lock()
	if a.status != engine.StatusRunning {
		a.mu.Unlock()
		return nil, engine.ErrNotRunning
	}
	if _, busy := a.pendings[sessionID]; busy {
		a.mu.Unlock()
		return nil, engine.ErrPromptInFlight
	}
	// A new turn lifts the cancelled gate.
	delete(a.cancelled, sessionID)

	modelID := opts.ModelID
	if modelID == "" {
		modelID = a.sessionModels[sessionID]
	}
	mode := opts.Mode
	if mode == "" {
		mode = a.modes[sessionID]
	}
	p := newPending(sessionID, time.Now().UnixMilli())
	a.pendings[sessionID] = p
	a.mu.Unlock()

	p.timer = time.AfterFunc(a.sendTimeout, func() {
		p.resolveSynthetic(a, engine.MessageErrorTimeout)
	})

	providerID, mID := splitModelID(modelID)
	body := sendBody{
		Parts:      []sendPart{{Type: "text", Text: content}},
		ProviderID: providerID,
		ModelID:    mID,
		Mode:       mode,
	}
	c := a.sessionClient(sessionID)
	go func() {
		var reply wireMessage
		if err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/message", body, &reply); err != nil {
			p.resolveSynthetic(a, err.Error())
			return
		}
		// Some backends answer the POST with the completed assistant
		// message; treat that as a completion signal too.
		if reply.Info.ID != "" && reply.Info.Role == string(model.RoleAssistant) &&
			(reply.Info.Time.Completed != 0 || reply.Info.errorText() != "") {
			parts := make([]model.Part, 0, len(reply.Parts))
			for _, wp := range reply.Parts {
				parts = append(parts, wp.toModel())
			}
			msg := reply.Info.toModel(parts)
			p.resolve(&msg)
		}
	}()

	msg := <-p.outcome

	if p.timer != nil {
		p.timer.Stop()
	}
	a.mu.Lock()
	if a.pendings[sessionID] == p {
		delete(a.pendings, sessionID)
	}
	a.mu.Unlock()
	return msg, nil
}

// CancelMessage resolves the pending turn locally, gates further stream
// events for the session, and aborts on the backend best-effort.
func (a *Adapter) CancelMessage(_ context.Context, sessionID string) error {
	a.mu.Lock()
	p := a.pendings[sessionID]
	if p != nil {
		a.cancelled[sessionID] = true
	}
	a.mu.Unlock()
	if p == nil {
		return nil
	}
	p.resolveSynthetic(a, engine.MessageErrorCancelled)

	c := a.sessionClient(sessionID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.do(ctx, http.MethodPost, "/session/"+sessionID+"/abort", map[string]any{}, nil); err != nil {
			a.log.Debug("Abort request failed", "session", sessionID, "error", err)
		}
	}()
	return nil
}

// ListMessages replays the session transcript from the backend's REST
// endpoint, merging each message's part list into its envelope.
func (a *Adapter) ListMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	if a.Status() != engine.StatusRunning {
		return nil, engine.ErrNotRunning
	}
	var wire []wireMessage
	if err := a.sessionClient(sessionID).doBounded(ctx, http.MethodGet, "/session/"+sessionID+"/message", nil, &wire); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out := make([]model.Message, 0, len(wire))
	for _, wm := range wire {
		parts := make([]model.Part, 0, len(wm.Parts))
		for _, wp := range wm.Parts {
			parts = append(parts, wp.toModel())
		}
		out = append(out, wm.Info.toModel(parts))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListModels flattens the backend's provider catalogue into composite
// "provider/model" ids.
func (a *Adapter) ListModels(ctx context.Context) ([]engine.Model, error) {
	if a.Status() != engine.StatusRunning {
		return nil, engine.ErrNotRunning
	}
	var res providersResult
	if err := a.client("").doBounded(ctx, http.MethodGet, "/provider", nil, &res); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	var out []engine.Model
	for _, prov := range res.Providers {
		for id, m := range prov.Models {
			name := m.Name
			if name == "" {
				name = id
			}
			out = append(out, engine.Model{ID: joinModelID(prov.ID, id), Name: prov.Name + " / " + name})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	a.mu.Lock()
	a.modelList = out
	a.mu.Unlock()
	return out, nil
}

// SetModel records the session's default model, applied on the next send.
func (a *Adapter) SetModel(_ context.Context, sessionID, modelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[sessionID]; !ok {
		return engine.ErrSessionNotFound
	}
	a.sessionModels[sessionID] = modelID
	return nil
}

func (a *Adapter) GetModes(context.Context) ([]engine.Mode, error) {
	return []engine.Mode{{ID: "build", Name: "Build"}, {ID: "plan", Name: "Plan"}}, nil
}

func (a *Adapter) SetMode(_ context.Context, sessionID, modeID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[sessionID]; !ok {
		return engine.ErrSessionNotFound
	}
	a.modes[sessionID] = modeID
	return nil
}

// ReplyPermission forwards the decision over REST. The backend's vocabulary
// is the option id itself; cancellation maps to "reject".
func (a *Adapter) ReplyPermission(ctx context.Context, permissionID string, reply engine.PermissionReply) error {
	a.mu.Lock()
	sessionID, ok := a.permSessions[permissionID]
	if ok {
		delete(a.permSessions, permissionID)
	}
	a.mu.Unlock()
	if !ok {
		return engine.ErrPermissionNotFound
	}

	response := reply.OptionID
	if reply.Cancelled || response == "" {
		response = "reject"
	}
	if err := a.sessionClient(sessionID).doBounded(ctx, http.MethodPost, "/permission/"+permissionID+"/reply", permissionReplyBody{Response: response}, nil); err != nil {
		return fmt.Errorf("permission reply: %w", err)
	}
	a.bus.Publish(events.Event{
		Topic:      events.TopicPermissionReplied,
		EngineType: a.cfg.EngineType,
		Payload: events.PermissionReplyPayload{
			PermissionID: permissionID,
			SessionID:    sessionID,
			OptionID:     reply.OptionID,
			Cancelled:    response == "reject",
		},
	})
	return nil
}

// ListProjects returns the backend's project list, with session counts from
// the local cache.
func (a *Adapter) ListProjects(ctx context.Context) ([]model.Project, error) {
	if a.Status() != engine.StatusRunning {
		return nil, engine.ErrNotRunning
	}
	var wire []wireProject
	if err := a.client("").doBounded(ctx, http.MethodGet, "/project", nil, &wire); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	a.mu.Lock()
	counts := make(map[string]int)
	for _, s := range a.sessions {
		counts[model.NormalizeDirectory(s.Directory)]++
	}
	a.mu.Unlock()

	out := make([]model.Project, 0, len(wire))
	for _, wp := range wire {
		dir := model.NormalizeDirectory(wp.Worktree)
		id := wp.ID
		if id == "" {
			id = model.ProjectID(a.cfg.EngineType, dir)
		}
		out = append(out, model.Project{
			ID:         id,
			EngineType: a.cfg.EngineType,
			Directory:  dir,
			Sessions:   counts[dir],
		})
	}
	return out, nil
}
