// Package mock provides an in-memory engine adapter used by tests and local
// demos. It answers simple arithmetic and otherwise echoes the prompt,
// streaming its reply through the shared assembler so consumers exercise the
// same event flow as the real adapters.
package mock

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentgate/agentgate/pkg/engine"
	"github.com/agentgate/agentgate/pkg/engine/assembler"
	"github.com/agentgate/agentgate/pkg/events"
	"github.com/agentgate/agentgate/pkg/ident"
	"github.com/agentgate/agentgate/pkg/model"
)

// EngineType is the mock adapter's engine identifier.
const EngineType = "mock"

var arithmeticRe = regexp.MustCompile(`^\s*(-?\d+)\s*([+\-*])\s*(-?\d+)\s*$`)

// Adapter is the in-memory mock engine.
type Adapter struct {
	bus *events.Bus
	ids *ident.Generator
	now func() time.Time

	mu       sync.Mutex
	status   engine.Status
	asm      *assembler.Assembler
	sessions map[string]*model.Session
	history  map[string][]model.Message
	modes    map[string]string
	models   map[string]string
}

// New creates a mock adapter publishing on bus.
func New(bus *events.Bus) *Adapter {
	ids := ident.New()
	return &Adapter{
		bus:      bus,
		ids:      ids,
		now:      time.Now,
		status:   engine.StatusStopped,
		asm:      assembler.New(EngineType, ids, bus),
		sessions: make(map[string]*model.Session),
		history:  make(map[string][]model.Message),
		modes:    make(map[string]string),
		models:   make(map[string]string),
	}
}

func (a *Adapter) EngineType() string { return EngineType }

func (a *Adapter) Status() engine.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Adapter) Capabilities() engine.Capabilities {
	return engine.Capabilities{
		AgentName:    "mock",
		AgentVersion: "0.0.0",
		ListSessions: true,
		Models:       true,
		Modes:        true,
	}
}

func (a *Adapter) Start(context.Context) error {
	a.mu.Lock()
	if a.status == engine.StatusRunning {
		a.mu.Unlock()
		return nil
	}
	a.status = engine.StatusRunning
	a.mu.Unlock()
	a.emitStatus(engine.StatusRunning, "")
	return nil
}

func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	if a.status == engine.StatusStopped {
		a.mu.Unlock()
		return nil
	}
	a.status = engine.StatusStopped
	a.mu.Unlock()
	a.emitStatus(engine.StatusStopped, "")
	return nil
}

func (a *Adapter) HealthCheck(context.Context) error {
	if a.Status() != engine.StatusRunning {
		return engine.ErrNotRunning
	}
	return nil
}

func (a *Adapter) ListSessions(_ context.Context, dir string) ([]model.Session, error) {
	dir = model.NormalizeDirectory(dir)
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Session, 0, len(a.sessions))
	for _, s := range a.sessions {
		if dir == "" || s.Directory == dir {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (a *Adapter) CreateSession(_ context.Context, dir string) (*model.Session, error) {
	if a.Status() != engine.StatusRunning {
		return nil, engine.ErrNotRunning
	}
	nowMS := a.now().UnixMilli()
	sess := &model.Session{
		ID:         a.ids.NewID("ses"),
		EngineType: EngineType,
		Directory:  model.NormalizeDirectory(dir),
		Title:      "New session - " + a.now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Time:       model.SessionTime{Created: nowMS, Updated: nowMS},
	}
	a.mu.Lock()
	a.sessions[sess.ID] = sess
	a.mu.Unlock()

	a.bus.Publish(events.Event{
		Topic:      events.TopicSessionCreated,
		EngineType: EngineType,
		Payload:    events.SessionPayload{Session: *sess},
	})
	return sess, nil
}

func (a *Adapter) GetSession(_ context.Context, id string) (*model.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	if !ok {
		return nil, engine.ErrSessionNotFound
	}
	copied := *s
	return &copied, nil
}

func (a *Adapter) DeleteSession(_ context.Context, id string) error {
	a.mu.Lock()
	s, ok := a.sessions[id]
	if ok {
		delete(a.sessions, id)
		delete(a.history, id)
	}
	a.mu.Unlock()
	if !ok {
		return engine.ErrSessionNotFound
	}
	a.bus.Publish(events.Event{
		Topic:      events.TopicSessionDeleted,
		EngineType: EngineType,
		Payload:    events.SessionPayload{Session: *s},
	})
	return nil
}

// SendMessage records the user turn, streams the mock reply as a single text
// delta, finalises, and returns the assistant message.
func (a *Adapter) SendMessage(_ context.Context, sessionID, content string, opts engine.SendOptions) (*model.Message, error) {
	if a.Status() != engine.StatusRunning {
		return nil, engine.ErrNotRunning
	}
	a.mu.Lock()
	if _, ok := a.sessions[sessionID]; !ok {
		a.mu.Unlock()
		return nil, engine.ErrSessionNotFound
	}

	nowMS := a.now().UnixMilli()
	userMsg := model.Message{
		ID:        a.ids.NewID("msg"),
		SessionID: sessionID,
		Role:      model.RoleUser,
		Time:      model.MessageTime{Created: nowMS, Completed: nowMS},
		Parts:     []model.Part{},
	}
	userMsg.Parts = append(userMsg.Parts, model.Part{
		ID:        a.ids.NewID("prt"),
		MessageID: userMsg.ID,
		SessionID: sessionID,
		Type:      model.PartText,
		Text:      content,
	})
	a.history[sessionID] = append(a.history[sessionID], userMsg)
	a.mu.Unlock()

	a.bus.Publish(events.Event{
		Topic:      events.TopicMessageUpdated,
		EngineType: EngineType,
		Payload:    events.MessagePayload{Message: userMsg},
	})

	a.mu.Lock()
	a.asm.TextDelta(sessionID, respond(content))
	if opts.ModelID != "" || opts.Mode != "" {
		a.asm.SetMeta(sessionID, nil, 0, opts.ModelID, opts.Mode)
	}
	reply := a.asm.Finalize(sessionID, "")
	a.history[sessionID] = append(a.history[sessionID], *reply)
	a.mu.Unlock()
	return reply, nil
}

// respond computes the mock answer: arithmetic when the prompt parses as
// "a op b", otherwise a canned echo.
func respond(content string) string {
	if m := arithmeticRe.FindStringSubmatch(content); m != nil {
		x, _ := strconv.Atoi(m[1])
		y, _ := strconv.Atoi(m[3])
		var v int
		switch m[2] {
		case "+":
			v = x + y
		case "-":
			v = x - y
		case "*":
			v = x * y
		}
		return fmt.Sprintf("The answer is %d", v)
	}
	return "This is a mock response to: " + strings.TrimSpace(content)
}

func (a *Adapter) CancelMessage(context.Context, string) error { return nil }

func (a *Adapter) ListMessages(_ context.Context, sessionID string) ([]model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[sessionID]; !ok {
		return nil, engine.ErrSessionNotFound
	}
	out := make([]model.Message, len(a.history[sessionID]))
	copy(out, a.history[sessionID])
	return out, nil
}

func (a *Adapter) ListModels(context.Context) ([]engine.Model, error) {
	return []engine.Model{{ID: "mock-small", Name: "Mock Small"}, {ID: "mock-large", Name: "Mock Large"}}, nil
}

func (a *Adapter) SetModel(_ context.Context, sessionID, modelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[sessionID]; !ok {
		return engine.ErrSessionNotFound
	}
	a.models[sessionID] = modelID
	return nil
}

func (a *Adapter) GetModes(context.Context) ([]engine.Mode, error) {
	return []engine.Mode{{ID: "default", Name: "Default"}, {ID: "autopilot", Name: "Autopilot"}}, nil
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

func (a *Adapter) ReplyPermission(context.Context, string, engine.PermissionReply) error {
	return engine.ErrPermissionNotFound
}

func (a *Adapter) ListProjects(context.Context) ([]model.Project, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byID := make(map[string]*model.Project)
	for _, s := range a.sessions {
		id := model.ProjectID(EngineType, s.Directory)
		p, ok := byID[id]
		if !ok {
			p = &model.Project{ID: id, EngineType: EngineType, Directory: s.Directory}
			byID[id] = p
		}
		p.Sessions++
	}
	out := make([]model.Project, 0, len(byID))
	for _, p := range byID {
		out = append(out, *p)
	}
	return out, nil
}

func (a *Adapter) emitStatus(st engine.Status, errMsg string) {
	a.bus.Publish(events.Event{
		Topic:      events.TopicStatusChanged,
		EngineType: EngineType,
		Payload:    events.StatusPayload{EngineType: EngineType, Status: string(st), Error: errMsg},
	})
}
