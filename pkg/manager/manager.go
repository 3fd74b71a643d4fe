// Package manager owns the adapter registry and the routing tables that
// map sessions, projects, and permissions to the engines that serve them.
// It is the single surface the gateway talks to.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/agentgate/agentgate/pkg/engine"
	"github.com/agentgate/agentgate/pkg/events"
	"github.com/agentgate/agentgate/pkg/model"
	"github.com/agentgate/agentgate/pkg/store"
)

// ErrUnknownEngine is returned when no adapter serves the requested engine
// type, session, or directory.
var ErrUnknownEngine = errors.New("unknown engine")

// defaultTitleRe matches titles no backend or user ever chose: the
// placeholder set at session creation, with or without its timestamp.
var defaultTitleRe = regexp.MustCompile(`^(New session|Child session)( - \d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d{3})?Z?)?$`)

// maxFallbackTitle caps the title derived from the first user message.
const maxFallbackTitle = 100

// sessionRestorer is implemented by adapters that can reload a session known
// only from the store after a restart.
type sessionRestorer interface {
	RestoreSession(model.Session)
}

// EngineInfo is one entry of the engine list.
type EngineInfo struct {
	EngineType   string              `json:"engineType"`
	Status       engine.Status       `json:"status"`
	Capabilities engine.Capabilities `json:"capabilities"`
}

// Manager routes gateway requests to adapters and keeps the session store
// in sync with adapter events.
type Manager struct {
	bus   *events.Bus
	store *store.Store
	log   *slog.Logger

	mu             sync.Mutex
	adapters       map[string]engine.Adapter
	engineOrder    []string
	sessionEngines map[string]string // sessionID → engineType
	projectEngines map[string]string // normalized dir → engineType
	permEngines    map[string]string // permissionID → engineType, consumed on reply
}

// New creates a manager over the given store, wiring its routing tables to
// the bus. Adapters are registered afterwards with Register.
func New(bus *events.Bus, st *store.Store) *Manager {
	m := &Manager{
		bus:            bus,
		store:          st,
		log:            slog.Default(),
		adapters:       make(map[string]engine.Adapter),
		sessionEngines: make(map[string]string),
		projectEngines: make(map[string]string),
		permEngines:    make(map[string]string),
	}
	bus.Subscribe(m.handleEvent)
	return m
}

// Register adds an adapter. Engines keep registration order in listings.
func (m *Manager) Register(a engine.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adapters[a.EngineType()]; !ok {
		m.engineOrder = append(m.engineOrder, a.EngineType())
	}
	m.adapters[a.EngineType()] = a
}

// RestoreFromStore seeds the routing tables (and restorable adapters) with
// the sessions persisted by earlier runs.
func (m *Manager) RestoreFromStore() {
	sessions := m.store.List("", "")
	m.mu.Lock()
	for _, sess := range sessions {
		m.sessionEngines[sess.ID] = sess.EngineType
		if _, bound := m.projectEngines[sess.Directory]; !bound {
			m.projectEngines[sess.Directory] = sess.EngineType
		}
	}
	adapters := make([]engine.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.Unlock()

	for _, a := range adapters {
		r, ok := a.(sessionRestorer)
		if !ok {
			continue
		}
		for _, sess := range sessions {
			if sess.EngineType == a.EngineType() {
				r.RestoreSession(sess)
			}
		}
	}
	m.log.Info("Routing tables restored", "sessions", len(sessions))
}

// handleEvent maintains the routing tables and mirrors session changes into
// the store. It must not call adapter methods: adapters publish while
// holding their own mutex.
func (m *Manager) handleEvent(ev events.Event) {
	switch ev.Topic {
	case events.TopicSessionCreated, events.TopicSessionUpdated:
		p, ok := ev.Payload.(events.SessionPayload)
		if !ok {
			return
		}
		m.mu.Lock()
		m.sessionEngines[p.Session.ID] = p.Session.EngineType
		if _, bound := m.projectEngines[p.Session.Directory]; !bound && p.Session.Directory != "" {
			m.projectEngines[p.Session.Directory] = p.Session.EngineType
		}
		m.mu.Unlock()
		m.store.Upsert(p.Session)

	case events.TopicSessionDeleted:
		p, ok := ev.Payload.(events.SessionPayload)
		if !ok {
			return
		}
		m.mu.Lock()
		delete(m.sessionEngines, p.Session.ID)
		m.mu.Unlock()
		m.store.Delete(p.Session.ID)

	case events.TopicPermissionAsked:
		p, ok := ev.Payload.(events.PermissionPayload)
		if !ok {
			return
		}
		m.mu.Lock()
		m.permEngines[p.Permission.ID] = ev.EngineType
		m.mu.Unlock()

	case events.TopicPermissionReplied:
		p, ok := ev.Payload.(events.PermissionReplyPayload)
		if !ok {
			return
		}
		m.mu.Lock()
		delete(m.permEngines, p.PermissionID)
		m.mu.Unlock()
	}
}

// StartAll starts every adapter in parallel, logging failures without
// aborting the rest.
func (m *Manager) StartAll(ctx context.Context) {
	m.eachParallel(func(a engine.Adapter) {
		if err := a.Start(ctx); err != nil {
			m.log.Error("Engine start failed", "engine", a.EngineType(), "error", err)
		}
	})
}

// StopAll stops every adapter in parallel.
func (m *Manager) StopAll(ctx context.Context) {
	m.eachParallel(func(a engine.Adapter) {
		if err := a.Stop(ctx); err != nil {
			m.log.Error("Engine stop failed", "engine", a.EngineType(), "error", err)
		}
	})
}

func (m *Manager) eachParallel(fn func(engine.Adapter)) {
	m.mu.Lock()
	adapters := make([]engine.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range adapters {
		wg.Add(1)
		go func(a engine.Adapter) {
			defer wg.Done()
			fn(a)
		}(a)
	}
	wg.Wait()
}

// Engines lists registered engines with their status and capabilities.
func (m *Manager) Engines() []EngineInfo {
	m.mu.Lock()
	order := make([]string, len(m.engineOrder))
	copy(order, m.engineOrder)
	adapters := make(map[string]engine.Adapter, len(m.adapters))
	for k, v := range m.adapters {
		adapters[k] = v
	}
	m.mu.Unlock()

	out := make([]EngineInfo, 0, len(order))
	for _, t := range order {
		a := adapters[t]
		out = append(out, EngineInfo{
			EngineType:   t,
			Status:       a.Status(),
			Capabilities: a.Capabilities(),
		})
	}
	return out
}

// Capabilities returns one engine's capabilities.
func (m *Manager) Capabilities(engineType string) (engine.Capabilities, error) {
	a, err := m.adapter(engineType)
	if err != nil {
		return engine.Capabilities{}, err
	}
	return a.Capabilities(), nil
}

func (m *Manager) adapter(engineType string) (engine.Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[engineType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, engineType)
	}
	return a, nil
}

// sessionAdapter routes a session id to its adapter.
func (m *Manager) sessionAdapter(sessionID string) (engine.Adapter, error) {
	m.mu.Lock()
	engineType, ok := m.sessionEngines[sessionID]
	var a engine.Adapter
	if ok {
		a = m.adapters[engineType]
	}
	m.mu.Unlock()
	if a == nil {
		return nil, fmt.Errorf("%w: no engine for session %s", ErrUnknownEngine, sessionID)
	}
	return a, nil
}

// resolveEngine turns an engine type or a directory into an adapter. An
// argument that names a registered engine wins; otherwise it is treated as a
// directory and routed through the project bindings.
func (m *Manager) resolveEngine(arg string) (engine.Adapter, error) {
	m.mu.Lock()
	if a, ok := m.adapters[arg]; ok {
		m.mu.Unlock()
		return a, nil
	}
	engineType, bound := m.projectEngines[model.NormalizeDirectory(arg)]
	var a engine.Adapter
	if bound {
		a = m.adapters[engineType]
	}
	m.mu.Unlock()
	if a == nil {
		return nil, fmt.Errorf("%w: nothing bound to %q", ErrUnknownEngine, arg)
	}
	return a, nil
}

// ListSessions accepts either an engine type or a directory. Every returned
// session is registered in the routing table.
func (m *Manager) ListSessions(ctx context.Context, arg string) ([]model.Session, error) {
	m.mu.Lock()
	a, isEngine := m.adapters[arg]
	m.mu.Unlock()

	dir := ""
	if !isEngine {
		dir = arg
		var err error
		a, err = m.resolveEngine(arg)
		if err != nil {
			// No binding: answer from the store so clients still see
			// persisted history.
			return m.store.List("", model.NormalizeDirectory(arg)), nil
		}
	}
	sessions, err := a.ListSessions(ctx, dir)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	for _, s := range sessions {
		m.sessionEngines[s.ID] = s.EngineType
	}
	m.mu.Unlock()
	m.store.Merge(sessions)
	return sessions, nil
}

// CreateSession creates a session on engineType (or the engine bound to
// dir when engineType is empty).
func (m *Manager) CreateSession(ctx context.Context, engineType, dir string) (*model.Session, error) {
	var a engine.Adapter
	var err error
	if engineType != "" {
		a, err = m.adapter(engineType)
	} else {
		a, err = m.resolveEngine(dir)
	}
	if err != nil {
		return nil, err
	}
	sess, err := a.CreateSession(ctx, dir)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessionEngines[sess.ID] = sess.EngineType
	if _, bound := m.projectEngines[sess.Directory]; !bound {
		m.projectEngines[sess.Directory] = sess.EngineType
	}
	m.mu.Unlock()
	return sess, nil
}

// GetSession prefers the owning adapter and falls back to the store.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if a, err := m.sessionAdapter(sessionID); err == nil {
		if sess, err := a.GetSession(ctx, sessionID); err == nil {
			return sess, nil
		}
	}
	if sess, ok := m.store.Get(sessionID); ok {
		return &sess, nil
	}
	return nil, engine.ErrSessionNotFound
}

func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	a, err := m.sessionAdapter(sessionID)
	if err != nil {
		// Only the store knows it; delete there.
		if _, ok := m.store.Get(sessionID); ok {
			m.store.Delete(sessionID)
			return nil
		}
		return engine.ErrSessionNotFound
	}
	if err := a.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.store.Delete(sessionID)
	return nil
}

// SendMessage routes the turn and applies the title fallback when it
// completes: a session still carrying a placeholder title takes the first
// user text, trimmed and ellipsised.
func (m *Manager) SendMessage(ctx context.Context, sessionID, content string, opts engine.SendOptions) (*model.Message, error) {
	a, err := m.sessionAdapter(sessionID)
	if err != nil {
		return nil, err
	}
	msg, err := a.SendMessage(ctx, sessionID, content, opts)
	if err != nil {
		return nil, err
	}
	m.applyTitleFallback(ctx, a, sessionID, content)
	return msg, nil
}

func (m *Manager) applyTitleFallback(ctx context.Context, a engine.Adapter, sessionID, content string) {
	// The store sees every applied fallback; the adapter's copy may still
	// carry the placeholder. Prefer the store so the first message wins.
	var sess *model.Session
	if stored, ok := m.store.Get(sessionID); ok {
		sess = &stored
	} else if got, err := a.GetSession(ctx, sessionID); err == nil {
		sess = got
	} else {
		return
	}
	if sess.Title != "" && !defaultTitleRe.MatchString(sess.Title) {
		return
	}
	title := strings.TrimSpace(content)
	if title == "" {
		return
	}
	if runes := []rune(title); len(runes) > maxFallbackTitle {
		title = string(runes[:maxFallbackTitle]) + "…"
	}
	sess.Title = title
	m.store.Upsert(*sess)
	m.bus.Publish(events.Event{
		Topic:      events.TopicSessionUpdated,
		EngineType: sess.EngineType,
		Payload:    events.SessionPayload{Session: *sess},
	})
}

func (m *Manager) CancelMessage(ctx context.Context, sessionID string) error {
	a, err := m.sessionAdapter(sessionID)
	if err != nil {
		return err
	}
	return a.CancelMessage(ctx, sessionID)
}

func (m *Manager) ListMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	a, err := m.sessionAdapter(sessionID)
	if err != nil {
		return nil, err
	}
	return a.ListMessages(ctx, sessionID)
}

func (m *Manager) ListModels(ctx context.Context, engineType string) ([]engine.Model, error) {
	a, err := m.adapter(engineType)
	if err != nil {
		return nil, err
	}
	return a.ListModels(ctx)
}

func (m *Manager) SetModel(ctx context.Context, sessionID, modelID string) error {
	a, err := m.sessionAdapter(sessionID)
	if err != nil {
		return err
	}
	return a.SetModel(ctx, sessionID, modelID)
}

func (m *Manager) GetModes(ctx context.Context, engineType string) ([]engine.Mode, error) {
	a, err := m.adapter(engineType)
	if err != nil {
		return nil, err
	}
	return a.GetModes(ctx)
}

func (m *Manager) SetMode(ctx context.Context, sessionID, modeID string) error {
	a, err := m.sessionAdapter(sessionID)
	if err != nil {
		return err
	}
	return a.SetMode(ctx, sessionID, modeID)
}

// ReplyPermission routes a reply through the permission table; the entry is
// consumed whether or not the adapter accepts it.
func (m *Manager) ReplyPermission(ctx context.Context, permissionID string, reply engine.PermissionReply) error {
	m.mu.Lock()
	engineType, ok := m.permEngines[permissionID]
	if ok {
		delete(m.permEngines, permissionID)
	}
	var a engine.Adapter
	if ok {
		a = m.adapters[engineType]
	}
	m.mu.Unlock()
	if a == nil {
		return engine.ErrPermissionNotFound
	}
	return a.ReplyPermission(ctx, permissionID, reply)
}

// ListProjects merges the store's derived projects with any the running
// adapters report.
func (m *Manager) ListProjects(ctx context.Context) ([]model.Project, error) {
	byID := make(map[string]model.Project)
	for _, p := range m.store.ListProjects() {
		byID[p.ID] = p
	}
	m.mu.Lock()
	adapters := make([]engine.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.Unlock()
	for _, a := range adapters {
		if a.Status() != engine.StatusRunning {
			continue
		}
		projects, err := a.ListProjects(ctx)
		if err != nil {
			m.log.Debug("Project listing failed", "engine", a.EngineType(), "error", err)
			continue
		}
		for _, p := range projects {
			if existing, ok := byID[p.ID]; !ok || p.Sessions > existing.Sessions {
				byID[p.ID] = p
			}
		}
	}
	out := make([]model.Project, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	return out, nil
}

// SetProjectEngine binds a directory to an engine for future routing.
func (m *Manager) SetProjectEngine(dir, engineType string) error {
	if _, err := m.adapter(engineType); err != nil {
		return err
	}
	m.mu.Lock()
	m.projectEngines[model.NormalizeDirectory(dir)] = engineType
	m.mu.Unlock()
	return nil
}
