// Package stdio implements the engine adapter for backends spoken to over
// newline-delimited JSON-RPC on a child process's stdin/stdout. It owns the
// child lifecycle, the initialize handshake, session calls, the streaming
// session/update dispatch into the assembler, and the reverse requests the
// backend sends us (permission prompts and workspace file access).
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentgate/agentgate/pkg/engine"
	"github.com/agentgate/agentgate/pkg/engine/assembler"
	"github.com/agentgate/agentgate/pkg/engine/proc"
	"github.com/agentgate/agentgate/pkg/events"
	"github.com/agentgate/agentgate/pkg/ident"
	"github.com/agentgate/agentgate/pkg/model"
)

const (
	// defaultCallTimeout bounds every RPC except session/prompt, which has
	// no response deadline and is watched for activity instead.
	defaultCallTimeout = 120 * time.Second

	// Activity watchdog: a prompt with no session/update for idleTimeout is
	// cancelled. checkInterval is how often the watchdog looks.
	defaultCheckInterval = 10 * time.Second
	defaultIdleTimeout   = 120 * time.Second

	// stopGrace is how long Stop waits after SIGTERM before killing.
	stopGrace = 5 * time.Second
)

// Config describes one stdio backend.
type Config struct {
	EngineType string
	Command    []string // argv; Command[0] is the binary
	WorkDir    string
	Env        []string // appended to the scrubbed parent environment
}

// Adapter runs one stdio backend child process.
type Adapter struct {
	cfg Config
	bus *events.Bus
	ids *ident.Generator
	log *slog.Logger

	callTimeout   time.Duration
	checkInterval time.Duration
	idleTimeout   time.Duration

	mu          sync.Mutex
	status      engine.Status
	stopping    bool
	generation  int
	caps        engine.Capabilities
	cmd         *exec.Cmd
	conn        *conn
	asm         *assembler.Assembler
	sessions    map[string]*model.Session
	history     map[string][]model.Message
	loading     map[string]bool
	prompts     map[string]*prompt
	permissions map[string]*parkedPermission
	modes       map[string]string // sessionID → current mode id
	modeList    []engine.Mode
	modelList   []engine.Model
}

// parkedPermission is a reverse permission request awaiting a client reply.
type parkedPermission struct {
	rpcID     int64
	sessionID string
}

type promptOutcome struct {
	stopReason string
	timedOut   bool
	err        error
}

// prompt tracks one in-flight session/prompt. finish is single-shot: the
// backend response, a local cancel, and the watchdog race to resolve it and
// the first wins.
type prompt struct {
	sessionID    string
	outcome      chan promptOutcome
	done         chan struct{}
	once         sync.Once
	lastActivity atomic.Int64 // unix milli
}

func (p *prompt) finish(o promptOutcome) {
	p.once.Do(func() {
		p.outcome <- o
		close(p.done)
	})
}

func (p *prompt) touch(nowMS int64) { p.lastActivity.Store(nowMS) }

// New creates a stdio adapter. Start launches the child.
func New(cfg Config, bus *events.Bus) *Adapter {
	ids := ident.New()
	a := &Adapter{
		cfg:           cfg,
		bus:           bus,
		ids:           ids,
		log:           slog.With("engine", cfg.EngineType),
		callTimeout:   defaultCallTimeout,
		checkInterval: defaultCheckInterval,
		idleTimeout:   defaultIdleTimeout,
		status:        engine.StatusStopped,
		asm:           assembler.New(cfg.EngineType, ids, bus),
		sessions:      make(map[string]*model.Session),
		history:       make(map[string][]model.Message),
		loading:       make(map[string]bool),
		prompts:       make(map[string]*prompt),
		permissions:   make(map[string]*parkedPermission),
		modes:         make(map[string]string),
	}
	a.asm.SetSuppress(func(sessionID string) bool { return a.loading[sessionID] })
	return a
}

// SetWatchdog overrides the activity watchdog intervals. Tests use short
// values.
func (a *Adapter) SetWatchdog(checkInterval, idleTimeout time.Duration) {
	a.checkInterval = checkInterval
	a.idleTimeout = idleTimeout
}

func (a *Adapter) EngineType() string { return a.cfg.EngineType }

func (a *Adapter) Status() engine.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Adapter) Capabilities() engine.Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps
}

// Start launches the child and performs the initialize handshake. Idempotent
// while running.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.status == engine.StatusRunning || a.status == engine.StatusStarting {
		a.mu.Unlock()
		return nil
	}
	if len(a.cfg.Command) == 0 {
		a.mu.Unlock()
		return fmt.Errorf("engine %s: no command configured", a.cfg.EngineType)
	}
	a.status = engine.StatusStarting
	a.stopping = false
	a.generation++
	gen := a.generation

	cmd := exec.Command(a.cfg.Command[0], a.cfg.Command[1:]...)
	cmd.Dir = a.cfg.WorkDir
	cmd.Env = append(proc.ChildEnv(), a.cfg.Env...)
	proc.Configure(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		a.status = engine.StatusError
		a.mu.Unlock()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.status = engine.StatusError
		a.mu.Unlock()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		a.status = engine.StatusError
		a.mu.Unlock()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		a.status = engine.StatusError
		a.mu.Unlock()
		a.emitStatus(engine.StatusError, err.Error())
		return fmt.Errorf("start %s: %w", a.cfg.Command[0], err)
	}

	a.cmd = cmd
	a.conn = newConn(stdin, a.log)
	conn := a.conn
	a.mu.Unlock()

	a.emitStatus(engine.StatusStarting, "")
	a.log.Info("Backend starting", "command", a.cfg.Command[0], "pid", cmd.Process.Pid)

	go a.drainStderr(stderr)
	go func() {
		_ = conn.readLoop(stdout, a.handleNotify, a.handleRequest)
	}()
	go func() {
		err := cmd.Wait()
		a.handleExit(gen, err)
	}()

	if err := a.initialize(ctx, conn); err != nil {
		a.mu.Lock()
		a.stopping = true
		a.status = engine.StatusError
		a.mu.Unlock()
		proc.Kill(cmd)
		a.emitStatus(engine.StatusError, err.Error())
		return err
	}

	a.mu.Lock()
	a.status = engine.StatusRunning
	a.mu.Unlock()
	a.emitStatus(engine.StatusRunning, "")
	return nil
}

func (a *Adapter) initialize(ctx context.Context, c *conn) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		ClientCapabilities: clientCapabilities{
			FS: fsCapabilities{ReadTextFile: true, WriteTextFile: true},
		},
	}
	raw, err := c.call(ctx, "initialize", params, a.callTimeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	var res initializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("initialize: decode result: %w", err)
	}
	a.mu.Lock()
	a.caps = engine.Capabilities{
		AgentName:    res.AgentInfo.Name,
		AgentVersion: res.AgentInfo.Version,
		LoadSession:  res.AgentCapabilities.LoadSession,
		ListSessions: res.AgentCapabilities.ListSessions,
	}
	a.mu.Unlock()
	a.log.Info("Backend initialized", "agent", res.AgentInfo.Name, "version", res.AgentInfo.Version)
	return nil
}

func (a *Adapter) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		a.log.Debug("Backend stderr", "line", scanner.Text())
	}
}

// Stop terminates the child gracefully, escalating after a grace period.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	if a.status == engine.StatusStopped {
		a.mu.Unlock()
		return nil
	}
	a.stopping = true
	cmd := a.cmd
	gen := a.generation
	a.mu.Unlock()

	if cmd == nil {
		a.handleExit(gen, nil)
		return nil
	}
	proc.Terminate(cmd)

	deadline := time.After(stopGrace)
	for {
		select {
		case <-deadline:
			proc.Kill(cmd)
			return nil
		case <-time.After(50 * time.Millisecond):
			a.mu.Lock()
			stopped := a.status == engine.StatusStopped
			a.mu.Unlock()
			if stopped {
				return nil
			}
		}
	}
}

// handleExit runs when the child exits for any reason. It rejects pending
// RPCs (via the read loop's conn.fail), finalises dangling buffers, cancels
// parked permissions, and publishes the stopped status.
func (a *Adapter) handleExit(gen int, waitErr error) {
	a.mu.Lock()
	if gen != a.generation && a.status != engine.StatusStopped {
		// A newer Start owns the adapter now.
		a.mu.Unlock()
		return
	}
	deliberate := a.stopping
	errMsg := ""
	if !deliberate {
		errMsg = "Backend exited unexpectedly"
		if waitErr != nil {
			errMsg = fmt.Sprintf("Backend exited unexpectedly: %v", waitErr)
		}
	}
	a.status = engine.StatusStopped
	a.cmd = nil
	if a.conn != nil {
		a.conn.fail(errConnClosed)
	}
	perms := a.permissions
	a.permissions = make(map[string]*parkedPermission)
	a.loading = make(map[string]bool)
	finalized := a.asm.FinalizeAll(errMsg)
	for _, m := range finalized {
		a.history[m.SessionID] = append(a.history[m.SessionID], *m)
	}
	a.mu.Unlock()

	for id, p := range perms {
		a.bus.Publish(events.Event{
			Topic:      events.TopicPermissionReplied,
			EngineType: a.cfg.EngineType,
			Payload:    events.PermissionReplyPayload{PermissionID: id, SessionID: p.sessionID, Cancelled: true},
		})
	}
	if deliberate {
		a.log.Info("Backend stopped")
	} else {
		a.log.Warn("Backend exited unexpectedly", "error", waitErr)
	}
	a.emitStatus(engine.StatusStopped, errMsg)
}

func (a *Adapter) HealthCheck(context.Context) error {
	if a.Status() != engine.StatusRunning {
		return engine.ErrNotRunning
	}
	return nil
}

// ListSessions asks the backend when it supports enumeration, falling back
// to the sessions created through this adapter.
func (a *Adapter) ListSessions(ctx context.Context, dir string) ([]model.Session, error) {
	dir = model.NormalizeDirectory(dir)
	a.mu.Lock()
	conn := a.conn
	canList := a.caps.ListSessions && a.status == engine.StatusRunning
	a.mu.Unlock()

	if !canList {
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

	raw, err := conn.call(ctx, "session/list", listSessionsParams{Cwd: dir}, a.callTimeout)
	if err != nil {
		return nil, fmt.Errorf("session/list: %w", err)
	}
	var res listSessionsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("session/list: decode result: %w", err)
	}
	out := make([]model.Session, 0, len(res.Sessions))
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ws := range res.Sessions {
		sess := model.Session{
			ID:         ws.SessionID,
			EngineType: a.cfg.EngineType,
			Directory:  model.NormalizeDirectory(ws.Cwd),
			Title:      ws.Title,
			Time:       model.SessionTime{Created: ws.CreatedAt, Updated: ws.UpdatedAt},
		}
		if known, ok := a.sessions[ws.SessionID]; ok && sess.Title == "" {
			sess.Title = known.Title
		}
		copied := sess
		a.sessions[sess.ID] = &copied
		out = append(out, sess)
	}
	return out, nil
}

// CreateSession opens a backend session in dir.
func (a *Adapter) CreateSession(ctx context.Context, dir string) (*model.Session, error) {
	a.mu.Lock()
	conn := a.conn
	running := a.status == engine.StatusRunning
	a.mu.Unlock()
	if !running {
		return nil, engine.ErrNotRunning
	}

	dir = model.NormalizeDirectory(dir)
	raw, err := conn.call(ctx, "session/new", newSessionParams{Cwd: dir, MCPServers: []any{}}, a.callTimeout)
	if err != nil {
		return nil, fmt.Errorf("session/new: %w", err)
	}
	var res sessionConfig
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("session/new: decode result: %w", err)
	}
	if res.SessionID == "" {
		return nil, fmt.Errorf("session/new: backend returned no session id")
	}

	nowMS := time.Now().UnixMilli()
	sess := &model.Session{
		ID:         res.SessionID,
		EngineType: a.cfg.EngineType,
		Directory:  dir,
		Title:      "New session - " + time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Time:       model.SessionTime{Created: nowMS, Updated: nowMS},
	}

	a.mu.Lock()
	a.sessions[sess.ID] = sess
	a.absorbSessionConfig(sess.ID, res)
	a.mu.Unlock()

	a.bus.Publish(events.Event{
		Topic:      events.TopicSessionCreated,
		EngineType: a.cfg.EngineType,
		Payload:    events.SessionPayload{Session: *sess},
	})
	return sess, nil
}

// absorbSessionConfig caches the modes/models advertised in a session/new or
// session/load result. Caller holds a.mu.
func (a *Adapter) absorbSessionConfig(sessionID string, cfg sessionConfig) {
	if cfg.Modes != nil {
		a.modes[sessionID] = cfg.Modes.CurrentModeID
		a.modeList = a.modeList[:0]
		for _, m := range cfg.Modes.AvailableModes {
			a.modeList = append(a.modeList, engine.Mode{ID: m.ID, Name: m.Name})
		}
		a.caps.Modes = len(a.modeList) > 0
	}
	if cfg.Models != nil {
		a.modelList = a.modelList[:0]
		for _, m := range cfg.Models.AvailableModels {
			a.modelList = append(a.modelList, engine.Model{ID: m.ModelID, Name: m.Name})
		}
		a.caps.Models = len(a.modelList) > 0
	}
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

// DeleteSession forgets the session locally and tells the backend
// best-effort; not every backend persists sessions.
func (a *Adapter) DeleteSession(ctx context.Context, id string) error {
	a.mu.Lock()
	s, ok := a.sessions[id]
	if ok {
		delete(a.sessions, id)
		delete(a.history, id)
		delete(a.modes, id)
	}
	conn := a.conn
	running := a.status == engine.StatusRunning
	a.mu.Unlock()
	if !ok {
		return engine.ErrSessionNotFound
	}
	if running {
		if _, err := conn.call(ctx, "session/delete", deleteSessionParams{SessionID: id}, a.callTimeout); err != nil {
			a.log.Debug("session/delete not honoured", "session", id, "error", err)
		}
	}
	a.bus.Publish(events.Event{
		Topic:      events.TopicSessionDeleted,
		EngineType: a.cfg.EngineType,
		Payload:    events.SessionPayload{Session: *s},
	})
	return nil
}

// RestoreSession seeds a session known from the store so a prompt can load
// it after a restart.
func (a *Adapter) RestoreSession(sess model.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[sess.ID]; !ok {
		copied := sess
		a.sessions[sess.ID] = &copied
	}
}

// SendMessage issues session/prompt and blocks until the turn resolves. The
// returned assistant message carries an Error annotation when the turn was
// cancelled, timed out, or the backend died; those still return a nil error.
func (a *Adapter) SendMessage(ctx context.Context, sessionID, content string, opts engine.SendOptions) (*model.Message, error) {
	a.mu.Lock()
	if a.status != engine.StatusRunning {
		a.mu.Unlock()
		return nil, engine.ErrNotRunning
	}
	if _, ok := a.sessions[sessionID]; !ok {
		a.mu.Unlock()
		return nil, engine.ErrSessionNotFound
	}
	if _, busy := a.prompts[sessionID]; busy {
		a.mu.Unlock()
		return nil, engine.ErrPromptInFlight
	}
	conn := a.conn

	if opts.Mode != "" && opts.Mode != a.modes[sessionID] {
		go func() {
			_, _ = conn.call(context.Background(), "session/set_mode", setModeParams{SessionID: sessionID, ModeID: opts.Mode}, a.callTimeout)
		}()
		a.modes[sessionID] = opts.Mode
	}

	nowMS := time.Now().UnixMilli()
	userMsg := model.Message{
		ID:        a.ids.NewID("msg"),
		SessionID: sessionID,
		Role:      model.RoleUser,
		Time:      model.MessageTime{Created: nowMS, Completed: nowMS},
		Parts: []model.Part{{
			ID:        a.ids.NewID("prt"),
			MessageID: "",
			SessionID: sessionID,
			Type:      model.PartText,
			Text:      content,
		}},
	}
	userMsg.Parts[0].MessageID = userMsg.ID
	a.history[sessionID] = append(a.history[sessionID], userMsg)

	p := &prompt{
		sessionID: sessionID,
		outcome:   make(chan promptOutcome, 1),
		done:      make(chan struct{}),
	}
	p.touch(nowMS)
	a.prompts[sessionID] = p
	mode := a.modes[sessionID]
	a.mu.Unlock()

	a.bus.Publish(events.Event{
		Topic:      events.TopicMessageUpdated,
		EngineType: a.cfg.EngineType,
		Payload:    events.MessagePayload{Message: userMsg},
	})

	// The prompt call has no timeout of its own; long turns are legitimate.
	// Liveness comes from the activity watchdog.
	go func() {
		raw, err := conn.call(ctx, "session/prompt", promptParams{
			SessionID: sessionID,
			Prompt:    []contentBlock{{Type: "text", Text: content}},
			ModelID:   opts.ModelID,
			ModeID:    opts.Mode,
		}, 0)
		if err != nil {
			p.finish(promptOutcome{err: err})
			return
		}
		var res promptResult
		_ = json.Unmarshal(raw, &res)
		p.finish(promptOutcome{stopReason: res.StopReason})
	}()
	go a.watchPrompt(p, conn)

	out := <-p.outcome

	a.mu.Lock()
	delete(a.prompts, sessionID)
	errMsg := ""
	switch {
	case out.timedOut:
		errMsg = engine.MessageErrorTimeout
	case out.stopReason == "cancelled":
		errMsg = engine.MessageErrorCancelled
	case out.err != nil:
		errMsg = out.err.Error()
	}
	var msg *model.Message
	if a.asm.Peek(sessionID) == nil {
		// The exit path may have finalised this turn already; reuse its
		// message instead of appending an empty duplicate.
		if hist := a.history[sessionID]; len(hist) > 0 && hist[len(hist)-1].Role == model.RoleAssistant {
			m := hist[len(hist)-1]
			msg = &m
		}
	}
	if msg == nil {
		a.asm.Buffer(sessionID)
		a.asm.SetMeta(sessionID, nil, 0, opts.ModelID, mode)
		msg = a.asm.Finalize(sessionID, errMsg)
		a.history[sessionID] = append(a.history[sessionID], *msg)
	}
	if s, ok := a.sessions[sessionID]; ok {
		s.Time.Updated = time.Now().UnixMilli()
		copied := *s
		a.mu.Unlock()
		a.bus.Publish(events.Event{
			Topic:      events.TopicSessionUpdated,
			EngineType: a.cfg.EngineType,
			Payload:    events.SessionPayload{Session: copied},
		})
	} else {
		a.mu.Unlock()
	}
	return msg, nil
}

// watchPrompt cancels a turn whose stream has gone quiet.
func (a *Adapter) watchPrompt(p *prompt, c *conn) {
	ticker := time.NewTicker(a.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			idle := time.Duration(time.Now().UnixMilli()-p.lastActivity.Load()) * time.Millisecond
			if idle < a.idleTimeout {
				continue
			}
			a.log.Warn("Prompt stalled, cancelling", "session", p.sessionID, "idle", idle)
			_ = c.notify("session/cancel", cancelParams{SessionID: p.sessionID})
			p.finish(promptOutcome{timedOut: true})
			return
		}
	}
}

// CancelMessage resolves the in-flight turn locally before telling the
// backend, so the client unblocks even if the backend is slow to confirm.
func (a *Adapter) CancelMessage(_ context.Context, sessionID string) error {
	a.mu.Lock()
	p := a.prompts[sessionID]
	conn := a.conn
	a.mu.Unlock()
	if p == nil {
		return nil
	}
	p.finish(promptOutcome{stopReason: "cancelled"})
	if conn != nil {
		_ = conn.notify("session/cancel", cancelParams{SessionID: sessionID})
	}
	return nil
}

// ListMessages returns the local transcript, replaying backend history via
// session/load first when the session has none and the backend supports it.
func (a *Adapter) ListMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	a.mu.Lock()
	sess, ok := a.sessions[sessionID]
	if !ok {
		a.mu.Unlock()
		return nil, engine.ErrSessionNotFound
	}
	needLoad := len(a.history[sessionID]) == 0 && a.caps.LoadSession && a.status == engine.StatusRunning
	dir := sess.Directory
	a.mu.Unlock()

	if needLoad {
		if err := a.loadSession(ctx, sessionID, dir); err != nil {
			a.log.Warn("session/load failed", "session", sessionID, "error", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Message, len(a.history[sessionID]))
	copy(out, a.history[sessionID])
	return out, nil
}

// loadSession replays a session's history. Replay arrives as ordinary
// session/update notifications; the loading flag routes them into the local
// transcript and suppresses outbound events until the call returns.
func (a *Adapter) loadSession(ctx context.Context, sessionID, dir string) error {
	a.mu.Lock()
	conn := a.conn
	a.loading[sessionID] = true
	a.mu.Unlock()

	raw, err := conn.call(ctx, "session/load", loadSessionParams{SessionID: sessionID, Cwd: dir, MCPServers: []any{}}, a.callTimeout)

	a.mu.Lock()
	if err == nil {
		var res sessionConfig
		if jsonErr := json.Unmarshal(raw, &res); jsonErr == nil {
			a.absorbSessionConfig(sessionID, res)
		}
	}
	// Flush whichever buffer the replay left open.
	if m := a.asm.FlushUser(sessionID); m != nil {
		a.history[sessionID] = append(a.history[sessionID], *m)
	}
	if a.asm.Peek(sessionID) != nil {
		if m := a.asm.Finalize(sessionID, ""); m != nil {
			a.history[sessionID] = append(a.history[sessionID], *m)
		}
	}
	delete(a.loading, sessionID)
	a.mu.Unlock()

	if err != nil {
		return fmt.Errorf("session/load: %w", err)
	}
	return nil
}

func (a *Adapter) ListModels(context.Context) ([]engine.Model, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]engine.Model, len(a.modelList))
	copy(out, a.modelList)
	return out, nil
}

func (a *Adapter) SetModel(ctx context.Context, sessionID, modelID string) error {
	a.mu.Lock()
	conn := a.conn
	_, ok := a.sessions[sessionID]
	running := a.status == engine.StatusRunning
	a.mu.Unlock()
	if !ok {
		return engine.ErrSessionNotFound
	}
	if !running {
		return engine.ErrNotRunning
	}
	if _, err := conn.call(ctx, "session/set_model", setModelParams{SessionID: sessionID, ModelID: modelID}, a.callTimeout); err != nil {
		return fmt.Errorf("session/set_model: %w", err)
	}
	return nil
}

func (a *Adapter) GetModes(context.Context) ([]engine.Mode, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]engine.Mode, len(a.modeList))
	copy(out, a.modeList)
	return out, nil
}

func (a *Adapter) SetMode(ctx context.Context, sessionID, modeID string) error {
	a.mu.Lock()
	conn := a.conn
	_, ok := a.sessions[sessionID]
	running := a.status == engine.StatusRunning
	a.mu.Unlock()
	if !ok {
		return engine.ErrSessionNotFound
	}
	if !running {
		return engine.ErrNotRunning
	}
	if _, err := conn.call(ctx, "session/set_mode", setModeParams{SessionID: sessionID, ModeID: modeID}, a.callTimeout); err != nil {
		return fmt.Errorf("session/set_mode: %w", err)
	}
	a.mu.Lock()
	a.modes[sessionID] = modeID
	a.mu.Unlock()
	return nil
}

// ReplyPermission answers a parked permission request. Each permission is
// single-shot: the first reply consumes it.
func (a *Adapter) ReplyPermission(_ context.Context, permissionID string, reply engine.PermissionReply) error {
	a.mu.Lock()
	p, ok := a.permissions[permissionID]
	if ok {
		delete(a.permissions, permissionID)
	}
	conn := a.conn
	a.mu.Unlock()
	if !ok {
		return engine.ErrPermissionNotFound
	}

	var outcome permissionOutcome
	if reply.Cancelled || reply.OptionID == "" {
		outcome = cancelledOutcome()
	} else {
		outcome = selectedOutcome(reply.OptionID)
	}
	if err := conn.reply(p.rpcID, outcome); err != nil {
		return fmt.Errorf("permission reply: %w", err)
	}
	a.bus.Publish(events.Event{
		Topic:      events.TopicPermissionReplied,
		EngineType: a.cfg.EngineType,
		Payload: events.PermissionReplyPayload{
			PermissionID: permissionID,
			SessionID:    p.sessionID,
			OptionID:     reply.OptionID,
			Cancelled:    reply.Cancelled || reply.OptionID == "",
		},
	})
	return nil
}

func (a *Adapter) ListProjects(context.Context) ([]model.Project, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	byID := make(map[string]*model.Project)
	for _, s := range a.sessions {
		id := model.ProjectID(a.cfg.EngineType, s.Directory)
		p, ok := byID[id]
		if !ok {
			p = &model.Project{ID: id, EngineType: a.cfg.EngineType, Directory: s.Directory}
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
		EngineType: a.cfg.EngineType,
		Payload:    events.StatusPayload{EngineType: a.cfg.EngineType, Status: string(st), Error: errMsg},
	})
}
