// Package httpstream implements the engine adapter for backends exposing a
// REST API plus one global server-sent-event stream. The adapter acquires a
// TCP port (attaching to an already-running healthy instance when it finds
// one), optionally spawns and supervises the server process, and translates
// stream events into the canonical model.
package httpstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentgate/agentgate/pkg/engine"
	"github.com/agentgate/agentgate/pkg/engine/proc"
	"github.com/agentgate/agentgate/pkg/events"
	"github.com/agentgate/agentgate/pkg/ident"
	"github.com/agentgate/agentgate/pkg/model"
)

const (
	defaultPortSearchRange = 10
	defaultStartTimeout    = 30 * time.Second

	// defaultSendTimeout is the hard ceiling on one turn. There is no
	// activity watchdog here; the stream keeps the connection honest.
	defaultSendTimeout = 5 * time.Minute

	reconnectDelay = time.Second
	stopGrace      = 5 * time.Second
)

// listenMarker extracts the advertised URL from the child's startup output.
var listenMarker = regexp.MustCompile(`(?i)listening on\s+(https?://\S+)`)

// Config describes one HTTP backend.
type Config struct {
	EngineType      string
	Command         []string // server argv; "{port}" args are substituted
	PreferredPort   int
	PortSearchRange int
	WorkDir         string
	Env             []string
	StartTimeout    time.Duration
}

// Adapter runs or attaches to one HTTP backend.
type Adapter struct {
	cfg Config
	bus *events.Bus
	ids *ident.Generator
	log *slog.Logger
	hc  *http.Client

	sendTimeout time.Duration
	reclaim     func(port int) error

	mu            sync.Mutex
	status        engine.Status
	stopping      bool
	generation    int
	caps          engine.Capabilities
	baseURL       string
	attached      bool
	cmd           *exec.Cmd
	streamCancel  context.CancelFunc
	clients       map[string]*client
	sessions      map[string]*model.Session
	dirs          map[string]string // sessionID → directory
	pendings      map[string]*pendingSend
	cancelled     map[string]bool
	permSessions  map[string]string // permissionID → sessionID
	modes         map[string]string
	sessionModels map[string]string
	modelList     []engine.Model
}

// New creates an HTTP adapter. Start acquires the port and the stream.
func New(cfg Config, bus *events.Bus) *Adapter {
	if cfg.PortSearchRange == 0 {
		cfg.PortSearchRange = defaultPortSearchRange
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	return &Adapter{
		cfg: cfg,
		bus: bus,
		ids: ident.New(),
		log: slog.With("engine", cfg.EngineType),
		// The stream client has no timeout; the SSE response never ends.
		hc:            &http.Client{},
		sendTimeout:   defaultSendTimeout,
		reclaim:       proc.ReclaimPort,
		status:        engine.StatusStopped,
		clients:       make(map[string]*client),
		sessions:      make(map[string]*model.Session),
		dirs:          make(map[string]string),
		pendings:      make(map[string]*pendingSend),
		cancelled:     make(map[string]bool),
		permSessions:  make(map[string]string),
		modes:         make(map[string]string),
		sessionModels: make(map[string]string),
	}
}

// SetSendTimeout overrides the per-turn hard timeout. Tests use a short one.
func (a *Adapter) SetSendTimeout(d time.Duration) { a.sendTimeout = d }

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

// Start acquires a port, spawning the server unless a healthy instance is
// already listening, then opens the event stream.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.status == engine.StatusRunning || a.status == engine.StatusStarting {
		a.mu.Unlock()
		return nil
	}
	a.status = engine.StatusStarting
	a.stopping = false
	a.generation++
	gen := a.generation
	a.mu.Unlock()
	a.emitStatus(engine.StatusStarting, "")

	port, attach, err := a.acquirePort(ctx)
	if err != nil {
		a.failStart(err)
		return err
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	if !attach {
		url, err := a.spawn(gen, port)
		if err != nil {
			a.failStart(err)
			return err
		}
		if url != "" {
			baseURL = strings.TrimRight(url, "/")
		}
	}

	a.mu.Lock()
	a.baseURL = baseURL
	a.attached = attach
	a.mu.Unlock()

	if err := a.waitHealthy(ctx, baseURL); err != nil {
		a.failStart(err)
		a.mu.Lock()
		cmd := a.cmd
		a.stopping = true
		a.mu.Unlock()
		if cmd != nil {
			proc.Kill(cmd)
		}
		return err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.streamCancel = cancel
	a.status = engine.StatusRunning
	a.caps = engine.Capabilities{ListSessions: true, Models: true, Modes: true}
	a.mu.Unlock()

	go a.streamLoop(streamCtx, gen, baseURL)

	a.log.Info("Backend ready", "url", baseURL, "attached", attach)
	a.emitStatus(engine.StatusRunning, "")
	return nil
}

func (a *Adapter) failStart(err error) {
	a.mu.Lock()
	a.status = engine.StatusError
	a.mu.Unlock()
	a.log.Error("Backend start failed", "error", err)
	a.emitStatus(engine.StatusError, err.Error())
}

// acquirePort picks the port to use. attach is true when a healthy instance
// of the expected backend already answers on it.
func (a *Adapter) acquirePort(ctx context.Context) (port int, attach bool, err error) {
	port = a.cfg.PreferredPort
	if proc.PortFree(port) {
		return port, false, nil
	}
	if a.probe(ctx, fmt.Sprintf("http://127.0.0.1:%d", port)) {
		a.log.Info("Attaching to running backend", "port", port)
		return port, true, nil
	}
	// Someone else holds the port. It may be an orphan of a prior crash of
	// our own backend; try to reclaim, otherwise search nearby.
	if err := a.reclaim(port); err == nil && proc.WaitPortFree(port, 3*time.Second) {
		a.log.Info("Reclaimed orphaned port", "port", port)
		return port, false, nil
	}
	port, err = proc.FindPort(a.cfg.PreferredPort, a.cfg.PortSearchRange)
	if err != nil {
		return 0, false, err
	}
	return port, false, nil
}

// probe reports whether the expected backend answers at base.
func (a *Adapter) probe(ctx context.Context, base string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/provider", nil)
	if err != nil {
		return false
	}
	resp, err := a.hc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (a *Adapter) waitHealthy(ctx context.Context, base string) error {
	deadline := time.Now().Add(a.cfg.StartTimeout)
	for time.Now().Before(deadline) {
		if a.probe(ctx, base) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return fmt.Errorf("backend at %s not healthy within %s", base, a.cfg.StartTimeout)
}

// spawn starts the server child and waits for its listening marker. It
// returns the URL from the marker, or "" when the marker carried none.
func (a *Adapter) spawn(gen int, port int) (string, error) {
	if len(a.cfg.Command) == 0 {
		return "", fmt.Errorf("engine %s: port %d is not serving and no command is configured", a.cfg.EngineType, port)
	}
	argv := substitutePort(a.cfg.Command, port)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = a.cfg.WorkDir
	cmd.Env = append(proc.ChildEnv(), a.cfg.Env...)
	proc.Configure(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", argv[0], err)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.mu.Unlock()
	a.log.Info("Backend starting", "command", argv[0], "port", port, "pid", cmd.Process.Pid)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			a.log.Debug("Backend stderr", "line", scanner.Text())
		}
	}()
	go func() {
		err := cmd.Wait()
		a.handleExit(gen, err)
	}()

	marker := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			if m := listenMarker.FindStringSubmatch(line); m != nil {
				select {
				case marker <- m[1]:
				default:
				}
			}
			a.log.Debug("Backend stdout", "line", line)
		}
	}()

	select {
	case url := <-marker:
		return url, nil
	case <-time.After(a.cfg.StartTimeout):
		// No marker; the health probe decides whether it came up anyway.
		return "", nil
	}
}

// substitutePort replaces "{port}" placeholders, appending "--port N" when
// the argv carries none.
func substitutePort(argv []string, port int) []string {
	out := make([]string, len(argv))
	replaced := false
	for i, arg := range argv {
		if strings.Contains(arg, "{port}") {
			arg = strings.ReplaceAll(arg, "{port}", strconv.Itoa(port))
			replaced = true
		}
		out[i] = arg
	}
	if !replaced {
		out = append(out, "--port", strconv.Itoa(port))
	}
	return out
}

// streamLoop keeps the global event stream open, reconnecting after a short
// delay while the adapter stays running.
func (a *Adapter) streamLoop(ctx context.Context, gen int, baseURL string) {
	for {
		err := readStream(ctx, a.hc, baseURL+"/global/event", a.handleStreamEvent)
		a.mu.Lock()
		alive := gen == a.generation && a.status == engine.StatusRunning && !a.stopping
		a.mu.Unlock()
		if !alive || ctx.Err() != nil {
			return
		}
		a.log.Warn("Event stream interrupted, reconnecting", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// Stop shuts the stream and, when we spawned the server, the child process.
// An attached instance is left running.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	if a.status == engine.StatusStopped {
		a.mu.Unlock()
		return nil
	}
	a.stopping = true
	cmd := a.cmd
	cancel := a.streamCancel
	gen := a.generation
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
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

// handleExit finalises state when the child exits or an attached Stop runs:
// every pending turn resolves with a terminal error and status goes stopped.
func (a *Adapter) handleExit(gen int, waitErr error) {
	a.mu.Lock()
	if gen != a.generation && a.status != engine.StatusStopped {
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
	if a.streamCancel != nil {
		a.streamCancel()
		a.streamCancel = nil
	}
	pendings := a.pendings
	a.pendings = make(map[string]*pendingSend)
	a.mu.Unlock()

	for _, p := range pendings {
		p.resolveSynthetic(a, errMsg)
	}
	if deliberate {
		a.log.Info("Backend stopped")
	} else {
		a.log.Warn("Backend exited unexpectedly", "error", waitErr)
	}
	a.emitStatus(engine.StatusStopped, errMsg)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	base := a.baseURL
	running := a.status == engine.StatusRunning
	a.mu.Unlock()
	if !running {
		return engine.ErrNotRunning
	}
	if !a.probe(ctx, base) {
		return fmt.Errorf("backend at %s not responding", base)
	}
	return nil
}

// client returns the cached REST client for a directory. Clients are
// immutable; each directory gets its own.
func (a *Adapter) client(dir string) *client {
	dir = model.NormalizeDirectory(dir)
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.clients[dir]
	if !ok {
		c = newClient(a.baseURL, dir)
		a.clients[dir] = c
	}
	return c
}

func (a *Adapter) sessionClient(sessionID string) *client {
	a.mu.Lock()
	dir := a.dirs[sessionID]
	a.mu.Unlock()
	return a.client(dir)
}

func (a *Adapter) emitStatus(st engine.Status, errMsg string) {
	a.bus.Publish(events.Event{
		Topic:      events.TopicStatusChanged,
		EngineType: a.cfg.EngineType,
		Payload:    events.StatusPayload{EngineType: a.cfg.EngineType, Status: string(st), Error: errMsg},
	})
}
