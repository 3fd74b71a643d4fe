// Package engine defines the uniform contract every backend adapter
// implements, plus the status values and sentinel errors shared by the
// adapter implementations.
package engine

import (
	"context"
	"errors"

	"github.com/agentgate/agentgate/pkg/model"
)

// Status is the adapter lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

// Sentinel errors surfaced by adapters. Callers match with errors.Is.
var (
	ErrNotRunning         = errors.New("engine is not running")
	ErrSessionNotFound    = errors.New("session not found")
	ErrPermissionNotFound = errors.New("permission not found")
	ErrPromptInFlight     = errors.New("a message is already being processed for this session")
	ErrUnsupported        = errors.New("operation not supported by this engine")
)

// Terminal error annotations placed on assistant messages. These are not Go
// errors: a cancelled or timed-out turn still resolves with a message so the
// UI can render it.
const (
	MessageErrorCancelled = "Cancelled"
	MessageErrorTimeout   = "Message timeout"
)

// Model is a language model offered by a backend.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Mode is an interaction mode offered by a backend (e.g. plan, autopilot).
type Mode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SendOptions carries optional per-message overrides.
type SendOptions struct {
	Mode    string `json:"mode,omitempty"`
	ModelID string `json:"modelId,omitempty"`
}

// PermissionReply is the client's decision on a permission prompt.
type PermissionReply struct {
	OptionID  string `json:"optionId,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// Capabilities describes what a backend supports, learned during start.
type Capabilities struct {
	AgentName    string `json:"agentName,omitempty"`
	AgentVersion string `json:"agentVersion,omitempty"`
	LoadSession  bool   `json:"loadSession"`
	ListSessions bool   `json:"listSessions"`
	Models       bool   `json:"models"`
	Modes        bool   `json:"modes"`
}

// Adapter is the uniform contract a backend implements. All blocking
// operations accept a context. Implementations publish events on the bus
// they were constructed with and hold no reference to their consumers.
//
// Start and Stop are idempotent. A child crash transitions the adapter to
// StatusStopped, rejects pending RPCs, and unblocks any waiting SendMessage
// with an error-annotated assistant message so the UI never hangs.
type Adapter interface {
	EngineType() string
	Status() Status
	Capabilities() Capabilities

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	ListSessions(ctx context.Context, dir string) ([]model.Session, error)
	CreateSession(ctx context.Context, dir string) (*model.Session, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
	DeleteSession(ctx context.Context, id string) error

	SendMessage(ctx context.Context, sessionID, content string, opts SendOptions) (*model.Message, error)
	CancelMessage(ctx context.Context, sessionID string) error
	ListMessages(ctx context.Context, sessionID string) ([]model.Message, error)

	ListModels(ctx context.Context) ([]Model, error)
	SetModel(ctx context.Context, sessionID, modelID string) error
	GetModes(ctx context.Context) ([]Mode, error)
	SetMode(ctx context.Context, sessionID, modeID string) error

	ReplyPermission(ctx context.Context, permissionID string, reply PermissionReply) error

	ListProjects(ctx context.Context) ([]model.Project, error)
}
