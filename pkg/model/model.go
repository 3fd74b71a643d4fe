// Package model defines the canonical data model shared by all engine
// adapters: sessions, messages, parts, tool states, permissions, and the
// derived project view.
package model

import "strings"

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates the Part variants.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartTool       PartType = "tool"
	PartFile       PartType = "file"
	PartStepStart  PartType = "step-start"
	PartStepFinish PartType = "step-finish"
	PartSnapshot   PartType = "snapshot"
	PartPatch      PartType = "patch"
)

// ToolStatus is the tool part state machine: pending → running →
// (completed | error). Completed and error are terminal.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s ToolStatus) Terminal() bool {
	return s == ToolCompleted || s == ToolError
}

// ToolKind is a coarse classification of what a tool call does, used by
// clients to pick an icon and by the permission UI.
type ToolKind string

const (
	ToolKindRead  ToolKind = "read"
	ToolKindEdit  ToolKind = "edit"
	ToolKindOther ToolKind = "other"
)

// TimeSpan records start/end wall-clock milliseconds for a tool execution.
type TimeSpan struct {
	Start    int64 `json:"start,omitempty"`
	End      int64 `json:"end,omitempty"`
	Duration int64 `json:"duration,omitempty"`
}

// ToolState is the mutable state carried by a tool part.
type ToolState struct {
	Status ToolStatus `json:"status"`
	Input  any        `json:"input,omitempty"`
	Output any        `json:"output"`
	Error  string     `json:"error,omitempty"`
	Time   TimeSpan   `json:"time"`
}

// Location points at a file (and optionally a line) a tool touched.
type Location struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

// Part is one unit of message content. Type selects which fields are
// meaningful; unused fields are omitted from JSON.
type Part struct {
	ID        string   `json:"id"`
	MessageID string   `json:"messageId"`
	SessionID string   `json:"sessionId"`
	Type      PartType `json:"type"`

	// text, reasoning
	Text string `json:"text,omitempty"`

	// tool
	CallID       string     `json:"callId,omitempty"`
	Tool         string     `json:"tool,omitempty"`
	OriginalTool string     `json:"originalTool,omitempty"`
	Title        string     `json:"title,omitempty"`
	Kind         ToolKind   `json:"kind,omitempty"`
	State        *ToolState `json:"state,omitempty"`
	Locations    []Location `json:"locations,omitempty"`
	Diff         string     `json:"diff,omitempty"`

	// file
	Mime     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`

	// snapshot
	Files []string `json:"files,omitempty"`

	// patch
	Content string `json:"content,omitempty"`
	Path    string `json:"path,omitempty"`
}

// MessageTime holds creation and completion timestamps in unix milliseconds.
// Completed == 0 means the message is still streaming.
type MessageTime struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

// TokenUsage is the per-message token accounting reported by a backend.
type TokenUsage struct {
	Input  int `json:"input,omitempty"`
	Output int `json:"output,omitempty"`
	Cache  int `json:"cache,omitempty"`
}

// Message is an ordered sequence of parts belonging to one session.
// Message IDs are lexicographically sortable by creation time.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionId"`
	Role      Role        `json:"role"`
	Parts     []Part      `json:"parts"`
	Time      MessageTime `json:"time"`
	Tokens    *TokenUsage `json:"tokens,omitempty"`
	Cost      float64     `json:"cost,omitempty"`
	ModelID   string      `json:"modelId,omitempty"`
	Mode      string      `json:"mode,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// SessionTime holds creation/update timestamps in unix milliseconds.
// Updated is always ≥ Created.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// Session is a persistent conversation bound to a directory and exactly one
// engine type. IDs are unique across all engines in the process.
type Session struct {
	ID         string         `json:"id"`
	EngineType string         `json:"engineType"`
	Directory  string         `json:"directory"`
	Title      string         `json:"title,omitempty"`
	ParentID   string         `json:"parentId,omitempty"`
	ProjectID  string         `json:"projectId,omitempty"`
	Time       SessionTime    `json:"time"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// PermissionOption is one choice offered to the user by a permission prompt.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Kind     string `json:"kind"`
	Name     string `json:"name"`
}

// Permission is an interactive prompt raised by a backend through a reverse
// request. It terminates on a client reply or a backend cancel.
type Permission struct {
	ID         string             `json:"id"`
	SessionID  string             `json:"sessionId"`
	EngineType string             `json:"engineType"`
	ToolCallID string             `json:"toolCallId,omitempty"`
	Title      string             `json:"title"`
	Kind       ToolKind           `json:"kind"`
	Diff       string             `json:"diff,omitempty"`
	RawInput   any                `json:"rawInput,omitempty"`
	Options    []PermissionOption `json:"options"`
}

// Project is the derived grouping of sessions by (engineType, directory).
// It is never stored; stores and adapters compute it on demand.
type Project struct {
	ID         string `json:"id"`
	EngineType string `json:"engineType"`
	Directory  string `json:"directory"`
	Sessions   int    `json:"sessions"`
}

// NormalizeDirectory converts a path to forward slashes and strips any
// trailing separator so directory comparisons are stable across platforms.
func NormalizeDirectory(dir string) string {
	dir = strings.ReplaceAll(dir, "\\", "/")
	if len(dir) > 1 {
		dir = strings.TrimRight(dir, "/")
	}
	return dir
}

// ProjectID returns the stable derived project id for an engine/directory
// pair: "{engineType}-{directory}".
func ProjectID(engineType, dir string) string {
	return engineType + "-" + NormalizeDirectory(dir)
}
