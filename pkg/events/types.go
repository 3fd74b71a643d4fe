// Package events provides the in-process pub/sub bus connecting engine
// adapters, the engine manager, and the WebSocket gateway.
//
// Adapters publish; they hold no reference to their consumers. The manager
// subscribes to maintain routing tables, and the gateway subscribes to
// broadcast notifications to clients. Dispatch is synchronous and in
// subscription order, which is what gives downstream consumers the
// per-session ordering guarantees (a part update published before another is
// delivered before it).
package events

import "github.com/agentgate/agentgate/pkg/model"

// Topic identifies the kind of event.
type Topic string

const (
	TopicStatusChanged      Topic = "status.changed"
	TopicSessionCreated     Topic = "session.created"
	TopicSessionUpdated     Topic = "session.updated"
	TopicSessionDeleted     Topic = "session.deleted"
	TopicMessagePartUpdated Topic = "message.part.updated"
	TopicMessageUpdated     Topic = "message.updated"
	TopicPermissionAsked    Topic = "permission.asked"
	TopicPermissionReplied  Topic = "permission.replied"
	TopicQuestionAsked      Topic = "question.asked"
	TopicQuestionReplied    Topic = "question.replied"
	TopicQuestionRejected   Topic = "question.rejected"
)

// Event is one bus message: a topic, the engine that produced it, and a
// topic-specific payload (one of the *Payload types below).
type Event struct {
	Topic      Topic
	EngineType string
	Payload    any
}

// StatusPayload accompanies status.changed.
type StatusPayload struct {
	EngineType string `json:"engineType"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// SessionPayload accompanies session.created / session.updated /
// session.deleted.
type SessionPayload struct {
	Session model.Session `json:"session"`
}

// PartPayload accompanies message.part.updated.
type PartPayload struct {
	Part model.Part `json:"part"`
}

// MessagePayload accompanies message.updated.
type MessagePayload struct {
	Message model.Message `json:"message"`
}

// PermissionPayload accompanies permission.asked.
type PermissionPayload struct {
	Permission model.Permission `json:"permission"`
}

// PermissionReplyPayload accompanies permission.replied.
type PermissionReplyPayload struct {
	PermissionID string `json:"permissionId"`
	SessionID    string `json:"sessionId,omitempty"`
	OptionID     string `json:"optionId,omitempty"`
	Cancelled    bool   `json:"cancelled,omitempty"`
}

// QuestionPayload accompanies the question.* topics (the HTTP backend's
// second form of interactive prompt). The body is forwarded opaquely.
type QuestionPayload struct {
	QuestionID string `json:"questionId"`
	SessionID  string `json:"sessionId,omitempty"`
	Body       any    `json:"body,omitempty"`
}
