package httpstream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/agentgate/agentgate/pkg/events"
	"github.com/agentgate/agentgate/pkg/model"
)

// pendingSend tracks one in-flight turn. The backend signals completion
// either with a step-finish part or with an assistant message.updated that
// carries a completed timestamp or an error; a hard timer backstops both.
// Mutable fields are guarded by the adapter mutex; resolve is single-shot.
type pendingSend struct {
	sessionID string
	createdMS int64
	outcome   chan *model.Message
	once      sync.Once
	timer     *time.Timer

	messageID string
	info      *wireInfo
	parts     []model.Part
}

func newPending(sessionID string, nowMS int64) *pendingSend {
	return &pendingSend{
		sessionID: sessionID,
		createdMS: nowMS,
		outcome:   make(chan *model.Message, 1),
	}
}

// resolve delivers the final message; the first caller wins.
func (p *pendingSend) resolve(msg *model.Message) bool {
	won := false
	p.once.Do(func() {
		p.outcome <- msg
		won = true
	})
	return won
}

// resolveSynthetic completes the turn with whatever parts accumulated,
// annotated with errMsg. Used for cancel, timeout, and backend exit. Must
// not be called with the adapter mutex held.
func (p *pendingSend) resolveSynthetic(a *Adapter, errMsg string) {
	a.mu.Lock()
	msgID := p.messageID
	if msgID == "" {
		msgID = a.ids.NewID("msg")
	}
	parts := p.assistantPartsLocked()
	a.mu.Unlock()

	msg := &model.Message{
		ID:        msgID,
		SessionID: p.sessionID,
		Role:      model.RoleAssistant,
		Parts:     parts,
		Time:      model.MessageTime{Created: p.createdMS, Completed: time.Now().UnixMilli()},
		Error:     errMsg,
	}
	if p.resolve(msg) {
		a.bus.Publish(events.Event{
			Topic:      events.TopicMessageUpdated,
			EngineType: a.cfg.EngineType,
			Payload:    events.MessagePayload{Message: *msg},
		})
	}
}

// assistantPartsLocked returns the parts belonging to the adopted assistant
// message, or everything accumulated when no message id is known yet.
// Caller holds the adapter mutex.
func (p *pendingSend) assistantPartsLocked() []model.Part {
	out := make([]model.Part, 0, len(p.parts))
	for _, part := range p.parts {
		if p.messageID == "" || part.MessageID == p.messageID {
			out = append(out, part)
		}
	}
	return out
}

func (p *pendingSend) upsertPartLocked(part model.Part) {
	for i := range p.parts {
		if p.parts[i].ID == part.ID {
			p.parts[i] = part
			return
		}
	}
	p.parts = append(p.parts, part)
}

// handleStreamEvent classifies one frame from the global event stream. It
// runs on the stream goroutine.
func (a *Adapter) handleStreamEvent(eventType string, properties json.RawMessage) {
	switch eventType {
	case "message.part.updated":
		var props struct {
			Part wirePart `json:"part"`
		}
		if err := json.Unmarshal(properties, &props); err != nil {
			return
		}
		a.applyPart(props.Part.toModel())

	case "message.part.delta":
		var delta partDelta
		if err := json.Unmarshal(properties, &delta); err != nil {
			return
		}
		a.applyPartDelta(delta)

	case "message.updated":
		var props struct {
			Info wireInfo `json:"info"`
		}
		if err := json.Unmarshal(properties, &props); err != nil {
			return
		}
		a.applyMessage(props.Info)

	case "session.created", "session.updated":
		var props struct {
			Info wireSession `json:"info"`
		}
		if err := json.Unmarshal(properties, &props); err != nil {
			return
		}
		a.applySession(props.Info)

	case "session.deleted":
		var props struct {
			Info wireSession `json:"info"`
		}
		if err := json.Unmarshal(properties, &props); err != nil {
			return
		}
		a.applySessionDeleted(props.Info)

	case "permission.asked", "permission.updated":
		var perm wirePermission
		if err := json.Unmarshal(properties, &perm); err != nil {
			return
		}
		a.applyPermissionAsked(perm)

	case "permission.replied":
		var props struct {
			PermissionID string `json:"permissionID"`
			SessionID    string `json:"sessionID"`
			Response     string `json:"response"`
		}
		if err := json.Unmarshal(properties, &props); err != nil {
			return
		}
		a.mu.Lock()
		delete(a.permSessions, props.PermissionID)
		a.mu.Unlock()
		a.bus.Publish(events.Event{
			Topic:      events.TopicPermissionReplied,
			EngineType: a.cfg.EngineType,
			Payload: events.PermissionReplyPayload{
				PermissionID: props.PermissionID,
				SessionID:    props.SessionID,
				OptionID:     props.Response,
				Cancelled:    props.Response == "reject" || props.Response == "",
			},
		})

	case "question.asked", "question.replied", "question.rejected":
		a.applyQuestion(eventType, properties)

	default:
		a.log.Debug("Ignoring stream event", "type", eventType)
	}
}

func (a *Adapter) applyPart(part model.Part) {
	a.mu.Lock()
	if a.cancelled[part.SessionID] {
		a.mu.Unlock()
		return
	}
	p := a.pendings[part.SessionID]
	finish := false
	if p != nil {
		p.upsertPartLocked(part)
		if part.Type == model.PartStepFinish && (p.messageID == "" || part.MessageID == p.messageID) {
			finish = true
		}
	}
	a.mu.Unlock()

	a.bus.Publish(events.Event{
		Topic:      events.TopicMessagePartUpdated,
		EngineType: a.cfg.EngineType,
		Payload:    events.PartPayload{Part: part},
	})
	if finish {
		a.finishPending(p)
	}
}

// applyPartDelta appends an incremental field delta to a cached part and
// re-emits it, so clients see progressive text from backends that stream
// field-level deltas.
func (a *Adapter) applyPartDelta(d partDelta) {
	a.mu.Lock()
	if a.cancelled[d.SessionID] {
		a.mu.Unlock()
		return
	}
	p := a.pendings[d.SessionID]
	if p == nil {
		a.mu.Unlock()
		return
	}
	var updated *model.Part
	for i := range p.parts {
		if p.parts[i].ID == d.PartID {
			switch d.Field {
			case "text", "":
				p.parts[i].Text += d.Delta
			case "content":
				p.parts[i].Content += d.Delta
			}
			copied := p.parts[i]
			updated = &copied
			break
		}
	}
	if updated == nil {
		// First delta for a part we never saw whole; start one.
		part := model.Part{
			ID:        d.PartID,
			MessageID: d.MessageID,
			SessionID: d.SessionID,
			Type:      model.PartText,
			Text:      d.Delta,
		}
		p.upsertPartLocked(part)
		updated = &part
	}
	a.mu.Unlock()

	a.bus.Publish(events.Event{
		Topic:      events.TopicMessagePartUpdated,
		EngineType: a.cfg.EngineType,
		Payload:    events.PartPayload{Part: *updated},
	})
}

func (a *Adapter) applyMessage(info wireInfo) {
	a.mu.Lock()
	if a.cancelled[info.SessionID] {
		a.mu.Unlock()
		return
	}
	p := a.pendings[info.SessionID]
	finish := false
	var msg model.Message
	if p != nil && info.Role == string(model.RoleAssistant) {
		p.messageID = info.ID
		copied := info
		p.info = &copied
		if info.Time.Completed != 0 || info.errorText() != "" {
			msg = info.toModel(p.assistantPartsLocked())
			finish = true
		}
	}
	a.mu.Unlock()

	if finish {
		if p.resolve(&msg) {
			a.bus.Publish(events.Event{
				Topic:      events.TopicMessageUpdated,
				EngineType: a.cfg.EngineType,
				Payload:    events.MessagePayload{Message: msg},
			})
		}
		return
	}
	a.bus.Publish(events.Event{
		Topic:      events.TopicMessageUpdated,
		EngineType: a.cfg.EngineType,
		Payload:    events.MessagePayload{Message: info.toModel(nil)},
	})
}

// finishPending resolves a turn signalled complete by a step-finish part.
func (a *Adapter) finishPending(p *pendingSend) {
	a.mu.Lock()
	var msg model.Message
	if p.info != nil {
		msg = p.info.toModel(p.assistantPartsLocked())
		if msg.Time.Completed == 0 {
			msg.Time.Completed = time.Now().UnixMilli()
		}
	} else {
		msgID := p.messageID
		if msgID == "" {
			msgID = a.ids.NewID("msg")
		}
		msg = model.Message{
			ID:        msgID,
			SessionID: p.sessionID,
			Role:      model.RoleAssistant,
			Parts:     p.assistantPartsLocked(),
			Time:      model.MessageTime{Created: p.createdMS, Completed: time.Now().UnixMilli()},
		}
	}
	a.mu.Unlock()

	if p.resolve(&msg) {
		a.bus.Publish(events.Event{
			Topic:      events.TopicMessageUpdated,
			EngineType: a.cfg.EngineType,
			Payload:    events.MessagePayload{Message: msg},
		})
	}
}

// applySession mirrors a session announced on the stream into the cache. A
// session we already know emits session.updated, a new one session.created.
func (a *Adapter) applySession(ws wireSession) {
	sess := ws.toModel(a.cfg.EngineType)
	a.mu.Lock()
	_, known := a.sessions[sess.ID]
	copied := sess
	a.sessions[sess.ID] = &copied
	a.dirs[sess.ID] = sess.Directory
	a.mu.Unlock()

	topic := events.TopicSessionCreated
	if known {
		topic = events.TopicSessionUpdated
	}
	a.bus.Publish(events.Event{
		Topic:      topic,
		EngineType: a.cfg.EngineType,
		Payload:    events.SessionPayload{Session: sess},
	})
}

func (a *Adapter) applySessionDeleted(ws wireSession) {
	sess := ws.toModel(a.cfg.EngineType)
	a.mu.Lock()
	delete(a.sessions, sess.ID)
	delete(a.dirs, sess.ID)
	a.mu.Unlock()
	a.bus.Publish(events.Event{
		Topic:      events.TopicSessionDeleted,
		EngineType: a.cfg.EngineType,
		Payload:    events.SessionPayload{Session: sess},
	})
}

// applyPermissionAsked emits a permission prompt. The REST backend offers a
// fixed response vocabulary rather than per-prompt options.
func (a *Adapter) applyPermissionAsked(w wirePermission) {
	perm := model.Permission{
		ID:         w.ID,
		SessionID:  w.SessionID,
		EngineType: a.cfg.EngineType,
		ToolCallID: w.CallID,
		Title:      w.Title,
		Kind:       model.ToolKindOther,
		RawInput:   w.Metadata,
		Options: []model.PermissionOption{
			{OptionID: "once", Kind: "allow_once", Name: "Allow once"},
			{OptionID: "always", Kind: "allow_always", Name: "Always allow"},
			{OptionID: "reject", Kind: "reject_once", Name: "Reject"},
		},
	}
	a.mu.Lock()
	a.permSessions[perm.ID] = perm.SessionID
	a.mu.Unlock()
	a.bus.Publish(events.Event{
		Topic:      events.TopicPermissionAsked,
		EngineType: a.cfg.EngineType,
		Payload:    events.PermissionPayload{Permission: perm},
	})
}

// applyQuestion forwards the backend's free-form interactive prompts.
func (a *Adapter) applyQuestion(eventType string, properties json.RawMessage) {
	var props struct {
		ID        string `json:"id"`
		SessionID string `json:"sessionID"`
	}
	_ = json.Unmarshal(properties, &props)
	var body any
	_ = json.Unmarshal(properties, &body)

	topic := events.TopicQuestionAsked
	switch eventType {
	case "question.replied":
		topic = events.TopicQuestionReplied
	case "question.rejected":
		topic = events.TopicQuestionRejected
	}
	a.bus.Publish(events.Event{
		Topic:      topic,
		EngineType: a.cfg.EngineType,
		Payload:    events.QuestionPayload{QuestionID: props.ID, SessionID: props.SessionID, Body: body},
	})
}
