// Package assembler converts backend streaming deltas into the canonical
// part/message model shared by all adapters.
//
// The assembler is not safe for concurrent use: each adapter owns one
// instance and guards it with its own mutex. Emission goes through the
// events bus; the gateway decouples socket writes from dispatch, so
// publishing from the adapter's reader goroutine stays cheap.
package assembler

import (
	"time"

	"github.com/agentgate/agentgate/pkg/events"
	"github.com/agentgate/agentgate/pkg/ident"
	"github.com/agentgate/agentgate/pkg/model"
)

// Assembler aggregates streaming events into message buffers, one per
// session, plus a separate user buffer used during history replay.
type Assembler struct {
	engineType  string
	ids         *ident.Generator
	bus         *events.Bus
	now         func() time.Time
	suppress    func(sessionID string) bool
	buffers     map[string]*Buffer
	userBuffers map[string]*Buffer
}

// Buffer accumulates one in-flight message.
type Buffer struct {
	SessionID string
	MessageID string
	Role      model.Role

	parts           []model.Part
	textAcc         string
	textPartID      string
	reasoningAcc    string
	reasoningPartID string

	started int64
	tokens  *model.TokenUsage
	cost    float64
	modelID string
	mode    string
}

// New creates an assembler publishing on bus for the given engine type.
func New(engineType string, ids *ident.Generator, bus *events.Bus) *Assembler {
	return &Assembler{
		engineType:  engineType,
		ids:         ids,
		bus:         bus,
		now:         time.Now,
		buffers:     make(map[string]*Buffer),
		userBuffers: make(map[string]*Buffer),
	}
}

// SetClock injects a clock for tests.
func (a *Assembler) SetClock(now func() time.Time) { a.now = now }

// SetSuppress installs a predicate consulted before every emission. Adapters
// use it to silence outbound events while a session replays history.
func (a *Assembler) SetSuppress(fn func(sessionID string) bool) { a.suppress = fn }

// Buffer returns the assistant buffer for a session, creating it (and
// allocating the message id) on first use.
func (a *Assembler) Buffer(sessionID string) *Buffer {
	b, ok := a.buffers[sessionID]
	if !ok {
		b = &Buffer{
			SessionID: sessionID,
			MessageID: a.ids.NewID("msg"),
			Role:      model.RoleAssistant,
			started:   a.now().UnixMilli(),
		}
		a.buffers[sessionID] = b
	}
	return b
}

// Peek returns the assistant buffer if one exists, else nil.
func (a *Assembler) Peek(sessionID string) *Buffer {
	return a.buffers[sessionID]
}

// TextDelta appends to the text accumulator and upserts the text part.
func (a *Assembler) TextDelta(sessionID, delta string) {
	b := a.Buffer(sessionID)
	b.textAcc += delta
	if b.textPartID == "" {
		b.textPartID = a.ids.NewID("prt")
	}
	p := model.Part{
		ID:        b.textPartID,
		MessageID: b.MessageID,
		SessionID: sessionID,
		Type:      model.PartText,
		Text:      b.textAcc,
	}
	b.upsert(p)
	a.emitPart(p)
}

// ReasoningDelta is symmetrical with TextDelta for thought output.
func (a *Assembler) ReasoningDelta(sessionID, delta string) {
	b := a.Buffer(sessionID)
	b.reasoningAcc += delta
	if b.reasoningPartID == "" {
		b.reasoningPartID = a.ids.NewID("prt")
	}
	p := model.Part{
		ID:        b.reasoningPartID,
		MessageID: b.MessageID,
		SessionID: sessionID,
		Type:      model.PartReasoning,
		Text:      b.reasoningAcc,
	}
	b.upsert(p)
	a.emitPart(p)
}

// ToolStart flushes both accumulators and appends a tool part. The prior
// text part stays behind finalised; later text deltas open a fresh part.
func (a *Assembler) ToolStart(sessionID, callID, title string, kind model.ToolKind, normalized, original string, input any, status model.ToolStatus) {
	b := a.Buffer(sessionID)
	b.flushText()
	b.flushReasoning()

	if status != model.ToolPending && status != model.ToolRunning {
		status = model.ToolPending
	}
	state := &model.ToolState{Status: status, Input: input}
	if status == model.ToolRunning {
		state.Time.Start = a.now().UnixMilli()
	}
	p := model.Part{
		ID:           a.ids.NewID("prt"),
		MessageID:    b.MessageID,
		SessionID:    sessionID,
		Type:         model.PartTool,
		CallID:       callID,
		Tool:         normalized,
		OriginalTool: original,
		Title:        title,
		Kind:         kind,
		State:        state,
	}
	b.parts = append(b.parts, p)
	a.emitPart(p)
}

// ToolUpdate locates the tool part by call id and transitions its state.
// Terminal parts are never re-entered; a late update for a completed call is
// dropped.
func (a *Assembler) ToolUpdate(sessionID, callID string, status model.ToolStatus, input, output any, errMsg, diff string, locations []model.Location) {
	b := a.buffers[sessionID]
	if b == nil {
		return
	}
	i := b.toolIndex(callID)
	if i < 0 {
		return
	}
	p := &b.parts[i]
	if p.State != nil && p.State.Status.Terminal() {
		return
	}
	if p.State == nil {
		p.State = &model.ToolState{Status: model.ToolPending}
	}
	st := p.State
	if input != nil {
		st.Input = input
	}
	if diff != "" {
		p.Diff = diff
	}
	if len(locations) > 0 {
		p.Locations = locations
	}
	nowMS := a.now().UnixMilli()
	switch status {
	case model.ToolRunning:
		st.Status = model.ToolRunning
		if st.Time.Start == 0 {
			st.Time.Start = nowMS
		}
	case model.ToolCompleted, model.ToolError:
		st.Status = status
		if st.Time.Start == 0 {
			st.Time.Start = nowMS
		}
		st.Time.End = nowMS
		st.Time.Duration = st.Time.End - st.Time.Start
		st.Output = output
		st.Error = errMsg
	case model.ToolPending:
		// No transition back to pending.
	}
	a.emitPart(*p)
}

// StepStart emits a step-start marker part.
func (a *Assembler) StepStart(sessionID string) {
	b := a.Buffer(sessionID)
	p := model.Part{
		ID:        a.ids.NewID("prt"),
		MessageID: b.MessageID,
		SessionID: sessionID,
		Type:      model.PartStepStart,
	}
	b.parts = append(b.parts, p)
	a.emitPart(p)
}

// StepFinish flushes text and emits a step-finish marker part.
func (a *Assembler) StepFinish(sessionID string) {
	b := a.Buffer(sessionID)
	b.flushText()
	p := model.Part{
		ID:        a.ids.NewID("prt"),
		MessageID: b.MessageID,
		SessionID: sessionID,
		Type:      model.PartStepFinish,
	}
	b.parts = append(b.parts, p)
	a.emitPart(p)
}

// SetMeta records token/cost/model/mode annotations for the final message.
func (a *Assembler) SetMeta(sessionID string, tokens *model.TokenUsage, cost float64, modelID, mode string) {
	b := a.Buffer(sessionID)
	if tokens != nil {
		b.tokens = tokens
	}
	if cost != 0 {
		b.cost = cost
	}
	if modelID != "" {
		b.modelID = modelID
	}
	if mode != "" {
		b.mode = mode
	}
}

// Finalize completes the in-flight message for a session: flushes both
// accumulators, forces any non-terminal tool part to completed with a nil
// output, stamps the completion time, emits the final message.updated, and
// discards the buffer. Idempotent: returns nil when no buffer exists.
func (a *Assembler) Finalize(sessionID, errMsg string) *model.Message {
	b := a.buffers[sessionID]
	if b == nil {
		return nil
	}
	delete(a.buffers, sessionID)
	return a.finalize(b, errMsg)
}

// FinalizeAll finalises every open buffer, assistant and user alike. Used on
// process exit so no turn is left dangling.
func (a *Assembler) FinalizeAll(errMsg string) []*model.Message {
	var out []*model.Message
	for sid := range a.buffers {
		if m := a.Finalize(sid, errMsg); m != nil {
			out = append(out, m)
		}
	}
	for sid := range a.userBuffers {
		if m := a.FlushUser(sid); m != nil {
			out = append(out, m)
		}
	}
	return out
}

func (a *Assembler) finalize(b *Buffer, errMsg string) *model.Message {
	b.flushText()
	b.flushReasoning()

	nowMS := a.now().UnixMilli()
	for i := range b.parts {
		p := &b.parts[i]
		if p.Type != model.PartTool || p.State == nil || p.State.Status.Terminal() {
			continue
		}
		p.State.Status = model.ToolCompleted
		p.State.Output = nil
		if p.State.Time.Start == 0 {
			p.State.Time.Start = nowMS
		}
		p.State.Time.End = nowMS
		p.State.Time.Duration = p.State.Time.End - p.State.Time.Start
	}

	msg := &model.Message{
		ID:        b.MessageID,
		SessionID: b.SessionID,
		Role:      b.Role,
		Parts:     b.parts,
		Time:      model.MessageTime{Created: b.started, Completed: nowMS},
		Tokens:    b.tokens,
		Cost:      b.cost,
		ModelID:   b.modelID,
		Mode:      b.mode,
		Error:     errMsg,
	}
	if msg.Parts == nil {
		msg.Parts = []model.Part{}
	}
	a.emitMessage(*msg)
	return msg
}

// UserDelta accumulates a prior user turn streamed during history replay.
func (a *Assembler) UserDelta(sessionID, delta string) {
	b, ok := a.userBuffers[sessionID]
	if !ok {
		b = &Buffer{
			SessionID: sessionID,
			MessageID: a.ids.NewID("msg"),
			Role:      model.RoleUser,
			started:   a.now().UnixMilli(),
		}
		a.userBuffers[sessionID] = b
	}
	b.textAcc += delta
	if b.textPartID == "" {
		b.textPartID = a.ids.NewID("prt")
	}
	b.upsert(model.Part{
		ID:        b.textPartID,
		MessageID: b.MessageID,
		SessionID: sessionID,
		Type:      model.PartText,
		Text:      b.textAcc,
	})
}

// HasUser reports whether a user replay buffer is open for the session.
func (a *Assembler) HasUser(sessionID string) bool {
	return a.userBuffers[sessionID] != nil
}

// FlushUser finalises the user replay buffer, if any. User messages never
// stream to clients, so no part events are emitted along the way.
func (a *Assembler) FlushUser(sessionID string) *model.Message {
	b := a.userBuffers[sessionID]
	if b == nil {
		return nil
	}
	delete(a.userBuffers, sessionID)
	return a.finalize(b, "")
}

func (a *Assembler) emitPart(p model.Part) {
	if a.suppress != nil && a.suppress(p.SessionID) {
		return
	}
	a.bus.Publish(events.Event{
		Topic:      events.TopicMessagePartUpdated,
		EngineType: a.engineType,
		Payload:    events.PartPayload{Part: p},
	})
}

func (a *Assembler) emitMessage(m model.Message) {
	if a.suppress != nil && a.suppress(m.SessionID) {
		return
	}
	a.bus.Publish(events.Event{
		Topic:      events.TopicMessageUpdated,
		EngineType: a.engineType,
		Payload:    events.MessagePayload{Message: m},
	})
}

// flushText leaves the current text part behind finalised and resets the
// accumulator so the next delta opens a fresh part.
func (b *Buffer) flushText() {
	b.textPartID = ""
	b.textAcc = ""
}

func (b *Buffer) flushReasoning() {
	b.reasoningPartID = ""
	b.reasoningAcc = ""
}

func (b *Buffer) upsert(p model.Part) {
	for i := range b.parts {
		if b.parts[i].ID == p.ID {
			b.parts[i] = p
			return
		}
	}
	b.parts = append(b.parts, p)
}

func (b *Buffer) toolIndex(callID string) int {
	for i := range b.parts {
		if b.parts[i].Type == model.PartTool && b.parts[i].CallID == callID {
			return i
		}
	}
	return -1
}

// Parts returns a copy of the accumulated parts, including the in-progress
// text/reasoning accumulators. Used to build the synthetic message when a
// turn is cancelled.
func (b *Buffer) Parts() []model.Part {
	out := make([]model.Part, len(b.parts))
	copy(out, b.parts)
	return out
}
