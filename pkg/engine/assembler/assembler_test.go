package assembler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/events"
	"github.com/agentgate/agentgate/pkg/ident"
	"github.com/agentgate/agentgate/pkg/model"
)

func newTestAssembler() (*Assembler, *[]events.Event) {
	bus := events.NewBus()
	var got []events.Event
	bus.Subscribe(func(ev events.Event) { got = append(got, ev) })
	return New("mock", ident.New(), bus), &got
}

func TestAssembler_TextDeltaAccumulates(t *testing.T) {
	asm, emitted := newTestAssembler()

	asm.TextDelta("ses_1", "Hello")
	asm.TextDelta("ses_1", ", world")

	require.Len(t, *emitted, 2)
	first := (*emitted)[0].Payload.(events.PartPayload).Part
	second := (*emitted)[1].Payload.(events.PartPayload).Part

	assert.Equal(t, "Hello", first.Text)
	assert.Equal(t, "Hello, world", second.Text)
	// Same part re-emitted, not a new one per delta.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.PartText, second.Type)
}

func TestAssembler_ReasoningSeparateFromText(t *testing.T) {
	asm, _ := newTestAssembler()

	asm.ReasoningDelta("ses_1", "thinking...")
	asm.TextDelta("ses_1", "answer")

	msg := asm.Finalize("ses_1", "")
	require.NotNil(t, msg)
	require.Len(t, msg.Parts, 2)
	assert.Equal(t, model.PartReasoning, msg.Parts[0].Type)
	assert.Equal(t, model.PartText, msg.Parts[1].Type)
}

func TestAssembler_ToolStartFlushesText(t *testing.T) {
	asm, _ := newTestAssembler()

	asm.TextDelta("ses_1", "before tool")
	asm.ToolStart("ses_1", "call_1", "Read File", model.ToolKindRead, "read", "Read File", nil, model.ToolRunning)
	asm.TextDelta("ses_1", "after tool")

	msg := asm.Finalize("ses_1", "")
	require.NotNil(t, msg)
	require.Len(t, msg.Parts, 3)
	assert.Equal(t, "before tool", msg.Parts[0].Text)
	assert.Equal(t, model.PartTool, msg.Parts[1].Type)
	assert.Equal(t, "after tool", msg.Parts[2].Text)
	// The two text parts are distinct.
	assert.NotEqual(t, msg.Parts[0].ID, msg.Parts[2].ID)
}

func TestAssembler_ToolLifecycle(t *testing.T) {
	asm, _ := newTestAssembler()

	asm.ToolStart("ses_1", "call_1", "Run Command", model.ToolKindOther, "bash", "Run Command", map[string]any{"cmd": "ls"}, model.ToolPending)
	asm.ToolUpdate("ses_1", "call_1", model.ToolRunning, nil, nil, "", "", nil)
	asm.ToolUpdate("ses_1", "call_1", model.ToolCompleted, nil, "file.txt", "", "", nil)

	b := asm.Peek("ses_1")
	require.NotNil(t, b)
	parts := b.Parts()
	require.Len(t, parts, 1)
	state := parts[0].State
	require.NotNil(t, state)
	assert.Equal(t, model.ToolCompleted, state.Status)
	assert.Equal(t, "file.txt", state.Output)
	assert.NotZero(t, state.Time.Start)
	assert.NotZero(t, state.Time.End)
}

func TestAssembler_ToolUpdateAfterTerminalIsDropped(t *testing.T) {
	asm, _ := newTestAssembler()

	asm.ToolStart("ses_1", "call_1", "Edit", model.ToolKindEdit, "edit", "Edit", nil, model.ToolRunning)
	asm.ToolUpdate("ses_1", "call_1", model.ToolCompleted, nil, "done", "", "", nil)
	asm.ToolUpdate("ses_1", "call_1", model.ToolError, nil, "late failure", "boom", "", nil)

	parts := asm.Peek("ses_1").Parts()
	require.Len(t, parts, 1)
	assert.Equal(t, model.ToolCompleted, parts[0].State.Status)
	assert.Equal(t, "done", parts[0].State.Output)
}

func TestAssembler_ToolUpdateUnknownCallIgnored(t *testing.T) {
	asm, emitted := newTestAssembler()

	asm.ToolUpdate("ses_1", "nope", model.ToolCompleted, nil, nil, "", "", nil)

	assert.Empty(t, *emitted)
	assert.Nil(t, asm.Peek("ses_1"))
}

func TestAssembler_FinalizeCompletesDanglingTools(t *testing.T) {
	asm, _ := newTestAssembler()

	asm.ToolStart("ses_1", "call_1", "Search", model.ToolKindRead, "search", "Search", nil, model.ToolRunning)

	msg := asm.Finalize("ses_1", "")
	require.NotNil(t, msg)
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, model.ToolCompleted, msg.Parts[0].State.Status)
	assert.Nil(t, msg.Parts[0].State.Output)
}

func TestAssembler_FinalizeIdempotent(t *testing.T) {
	asm, _ := newTestAssembler()

	asm.TextDelta("ses_1", "hi")
	first := asm.Finalize("ses_1", "")
	second := asm.Finalize("ses_1", "")

	assert.NotNil(t, first)
	assert.Nil(t, second)
}

func TestAssembler_FinalizeCarriesError(t *testing.T) {
	asm, emitted := newTestAssembler()

	asm.TextDelta("ses_1", "partial")
	msg := asm.Finalize("ses_1", "Cancelled")

	require.NotNil(t, msg)
	assert.Equal(t, "Cancelled", msg.Error)
	assert.NotZero(t, msg.Time.Completed)

	last := (*emitted)[len(*emitted)-1]
	assert.Equal(t, events.TopicMessageUpdated, last.Topic)
	assert.Equal(t, "Cancelled", last.Payload.(events.MessagePayload).Message.Error)
}

func TestAssembler_FinalizeEmptyBufferHasEmptyParts(t *testing.T) {
	asm, _ := newTestAssembler()

	asm.Buffer("ses_1")
	msg := asm.Finalize("ses_1", "Message timeout")

	require.NotNil(t, msg)
	assert.NotNil(t, msg.Parts)
	assert.Empty(t, msg.Parts)
	assert.Equal(t, "Message timeout", msg.Error)
}

func TestAssembler_SetMeta(t *testing.T) {
	asm, _ := newTestAssembler()

	asm.TextDelta("ses_1", "text")
	asm.SetMeta("ses_1", &model.TokenUsage{Input: 10, Output: 20}, 0.05, "gpt-x", "build")

	msg := asm.Finalize("ses_1", "")
	require.NotNil(t, msg)
	require.NotNil(t, msg.Tokens)
	assert.Equal(t, 10, msg.Tokens.Input)
	assert.Equal(t, 0.05, msg.Cost)
	assert.Equal(t, "gpt-x", msg.ModelID)
	assert.Equal(t, "build", msg.Mode)
}

func TestAssembler_SuppressSilencesEmission(t *testing.T) {
	asm, emitted := newTestAssembler()
	asm.SetSuppress(func(sessionID string) bool { return sessionID == "ses_quiet" })

	asm.TextDelta("ses_quiet", "replayed")
	asm.TextDelta("ses_live", "streamed")

	require.Len(t, *emitted, 1)
	assert.Equal(t, "ses_live", (*emitted)[0].Payload.(events.PartPayload).Part.SessionID)
}

func TestAssembler_UserReplayBuffer(t *testing.T) {
	asm, emitted := newTestAssembler()
	asm.SetSuppress(func(string) bool { return true })

	asm.UserDelta("ses_1", "what is ")
	asm.UserDelta("ses_1", "2+2?")
	assert.True(t, asm.HasUser("ses_1"))

	msg := asm.FlushUser("ses_1")
	require.NotNil(t, msg)
	assert.Equal(t, model.RoleUser, msg.Role)
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, "what is 2+2?", msg.Parts[0].Text)
	assert.False(t, asm.HasUser("ses_1"))
	assert.Empty(t, *emitted)

	// Second flush finds nothing.
	assert.Nil(t, asm.FlushUser("ses_1"))
}

func TestAssembler_FinalizeAll(t *testing.T) {
	asm, _ := newTestAssembler()
	asm.SetSuppress(func(string) bool { return true })

	asm.TextDelta("ses_1", "a")
	asm.TextDelta("ses_2", "b")
	asm.UserDelta("ses_3", "c")

	out := asm.FinalizeAll("Backend exited unexpectedly")
	assert.Len(t, out, 3)
	for _, m := range out {
		if m.Role == model.RoleAssistant {
			assert.Equal(t, "Backend exited unexpectedly", m.Error)
		}
	}
	assert.Nil(t, asm.Peek("ses_1"))
	assert.Nil(t, asm.Peek("ses_2"))
	assert.False(t, asm.HasUser("ses_3"))
}

func TestAssembler_StepMarkers(t *testing.T) {
	asm, _ := newTestAssembler()
	asm.SetClock(func() time.Time { return time.UnixMilli(1700000000000) })

	asm.StepStart("ses_1")
	asm.TextDelta("ses_1", "step body")
	asm.StepFinish("ses_1")
	asm.TextDelta("ses_1", "next step")

	msg := asm.Finalize("ses_1", "")
	require.NotNil(t, msg)
	require.Len(t, msg.Parts, 4)
	assert.Equal(t, model.PartStepStart, msg.Parts[0].Type)
	assert.Equal(t, model.PartStepFinish, msg.Parts[2].Type)
	assert.Equal(t, "next step", msg.Parts[3].Text)
	assert.Equal(t, int64(1700000000000), msg.Time.Created)
}
