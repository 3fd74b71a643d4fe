package mock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/engine"
	"github.com/agentgate/agentgate/pkg/events"
	"github.com/agentgate/agentgate/pkg/model"
)

func startedAdapter(t *testing.T) (*Adapter, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	a := New(bus)
	require.NoError(t, a.Start(context.Background()))
	return a, bus
}

func TestMock_Lifecycle(t *testing.T) {
	bus := events.NewBus()
	var statuses []string
	bus.Subscribe(func(ev events.Event) {
		if ev.Topic == events.TopicStatusChanged {
			statuses = append(statuses, ev.Payload.(events.StatusPayload).Status)
		}
	})

	a := New(bus)
	assert.Equal(t, engine.StatusStopped, a.Status())
	assert.Error(t, a.HealthCheck(context.Background()))

	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, engine.StatusRunning, a.Status())
	assert.NoError(t, a.HealthCheck(context.Background()))

	// Idempotent start publishes no duplicate status.
	require.NoError(t, a.Start(context.Background()))

	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(t, engine.StatusStopped, a.Status())

	assert.Equal(t, []string{"running", "stopped"}, statuses)
}

func TestMock_CreateSessionRequiresRunning(t *testing.T) {
	a := New(events.NewBus())

	_, err := a.CreateSession(context.Background(), "/work")
	assert.ErrorIs(t, err, engine.ErrNotRunning)
}

func TestMock_CreateSessionPublishesEvent(t *testing.T) {
	a, bus := startedAdapter(t)

	var created []model.Session
	bus.Subscribe(func(ev events.Event) {
		if ev.Topic == events.TopicSessionCreated {
			created = append(created, ev.Payload.(events.SessionPayload).Session)
		}
	})

	sess, err := a.CreateSession(context.Background(), "/work/demo/")
	require.NoError(t, err)
	assert.Equal(t, "/work/demo", sess.Directory)
	assert.Equal(t, EngineType, sess.EngineType)
	assert.Contains(t, sess.Title, "New session - ")

	require.Len(t, created, 1)
	assert.Equal(t, sess.ID, created[0].ID)
}

func TestMock_SendMessageArithmetic(t *testing.T) {
	a, _ := startedAdapter(t)
	sess, err := a.CreateSession(context.Background(), "/work")
	require.NoError(t, err)

	tests := []struct {
		prompt string
		want   string
	}{
		{"2+2", "The answer is 4"},
		{"10 - 3", "The answer is 7"},
		{"6 * 7", "The answer is 42"},
		{"-2 + 5", "The answer is 3"},
	}
	for _, tt := range tests {
		msg, err := a.SendMessage(context.Background(), sess.ID, tt.prompt, engine.SendOptions{})
		require.NoError(t, err)
		require.Len(t, msg.Parts, 1)
		assert.Equal(t, tt.want, msg.Parts[0].Text, "prompt %q", tt.prompt)
	}
}

func TestMock_SendMessageEcho(t *testing.T) {
	a, _ := startedAdapter(t)
	sess, err := a.CreateSession(context.Background(), "/work")
	require.NoError(t, err)

	msg, err := a.SendMessage(context.Background(), sess.ID, "  hello there  ", engine.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.RoleAssistant, msg.Role)
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, "This is a mock response to: hello there", msg.Parts[0].Text)
	assert.NotZero(t, msg.Time.Completed)
}

func TestMock_SendMessageStreamsEvents(t *testing.T) {
	a, bus := startedAdapter(t)
	sess, err := a.CreateSession(context.Background(), "/work")
	require.NoError(t, err)

	var topics []events.Topic
	bus.Subscribe(func(ev events.Event) { topics = append(topics, ev.Topic) })

	_, err = a.SendMessage(context.Background(), sess.ID, "2+2", engine.SendOptions{})
	require.NoError(t, err)

	// user message.updated, streamed part, final assistant message.updated
	assert.Equal(t, []events.Topic{
		events.TopicMessageUpdated,
		events.TopicMessagePartUpdated,
		events.TopicMessageUpdated,
	}, topics)
}

func TestMock_SendMessageUnknownSession(t *testing.T) {
	a, _ := startedAdapter(t)

	_, err := a.SendMessage(context.Background(), "ses_missing", "hi", engine.SendOptions{})
	assert.ErrorIs(t, err, engine.ErrSessionNotFound)
}

func TestMock_ListMessagesTranscript(t *testing.T) {
	a, _ := startedAdapter(t)
	sess, err := a.CreateSession(context.Background(), "/work")
	require.NoError(t, err)

	_, err = a.SendMessage(context.Background(), sess.ID, "2+2", engine.SendOptions{})
	require.NoError(t, err)
	_, err = a.SendMessage(context.Background(), sess.ID, "3+3", engine.SendOptions{})
	require.NoError(t, err)

	msgs, err := a.ListMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, model.RoleUser, msgs[2].Role)
	assert.Equal(t, model.RoleAssistant, msgs[3].Role)
}

func TestMock_DeleteSession(t *testing.T) {
	a, bus := startedAdapter(t)
	sess, err := a.CreateSession(context.Background(), "/work")
	require.NoError(t, err)

	var deleted int
	bus.Subscribe(func(ev events.Event) {
		if ev.Topic == events.TopicSessionDeleted {
			deleted++
		}
	})

	require.NoError(t, a.DeleteSession(context.Background(), sess.ID))
	assert.Equal(t, 1, deleted)

	_, err = a.GetSession(context.Background(), sess.ID)
	assert.ErrorIs(t, err, engine.ErrSessionNotFound)
	assert.ErrorIs(t, a.DeleteSession(context.Background(), sess.ID), engine.ErrSessionNotFound)
}

func TestMock_ListSessionsByDirectory(t *testing.T) {
	a, _ := startedAdapter(t)
	_, err := a.CreateSession(context.Background(), "/work/a")
	require.NoError(t, err)
	_, err = a.CreateSession(context.Background(), "/work/b")
	require.NoError(t, err)

	all, err := a.ListSessions(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyA, err := a.ListSessions(context.Background(), "/work/a/")
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, "/work/a", onlyA[0].Directory)
}

func TestMock_ModelsAndModes(t *testing.T) {
	a, _ := startedAdapter(t)
	sess, err := a.CreateSession(context.Background(), "/work")
	require.NoError(t, err)

	models, err := a.ListModels(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, 2)

	modes, err := a.GetModes(context.Background())
	require.NoError(t, err)
	assert.Len(t, modes, 2)

	assert.NoError(t, a.SetModel(context.Background(), sess.ID, "mock-large"))
	assert.NoError(t, a.SetMode(context.Background(), sess.ID, "autopilot"))
	assert.ErrorIs(t, a.SetModel(context.Background(), "nope", "mock-large"), engine.ErrSessionNotFound)
}

func TestMock_ListProjects(t *testing.T) {
	a, _ := startedAdapter(t)
	_, err := a.CreateSession(context.Background(), "/work/a")
	require.NoError(t, err)
	_, err = a.CreateSession(context.Background(), "/work/a")
	require.NoError(t, err)
	_, err = a.CreateSession(context.Background(), "/work/b")
	require.NoError(t, err)

	projects, err := a.ListProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 2)
}
