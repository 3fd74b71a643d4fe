package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_PublishReachesSubscribers(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Subscribe(func(ev Event) { got = append(got, ev) })

	bus.Publish(Event{Topic: TopicSessionCreated, EngineType: "mock"})
	bus.Publish(Event{Topic: TopicSessionDeleted, EngineType: "mock"})

	assert.Len(t, got, 2)
	assert.Equal(t, TopicSessionCreated, got[0].Topic)
	assert.Equal(t, TopicSessionDeleted, got[1].Topic)
}

func TestBus_SubscriptionOrder(t *testing.T) {
	bus := NewBus()

	var order []int
	bus.Subscribe(func(Event) { order = append(order, 1) })
	bus.Subscribe(func(Event) { order = append(order, 2) })
	bus.Subscribe(func(Event) { order = append(order, 3) })

	bus.Publish(Event{Topic: TopicStatusChanged})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	count := 0
	unsubscribe := bus.Subscribe(func(Event) { count++ })

	bus.Publish(Event{Topic: TopicStatusChanged})
	unsubscribe()
	bus.Publish(Event{Topic: TopicStatusChanged})

	assert.Equal(t, 1, count)
}

func TestBus_UnsubscribeTwiceIsSafe(t *testing.T) {
	bus := NewBus()

	unsubscribe := bus.Subscribe(func(Event) {})
	unsubscribe()
	unsubscribe()

	bus.Publish(Event{Topic: TopicStatusChanged})
}

func TestBus_PublishWithNoSubscribers(t *testing.T) {
	bus := NewBus()
	bus.Publish(Event{Topic: TopicMessageUpdated})
}
