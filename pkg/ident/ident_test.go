package ident

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_Shape(t *testing.T) {
	g := New()

	id := g.NewID("msg")

	assert.True(t, strings.HasPrefix(id, "msg_"))
	// prefix + "_" + 12 hex ms + 4 hex counter + 10 hex random
	assert.Len(t, id, len("msg_")+12+4+10)
}

func TestGenerator_Ordering(t *testing.T) {
	g := New()

	prev := g.NewID("msg")
	for i := 0; i < 1000; i++ {
		next := g.NewID("msg")
		require.Less(t, prev, next)
		prev = next
	}
}

func TestGenerator_CounterWithinMillisecond(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	g := NewWithClock(func() time.Time { return fixed })

	a := g.NewID("prt")
	b := g.NewID("prt")
	c := g.NewID("prt")

	// Same millisecond, so the counter field must disambiguate.
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestGenerator_ClockBackwards(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	g := NewWithClock(func() time.Time { return now })

	a := g.NewID("msg")
	now = now.Add(-5 * time.Second)
	b := g.NewID("msg")

	// The generator holds the last millisecond; ordering survives.
	assert.Less(t, a, b)
}

func TestNewID_DefaultGenerator(t *testing.T) {
	a := NewID("ses")
	b := NewID("ses")

	assert.NotEqual(t, a, b)
	assert.Less(t, a, b)
}
