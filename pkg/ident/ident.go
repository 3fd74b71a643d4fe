// Package ident generates time-sortable identifiers for messages and parts.
//
// IDs have the shape "{prefix}_{12-hex-ms}{4-hex-counter}{10-hex-random}".
// Byte-wise comparison of two IDs generated by the same process orders them
// by creation time: the millisecond field is the primary key and the counter
// disambiguates IDs minted within the same millisecond. The random suffix
// guards against collisions across processes.
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Generator mints lexicographically ordered IDs. The zero value is not
// usable; use New or NewWithClock.
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	lastMS  int64
	counter uint16
}

// New returns a Generator backed by the wall clock.
func New() *Generator {
	return NewWithClock(time.Now)
}

// NewWithClock returns a Generator with an injectable clock. Tests use this
// to pin the millisecond and exercise the counter path.
func NewWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// NewID returns the next identifier for the given prefix ("msg", "prt", ...).
func (g *Generator) NewID(prefix string) string {
	g.mu.Lock()
	ms := g.now().UnixMilli()
	if ms < g.lastMS {
		// Clock went backwards; hold the last millisecond so ordering
		// of already-issued IDs is preserved.
		ms = g.lastMS
	}
	if ms == g.lastMS {
		g.counter++
	} else {
		g.lastMS = ms
		g.counter = 0
	}
	counter := g.counter
	g.mu.Unlock()

	return fmt.Sprintf("%s_%012x%04x%s", prefix, ms, counter, randomSuffix())
}

// randomSuffix returns 10 hex characters of process-local entropy.
func randomSuffix() string {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// fixed suffix rather than panic in the ID hot path.
		return "0000000000"
	}
	return hex.EncodeToString(b[:])
}

var defaultGenerator = New()

// NewID mints an ID from the process-wide generator.
func NewID(prefix string) string {
	return defaultGenerator.NewID(prefix)
}
