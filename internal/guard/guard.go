// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package guard

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultStaleAfter is the age after which a marker may be reclaimed.
const DefaultStaleAfter = 300 * time.Second

type marker struct {
	started time.Time
}

// Lease is proof of an admitted request. Pass it back to Release.
type Lease struct {
	participant int64
	marker      *marker
	released    atomic.Bool
}

// Participant returns the participant the lease was granted to.
func (l *Lease) Participant() int64 {
	return l.participant
}

// Started returns the time the lease was granted.
func (l *Lease) Started() time.Time {
	return l.marker.started
}

// Guard tracks in-flight markers. The zero value is not usable; use New.
type Guard struct {
	markers    sync.Map // int64 -> *marker
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	reclaimed  atomic.Int64
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithLogger sets the logger used for reclaim events.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// New creates a guard. A non-positive staleAfter uses DefaultStaleAfter.
func New(staleAfter time.Duration, opts ...Option) *Guard {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	g := &Guard{
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TryAcquire admits a request for participant when no marker exists or the
// existing marker is stale. The check and the write are a single atomic
// step, so two concurrent callers never both succeed for one participant.
func (g *Guard) TryAcquire(participant int64) (*Lease, bool) {
	m := &marker{started: g.now()}

	for {
		actual, loaded := g.markers.LoadOrStore(participant, m)
		if !loaded {
			return &Lease{participant: participant, marker: m}, true
		}

		old := actual.(*marker)
		age := m.started.Sub(old.started)
		if age < g.staleAfter {
			return nil, false
		}
		if g.markers.CompareAndSwap(participant, old, m) {
			g.reclaimed.Add(1)
			g.logger.Warn("reclaimed stale in-flight marker",
				"participant", participant,
				"age", age.Round(time.Second))
			return &Lease{participant: participant, marker: m}, true
		}
		// Another caller replaced or released the marker; look again.
	}
}

// Release clears the lease's marker. Releasing twice, or releasing a lease
// whose marker was reclaimed by a newer request, leaves the newer marker
// untouched.
func (g *Guard) Release(l *Lease) {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	g.markers.CompareAndDelete(l.participant, l.marker)
}

// Reset clears any marker for participant regardless of age.
func (g *Guard) Reset(participant int64) {
	g.markers.Delete(participant)
}

// Busy reports whether participant currently holds a fresh marker.
func (g *Guard) Busy(participant int64) bool {
	v, ok := g.markers.Load(participant)
	if !ok {
		return false
	}
	return g.now().Sub(v.(*marker).started) < g.staleAfter
}

// InFlight returns the number of markers currently held, stale included.
func (g *Guard) InFlight() int {
	n := 0
	g.markers.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Reclaimed returns how many stale markers have been reclaimed.
func (g *Guard) Reclaimed() int64 {
	return g.reclaimed.Load()
}

// StaleAfter returns the configured staleness threshold.
func (g *Guard) StaleAfter() time.Duration {
	return g.staleAfter
}
