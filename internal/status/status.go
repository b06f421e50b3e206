// Package status aggregates the loading/error state of every subscription
// and request path into a single observable value for the presentation layer.
package status

import (
	"errors"
	"sync"

	"github.com/dlemos/pchat/internal/bus"
	"github.com/dlemos/pchat/internal/remote"
)

// Source identifies which part of the engine a status report comes from.
type Source string

const (
	SourceAuth    Source = "auth"
	SourceProfile Source = "profile"
	SourceRoster  Source = "roster"
	SourceThread  Source = "thread"
)

// State is the coarse condition of a source.
type State string

const (
	Idle    State = "IDLE"
	Loading State = "LOADING"
	Failed  State = "ERROR"
)

// Status is the state of one source, or the aggregate of all of them.
type Status struct {
	State State
	Err   error
}

type record struct {
	status Status
	seq    uint64
}

// Tracker records per-source status and derives the aggregate. When several
// sources are failing at once the most recently reported error wins, because
// the presentation layer surfaces one error at a time.
type Tracker struct {
	mu      sync.Mutex
	sources map[Source]record
	seq     uint64
	bus     *bus.Bus
}

// NewTracker creates a tracker. The bus may be nil in tests.
func NewTracker(b *bus.Bus) *Tracker {
	return &Tracker{
		sources: make(map[Source]record),
		bus:     b,
	}
}

// SetLoading marks a source as waiting for its first snapshot or a retry.
func (t *Tracker) SetLoading(src Source) {
	t.set(src, Status{State: Loading})
}

// SetIdle marks a source as healthy, clearing any previous error.
func (t *Tracker) SetIdle(src Source) {
	t.set(src, Status{State: Idle})
}

// SetError records a failure on a source. Deliberate subscription teardown
// (remote.ErrCanceled) is the expected end of a subscription's life and is
// recorded as idle, not as an error.
func (t *Tracker) SetError(src Source, err error) {
	if err == nil || errors.Is(err, remote.ErrCanceled) {
		t.set(src, Status{State: Idle})
		return
	}
	t.set(src, Status{State: Failed, Err: err})
}

// Source returns the last reported status for one source.
func (t *Tracker) Source(src Source) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.sources[src]
	if !ok {
		return Status{State: Idle}
	}
	return rec.status
}

// Aggregate folds all sources into one status: the most recent error if any
// source is failing, else Loading if any source is loading, else Idle.
func (t *Tracker) Aggregate() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aggregateLocked()
}

// Reset clears every source back to idle. Called at logout so a new session
// never observes the previous session's failures.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.sources = make(map[Source]record)
	agg := t.aggregateLocked()
	t.mu.Unlock()
	t.publish(Change{Aggregate: agg})
}

func (t *Tracker) set(src Source, st Status) {
	t.mu.Lock()
	t.seq++
	t.sources[src] = record{status: st, seq: t.seq}
	agg := t.aggregateLocked()
	t.mu.Unlock()

	t.publish(Change{Source: src, Status: st, Aggregate: agg})
}

func (t *Tracker) aggregateLocked() Status {
	var (
		latestErr    Status
		latestErrSeq uint64
		loading      bool
	)
	for _, rec := range t.sources {
		switch rec.status.State {
		case Failed:
			if rec.seq > latestErrSeq {
				latestErr = rec.status
				latestErrSeq = rec.seq
			}
		case Loading:
			loading = true
		}
	}
	if latestErrSeq > 0 {
		return latestErr
	}
	if loading {
		return Status{State: Loading}
	}
	return Status{State: Idle}
}

func (t *Tracker) publish(c Change) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.KindStatusChanged, c)
}

// Change is the payload for status change events.
type Change struct {
	Source    Source
	Status    Status
	Aggregate Status
}
