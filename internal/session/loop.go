package session

import "sync"

// Loop is the single sequencing context for all reconciliation. Subscription
// callbacks post closures here instead of mutating synchronizer state
// directly, so replace-on-delta operations never interleave and no
// synchronizer needs its own lock for reconciled views.
type Loop struct {
	ch   chan func()
	done chan struct{}
	once sync.Once
}

// NewLoop creates and starts a sequencing loop.
func NewLoop() *Loop {
	l := &Loop{
		ch:   make(chan func(), 256),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case fn := <-l.ch:
			fn()
		case <-l.done:
			return
		}
	}
}

// Post schedules fn on the loop. Posts after Close are discarded.
func (l *Loop) Post(fn func()) {
	select {
	case l.ch <- fn:
	case <-l.done:
	}
}

// Flush blocks until every closure posted before it has run. Returns
// immediately if the loop is closed. Intended for tests and shutdown.
func (l *Loop) Flush() {
	ran := make(chan struct{})
	select {
	case l.ch <- func() { close(ran) }:
	case <-l.done:
		return
	}
	select {
	case <-ran:
	case <-l.done:
	}
}

// Close stops the loop. Idempotent.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.done) })
}
