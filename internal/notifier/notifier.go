// Package notifier reports per session progress counters.
package notifier

import (
	"sync"

	"github.com/vin-jex/archive-orchestrator/internal/request"
)

type Notifier interface {
	IncrementPending(kind request.Kind, owner, session string, count int)
	DecrementPending(kind request.Kind, owner, session string, count int)
	IncrementError(kind request.Kind, owner, session string, count int)
	DecrementError(kind request.Kind, owner, session string, count int)
	IncrementSuccess(kind request.Kind, owner, session string, count int)
}

type Counter string

const (
	Pending Counter = "pending"
	Errors  Counter = "error"
	Success Counter = "success"
)

type change struct {
	counter Counter
	kind    request.Kind
	owner   string
	session string
	delta   int
}

// Effects buffers counter changes made inside a transaction. Flush them
// only once the transaction committed.
type Effects struct {
	changes []change
}

func (e *Effects) add(counter Counter, r *request.Request, delta int) {
	if e == nil || !r.HasSession() {
		return
	}
	e.changes = append(e.changes, change{
		counter: counter,
		kind:    r.Kind,
		owner:   r.SessionOwner,
		session: r.Session,
		delta:   delta,
	})
}

func (e *Effects) IncrementPending(r *request.Request) { e.add(Pending, r, 1) }
func (e *Effects) DecrementPending(r *request.Request) { e.add(Pending, r, -1) }
func (e *Effects) IncrementError(r *request.Request)   { e.add(Errors, r, 1) }
func (e *Effects) DecrementError(r *request.Request)   { e.add(Errors, r, -1) }
func (e *Effects) IncrementSuccess(r *request.Request) { e.add(Success, r, 1) }

// Failed is the usual bookkeeping of a request that just went to ERROR.
func (e *Effects) Failed(r *request.Request) {
	e.DecrementPending(r)
	e.IncrementError(r)
}

// Succeeded is the bookkeeping of a request that just finished.
func (e *Effects) Succeeded(r *request.Request) {
	e.DecrementPending(r)
	e.IncrementSuccess(r)
}

// Reset drops buffered changes, used when a transaction is retried.
func (e *Effects) Reset() {
	e.changes = nil
}

// Flush sends the aggregated changes to n and empties the buffer.
func (e *Effects) Flush(n Notifier) {
	type key struct {
		counter Counter
		kind    request.Kind
		owner   string
		session string
	}

	totals := map[key]int{}
	var order []key
	for _, c := range e.changes {
		k := key{c.counter, c.kind, c.owner, c.session}
		if _, ok := totals[k]; !ok {
			order = append(order, k)
		}
		totals[k] += c.delta
	}
	e.changes = nil

	for _, k := range order {
		delta := totals[k]
		switch {
		case delta == 0:
		case k.counter == Pending && delta > 0:
			n.IncrementPending(k.kind, k.owner, k.session, delta)
		case k.counter == Pending:
			n.DecrementPending(k.kind, k.owner, k.session, -delta)
		case k.counter == Errors && delta > 0:
			n.IncrementError(k.kind, k.owner, k.session, delta)
		case k.counter == Errors:
			n.DecrementError(k.kind, k.owner, k.session, -delta)
		case k.counter == Success && delta > 0:
			n.IncrementSuccess(k.kind, k.owner, k.session, delta)
		}
	}
}

// Recorder keeps counters in memory.
type Recorder struct {
	mu     sync.Mutex
	values map[string]int
	calls  int
}

func NewRecorder() *Recorder {
	return &Recorder{values: map[string]int{}}
}

func recorderKey(counter Counter, kind request.Kind, owner, session string) string {
	return string(counter) + "/" + string(kind) + "/" + owner + "/" + session
}

func (r *Recorder) bump(counter Counter, kind request.Kind, owner, session string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[recorderKey(counter, kind, owner, session)] += delta
	r.calls++
}

func (r *Recorder) IncrementPending(kind request.Kind, owner, session string, count int) {
	r.bump(Pending, kind, owner, session, count)
}

func (r *Recorder) DecrementPending(kind request.Kind, owner, session string, count int) {
	r.bump(Pending, kind, owner, session, -count)
}

func (r *Recorder) IncrementError(kind request.Kind, owner, session string, count int) {
	r.bump(Errors, kind, owner, session, count)
}

func (r *Recorder) DecrementError(kind request.Kind, owner, session string, count int) {
	r.bump(Errors, kind, owner, session, -count)
}

func (r *Recorder) IncrementSuccess(kind request.Kind, owner, session string, count int) {
	r.bump(Success, kind, owner, session, count)
}

// Value returns the current total of one counter.
func (r *Recorder) Value(counter Counter, kind request.Kind, owner, session string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[recorderKey(counter, kind, owner, session)]
}

// Calls counts every notification received.
func (r *Recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
