// Package bus is the boundary to the remote storage subsystem. Outbound
// operations are published and identified by a correlation id; inbound
// events report the outcome per correlation id.
package bus

import (
	"context"
	crand "crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

type OperationType string

const (
	OperationStore       OperationType = "STORE"
	OperationReference   OperationType = "REFERENCE"
	OperationDelete      OperationType = "DELETE"
	OperationNotify      OperationType = "NOTIFY"
	OperationPostProcess OperationType = "POST_PROCESS"
)

// Item is one file level unit of an operation. Owner is the archival package
// id the item belongs to.
type Item struct {
	Owner    string `json:"owner"`
	Checksum string `json:"checksum,omitempty"`
	Filename string `json:"filename,omitempty"`
	Storage  string `json:"storage,omitempty"`
	URL      string `json:"url,omitempty"`
	Cause    string `json:"cause,omitempty"`
}

type Operation struct {
	Type        OperationType `json:"type"`
	Tenant      string        `json:"tenant"`
	ProcessorID string        `json:"processor_id,omitempty"`
	Items       []Item        `json:"items"`
}

type LifecycleType string

const (
	LifecycleStored  LifecycleType = "STORED"
	LifecycleDeleted LifecycleType = "DELETED"
)

// Lifecycle is an informational event about a request, published for
// downstream listeners.
type Lifecycle struct {
	Type         LifecycleType `json:"type"`
	Tenant       string        `json:"tenant"`
	RequestID    string        `json:"request_id"`
	Kind         string        `json:"kind"`
	PackageID    string        `json:"package_id,omitempty"`
	SessionOwner string        `json:"session_owner,omitempty"`
	Session      string        `json:"session,omitempty"`
}

// Publisher enqueues outbound messages. Calls join the transaction carried
// by ctx so nothing is sent for rolled back work.
type Publisher interface {
	Publish(ctx context.Context, op Operation) (string, error)
	Cancel(ctx context.Context, correlationIDs []string) error
	Announce(ctx context.Context, events ...Lifecycle) error
}

type EventType string

const (
	EventSuccess EventType = "SUCCESS"
	EventError   EventType = "ERROR"
	EventDenied  EventType = "DENIED"
)

// Event is one inbound outcome. An ERROR event may still carry succeeded
// items whose effects must be kept.
type Event struct {
	ID            int64     `json:"id,omitempty"`
	Type          EventType `json:"type"`
	CorrelationID string    `json:"correlation_id"`
	Succeeded     []Item    `json:"succeeded,omitempty"`
	Failed        []Item    `json:"failed,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"-"`
}

// Causes lists the failure causes of the failed items, falling back to the
// event reason.
func (e Event) Causes() []string {
	causes := make([]string, 0, len(e.Failed))
	for _, item := range e.Failed {
		cause := item.Cause
		if cause == "" {
			cause = "failed"
		}
		causes = append(causes, item.Filename+": "+cause)
	}
	if len(causes) == 0 && e.Reason != "" {
		causes = append(causes, e.Reason)
	}
	return causes
}

// Handler applies an event inside the consumer's transaction. The returned
// func, when not nil, runs once that transaction has committed.
type Handler interface {
	Consume(ctx context.Context, event Event) (func(), error)
}

type HandlerFunc func(ctx context.Context, event Event) (func(), error)

func (f HandlerFunc) Consume(ctx context.Context, event Event) (func(), error) {
	return f(ctx, event)
}

// Inbox is the durable queue of inbound events.
type Inbox interface {
	Deliver(ctx context.Context, event Event) (int64, error)
	// Claim locks up to limit available events for the current transaction.
	Claim(ctx context.Context, limit int) ([]Event, error)
	Ack(ctx context.Context, id int64) error
	// Retry makes the event available again after delay and counts the attempt.
	Retry(ctx context.Context, id int64, reason string, delay time.Duration) error
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(crand.Reader, 0)
)

// NewCorrelationID returns a time ordered correlation id.
func NewCorrelationID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
