// Package notify delivers approval workflow events to admins and requesters.
// Delivery is asynchronous and best-effort; nothing here can fail a state
// transition that already committed.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event types.
const (
	ApprovalRequested = "approval.requested"
	ApprovalApproved  = "approval.approved"
	ApprovalRejected  = "approval.rejected"
	ApprovalExpired   = "approval.expired"
)

// Event is the payload handed to every sink.
type Event struct {
	Type        string         `json:"event_type"`
	RequestID   string         `json:"request_id"`
	CommandID   string         `json:"command_id"`
	RequesterID string         `json:"requester_id"`
	Recipients  []string       `json:"recipients"`
	OccurredAt  string         `json:"occurred_at"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Port is what the engine publishes to. Publish must not block on delivery.
type Port interface {
	Publish(evt Event)
}

// Sink delivers one event to one transport.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt Event) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, evt Event) error

func (f SinkFunc) Name() string                                 { return "func" }
func (f SinkFunc) Deliver(ctx context.Context, evt Event) error { return f(ctx, evt) }

// ErrClosed is returned by TryPublish after Close.
var ErrClosed = errors.New("notify: dispatcher closed")

// ErrQueueFull is returned by TryPublish when the buffer is full.
var ErrQueueFull = errors.New("notify: queue full")

const defaultDeliveryTimeout = 10 * time.Second

// Dispatcher fans events out to sinks from a bounded queue drained by a
// fixed worker pool.
type Dispatcher struct {
	sinks       []Sink
	log         zerolog.Logger
	queue       chan Event
	timeout     time.Duration
	onDelivered func(ctx context.Context, evt Event)

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

// WithDeliveryTimeout bounds each sink call.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(x *Dispatcher) { x.timeout = d }
}

// OnDelivered registers a callback run after at least one sink accepted evt.
func OnDelivered(fn func(ctx context.Context, evt Event)) Option {
	return func(x *Dispatcher) { x.onDelivered = fn }
}

// NewDispatcher starts workers goroutines draining a queue of queueSize events.
func NewDispatcher(log zerolog.Logger, workers, queueSize int, sinks []Sink, opts ...Option) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	d := &Dispatcher{
		sinks:   sinks,
		log:     log.With().Str("component", "notify").Logger(),
		queue:   make(chan Event, queueSize),
		timeout: defaultDeliveryTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// Publish enqueues evt, dropping it with a warning when the queue is full.
func (d *Dispatcher) Publish(evt Event) {
	if err := d.TryPublish(evt); err != nil {
		d.log.Warn().Err(err).Str("event_type", evt.Type).Str("request_id", evt.RequestID).Msg("notification dropped")
	}
}

// TryPublish enqueues evt without blocking.
func (d *Dispatcher) TryPublish(evt Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- evt:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for evt := range d.queue {
		d.deliver(evt)
	}
}

func (d *Dispatcher) deliver(evt Event) {
	delivered := false
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := sink.Deliver(ctx, evt)
		cancel()
		if err != nil {
			d.log.Warn().Err(err).
				Str("sink", sink.Name()).
				Str("event_type", evt.Type).
				Str("request_id", evt.RequestID).
				Msg("notification delivery failed (non-fatal)")
			continue
		}
		delivered = true
	}
	if delivered && d.onDelivered != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		d.onDelivered(ctx, evt)
		cancel()
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Deliver(_ context.Context, evt Event) error {
	s.Log.Info().
		Str("event_type", evt.Type).
		Str("request_id", evt.RequestID).
		Str("command_id", evt.CommandID).
		Strs("recipients", evt.Recipients).
		Msg("notification")
	return nil
}
