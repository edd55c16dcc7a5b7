package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed    = errors.New("queue is closed")
	ErrLeaseLost = errors.New("task lease lost")

	// ErrLeaseExpired is the cause reported for tasks reclaimed with no attempts left.
	ErrLeaseExpired = errors.New("lease expired")
)

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Policy controls retries and retention of a task.
type Policy struct {
	MaxAttempts       int
	Backoff           BackoffType
	Delay             time.Duration
	DiscardOnComplete bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		Backoff:           BackoffExponential,
		Delay:             time.Second,
		DiscardOnComplete: true,
	}
}

// Task is one delivery of a queued unit of work. Attempt counts deliveries
// including this one.
type Task struct {
	ID             string
	Name           string
	Payload        []byte
	Attempt        int
	Policy         Policy
	LeaseExpiresAt time.Time

	leaseID string
}

// Exhausted reports whether a failure of this delivery is final.
func (t *Task) Exhausted() bool {
	return t.Attempt >= t.Policy.MaxAttempts
}

type DeadLetter struct {
	ID        string
	Name      string
	Payload   []byte
	Attempts  int
	LastError string
	DiedAt    time.Time
}

type Stats struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Dead      int `json:"dead"`
}

// Queue is an at-least-once task queue shared by many consumers.
type Queue interface {
	Enqueue(ctx context.Context, name string, payload []byte, policy Policy) (string, error)
	// Consume blocks until a task is available, ctx is done or the queue closes.
	Consume(ctx context.Context) (*Task, error)
	Ack(ctx context.Context, task *Task) error
	// Fail either reschedules the task after its backoff or, when no attempts
	// remain, moves it to the dead letters and returns true.
	Fail(ctx context.Context, task *Task, cause error) (bool, error)

	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	Stats(ctx context.Context) (Stats, error)
}

const (
	statePending   = "pending"
	stateActive    = "active"
	stateCompleted = "completed"
	stateDead      = "dead"
)

const (
	DefaultLeaseDuration = 5 * time.Minute
	DefaultPollInterval  = 500 * time.Millisecond
)

// DeadHandler is told about tasks the queue dead-letters on its own, that is
// tasks whose last lease expired with no attempts left. Tasks dead-lettered
// through Fail are reported to the caller of Fail instead.
type DeadHandler func(ctx context.Context, task Task, cause error)

type options struct {
	leaseDuration time.Duration
	pollInterval  time.Duration
	reclaimEvery  time.Duration
	now           func() time.Time
	onDead        DeadHandler
}

type Option func(*options)

// WithLeaseDuration sets how long a consumer owns a task before it is
// handed to another consumer.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *options) {
		o.leaseDuration = d
	}
}

// WithPollInterval sets how often idle consumers look for delayed tasks.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

func WithReclaimInterval(d time.Duration) Option {
	return func(o *options) {
		o.reclaimEvery = d
	}
}

func WithDeadHandler(fn DeadHandler) Option {
	return func(o *options) {
		o.onDead = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{
		leaseDuration: DefaultLeaseDuration,
		pollInterval:  DefaultPollInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.onDead == nil {
		o.onDead = func(context.Context, Task, error) {}
	}
	if o.reclaimEvery <= 0 {
		o.reclaimEvery = max(o.leaseDuration/4, 10*time.Millisecond)
	}
	return o
}

func normalizePolicy(p Policy) Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff == "" {
		p.Backoff = BackoffExponential
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// notifier wakes every waiting consumer at once.
type notifier struct {
	ch chan struct{}
}

func newNotifier() notifier {
	return notifier{ch: make(chan struct{})}
}

// broadcast must be called with the owner's lock held.
func (n *notifier) broadcast() {
	close(n.ch)
	n.ch = make(chan struct{})
}
