package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Queue = (*MemoryQueue)(nil)

type memoryTask struct {
	task        Task
	state       string
	seq         uint64
	availableAt time.Time
	lastError   string
	updatedAt   time.Time
}

// MemoryQueue keeps tasks in process memory. It follows the same delivery
// rules as SQLiteQueue but loses everything on restart.
type MemoryQueue struct {
	opts options

	mu     sync.Mutex
	tasks  map[string]*memoryTask
	seq    uint64
	wake   notifier
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMemoryQueue(opts ...Option) *MemoryQueue {
	return &MemoryQueue{
		opts:  buildOptions(opts),
		tasks: make(map[string]*memoryTask),
		wake:  newNotifier(),
	}
}

// Start runs the lease reclaim loop until Close.
func (q *MemoryQueue) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		reclaimLoop(ctx, q.opts.reclaimEvery, q.Reclaim)
	}()
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.wake.broadcast()
	}
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	return nil
}

func (q *MemoryQueue) Enqueue(_ context.Context, name string, payload []byte, policy Policy) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}

	now := q.opts.now()
	id := uuid.NewString()
	q.seq++
	q.tasks[id] = &memoryTask{
		task: Task{
			ID:      id,
			Name:    name,
			Payload: append([]byte(nil), payload...),
			Policy:  normalizePolicy(policy),
		},
		state:       statePending,
		seq:         q.seq,
		availableAt: now,
		updatedAt:   now,
	}
	q.wake.broadcast()

	return id, nil
}

func (q *MemoryQueue) Consume(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		task := q.claimLocked()
		wake := q.wake.ch
		q.mu.Unlock()

		if task != nil {
			return task, nil
		}

		timer := time.NewTimer(q.opts.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *MemoryQueue) claimLocked() *Task {
	now := q.opts.now()

	var next *memoryTask
	for _, t := range q.tasks {
		if t.state != statePending || t.availableAt.After(now) {
			continue
		}
		if next == nil || t.availableAt.Before(next.availableAt) ||
			(t.availableAt.Equal(next.availableAt) && t.seq < next.seq) {
			next = t
		}
	}
	if next == nil {
		return nil
	}

	next.state = stateActive
	next.task.Attempt++
	next.task.leaseID = uuid.NewString()
	next.task.LeaseExpiresAt = now.Add(q.opts.leaseDuration)
	next.updatedAt = now

	delivered := next.task
	delivered.Payload = append([]byte(nil), next.task.Payload...)
	return &delivered
}

// lookupLocked returns the stored task only while task still holds its lease.
func (q *MemoryQueue) lookupLocked(task *Task) (*memoryTask, error) {
	t, ok := q.tasks[task.ID]
	if !ok || t.state != stateActive || t.task.leaseID != task.leaseID {
		return nil, ErrLeaseLost
	}
	return t, nil
}

func (q *MemoryQueue) Ack(_ context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.lookupLocked(task)
	if err != nil {
		return err
	}

	if t.task.Policy.DiscardOnComplete {
		delete(q.tasks, task.ID)
		return nil
	}

	t.state = stateCompleted
	t.task.leaseID = ""
	t.updatedAt = q.opts.now()
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, task *Task, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.lookupLocked(task)
	if err != nil {
		return false, err
	}

	now := q.opts.now()
	t.task.leaseID = ""
	t.updatedAt = now
	if cause != nil {
		t.lastError = cause.Error()
	}

	if t.task.Exhausted() {
		t.state = stateDead
		return true, nil
	}

	t.state = statePending
	t.availableAt = now.Add(CalculateBackoff(t.task.Policy, t.task.Attempt))
	q.wake.broadcast()
	return false, nil
}

// Reclaim releases tasks whose lease expired, dead-lettering those with no
// attempts left.
func (q *MemoryQueue) Reclaim(ctx context.Context) (int, error) {
	q.mu.Lock()

	now := q.opts.now()
	reclaimed := 0
	var dead []Task
	for _, t := range q.tasks {
		if t.state != stateActive || t.task.LeaseExpiresAt.After(now) {
			continue
		}
		t.task.leaseID = ""
		t.lastError = ErrLeaseExpired.Error()
		t.updatedAt = now
		reclaimed++

		if t.task.Exhausted() {
			t.state = stateDead
			task := t.task
			task.Payload = append([]byte(nil), t.task.Payload...)
			dead = append(dead, task)
			continue
		}
		t.state = statePending
		t.availableAt = now
	}

	if reclaimed > len(dead) {
		q.wake.broadcast()
	}
	q.mu.Unlock()

	for _, task := range dead {
		q.opts.onDead(ctx, task, ErrLeaseExpired)
	}
	return reclaimed, nil
}

func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dead []*memoryTask
	for _, t := range q.tasks {
		if t.state == stateDead {
			dead = append(dead, t)
		}
	}
	sort.Slice(dead, func(i, j int) bool {
		return dead[i].updatedAt.After(dead[j].updatedAt)
	})
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}

	out := make([]DeadLetter, 0, len(dead))
	for _, t := range dead {
		out = append(out, DeadLetter{
			ID:        t.task.ID,
			Name:      t.task.Name,
			Payload:   append([]byte(nil), t.task.Payload...),
			Attempts:  t.task.Attempt,
			LastError: t.lastError,
			DiedAt:    t.updatedAt,
		})
	}
	return out, nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, t := range q.tasks {
		switch t.state {
		case statePending:
			s.Pending++
		case stateActive:
			s.Active++
		case stateCompleted:
			s.Completed++
		case stateDead:
			s.Dead++
		}
	}
	return s, nil
}

func reclaimLoop(ctx context.Context, every time.Duration, reclaim func(context.Context) (int, error)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := reclaim(ctx)
			if err != nil {
				slog.Warn("Failed to reclaim expired tasks", "error", err)
				continue
			}
			if n > 0 {
				slog.Warn("Reclaimed tasks with expired leases", "count", n)
			}
		}
	}
}
