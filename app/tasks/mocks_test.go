package tasks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/job-importer/app/database"
	"github.com/lysyi3m/job-importer/app/feed"
	"github.com/lysyi3m/job-importer/app/queue"
	"github.com/robfig/cron/v3"
)

// MockFeedClient returns canned records per feed name
type MockFeedClient struct {
	mu      sync.Mutex
	records map[string][]feed.Record
	errs    map[string]error
	delay   time.Duration
	calls   []string
}

var _ FeedClient = (*MockFeedClient)(nil)

func (m *MockFeedClient) FetchAndNormalize(ctx context.Context, f feed.Feed) ([]feed.Record, error) {
	m.mu.Lock()
	m.calls = append(m.calls, f.Name)
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := m.errs[f.Name]; err != nil {
		return nil, err
	}
	return m.records[f.Name], nil
}

func (m *MockFeedClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// MockRunSubmitter records submitted feeds and can fail or block per feed
type MockRunSubmitter struct {
	mu      sync.Mutex
	calls   []string
	errs    map[string]error
	block   chan struct{}
	started chan string
}

var _ RunSubmitter = (*MockRunSubmitter)(nil)

func (m *MockRunSubmitter) SubmitRun(ctx context.Context, f feed.Feed) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, f.Name)
	m.mu.Unlock()

	if m.started != nil {
		m.started <- f.Name
	}
	if m.block != nil {
		<-m.block
	}

	if err := m.errs[f.Name]; err != nil {
		return "run-" + f.Name, err
	}
	return "run-" + f.Name, nil
}

func (m *MockRunSubmitter) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// MockTrigger stands in for *cron.Cron and fires registered functions on demand
type MockTrigger struct {
	mu      sync.Mutex
	specs   []string
	funcs   []func()
	started bool
	stopped bool
}

var _ Trigger = (*MockTrigger)(nil)
var _ Trigger = (*cron.Cron)(nil)

func (m *MockTrigger) AddFunc(spec string, cmd func()) (cron.EntryID, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs = append(m.specs, spec)
	m.funcs = append(m.funcs, cmd)
	return cron.EntryID(len(m.funcs)), nil
}

func (m *MockTrigger) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
}

func (m *MockTrigger) Stop() context.Context {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func (m *MockTrigger) Fire() {
	m.mu.Lock()
	funcs := append([]func(){}, m.funcs...)
	m.mu.Unlock()

	for _, fn := range funcs {
		fn()
	}
}

// MockTaskSubmitter accepts a fixed number of tasks and then fails
type MockTaskSubmitter struct {
	mu       sync.Mutex
	accept   int
	onReject func()
	payloads [][]byte
	policies []queue.Policy
}

var _ TaskSubmitter = (*MockTaskSubmitter)(nil)

func (m *MockTaskSubmitter) Enqueue(_ context.Context, name string, payload []byte, policy queue.Policy) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.payloads) >= m.accept {
		if m.onReject != nil {
			m.onReject()
		}
		return "", errors.New("queue unavailable")
	}
	m.payloads = append(m.payloads, payload)
	m.policies = append(m.policies, policy)
	return fmt.Sprintf("task-%d", len(m.payloads)), nil
}

// FailingJobStore fails every upsert and counts the attempts
type FailingJobStore struct {
	database.JobStore
	mu    sync.Mutex
	calls int
	err   error
}

func (s *FailingJobStore) Upsert(context.Context, database.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return false, s.err
}

func (s *FailingJobStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	db     *database.DB
	store  *database.JobRepository
	ledger *database.ImportLogRepository
	queue  *queue.MemoryQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := database.NewConnection(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, _, err := database.RunMigrations(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	q := queue.NewMemoryQueue(queue.WithPollInterval(5 * time.Millisecond))
	t.Cleanup(func() { q.Close() })

	return &harness{
		db:     db,
		store:  database.NewJobRepository(db),
		ledger: database.NewImportLogRepository(db),
		queue:  q,
	}
}

// startPool runs a worker pool over the harness queue until the test ends.
func (h *harness) startPool(t *testing.T, store database.JobStore, concurrency int) {
	t.Helper()

	if store == nil {
		store = h.store
	}
	pool := NewPool(h.queue, store, h.ledger, concurrency)
	pool.Start()
	t.Cleanup(pool.Stop)
}

// waitForRun polls the ledger until every declared item of the run settled.
func (h *harness) waitForRun(t *testing.T, runID string) *database.ImportLog {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	for {
		log, err := h.ledger.Get(context.Background(), runID)
		if err != nil {
			t.Fatalf("Failed to read run: %v", err)
		}
		if log != nil && log.Settled() {
			return log
		}
		if time.Now().After(deadline) {
			t.Fatalf("Run %s did not settle in time: %+v", runID, log)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func fastPolicy() queue.Policy {
	p := queue.DefaultPolicy()
	p.Delay = time.Millisecond
	return p
}

func makeRecords(source string, keys ...string) []feed.Record {
	records := make([]feed.Record, 0, len(keys))
	for _, key := range keys {
		records = append(records, feed.Record{
			DedupKey:    key,
			Title:       "Role " + key,
			Source:      source,
			PublishedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			RawPayload:  []byte(`{}`),
		})
	}
	return records
}
