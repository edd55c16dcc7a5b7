package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lysyi3m/job-importer/app/feed"
	"github.com/robfig/cron/v3"
)

const DefaultCronExpression = "0 * * * *"

type SchedulerOption func(*Scheduler)

// WithExclusiveFeeds skips a feed while a previous cycle still holds it.
func WithExclusiveFeeds() SchedulerOption {
	return func(s *Scheduler) {
		s.exclusive = true
	}
}

// WithRunOnStart fires one cycle as soon as the scheduler starts.
func WithRunOnStart() SchedulerOption {
	return func(s *Scheduler) {
		s.runOnStart = true
	}
}

// Scheduler submits a run for every configured feed each time the trigger
// fires. Firings are not serialized: a slow cycle may overlap the next one.
type Scheduler struct {
	feeds      []feed.Feed
	submitter  RunSubmitter
	trigger    Trigger
	expression string
	exclusive  bool
	runOnStart bool

	mu     sync.Mutex
	leased map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(feeds []feed.Feed, submitter RunSubmitter, trigger Trigger, expression string, opts ...SchedulerOption) (*Scheduler, error) {
	if expression == "" {
		expression = DefaultCronExpression
	}
	if _, err := cron.ParseStandard(expression); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expression, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		feeds:      feeds,
		submitter:  submitter,
		trigger:    trigger,
		expression: expression,
		leased:     make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := trigger.AddFunc(expression, s.fire); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to register import cycle: %w", err)
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.trigger.Start()
	slog.Info("Scheduler started", "cron", s.expression, "feeds", len(s.feeds), "exclusive_feeds", s.exclusive)

	if s.runOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.RunOnce(s.ctx)
		}()
	}
}

// Stop waits for the trigger to finish running cycles.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.trigger.Stop().Done()
	s.wg.Wait()
}

func (s *Scheduler) fire() {
	s.RunOnce(s.ctx)
}

// RunOnce submits one run per feed, in order. A failing feed never stops the
// ones after it.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if len(s.feeds) == 0 {
		slog.Warn("No feeds configured, skipping run")
		return
	}

	start := time.Now()
	submitted := 0

	for _, f := range s.feeds {
		if ctx.Err() != nil {
			slog.Debug("Scheduler stopped, ending cycle early", "feed", f.Name)
			return
		}

		if s.exclusive {
			if !s.acquire(f.Name) {
				slog.Warn("Previous cycle still holds feed, skipping", "feed", f.Name)
				continue
			}
		}

		runID, err := s.submitter.SubmitRun(ctx, f)

		if s.exclusive {
			s.release(f.Name)
		}

		if err != nil {
			slog.Error("Failed to import feed", "feed", f.Name, "run_id", runID, "error", err)
			continue
		}
		submitted++
	}

	slog.Info("Import cycle finished", "feeds", len(s.feeds), "submitted", submitted, "duration", time.Since(start))
}

func (s *Scheduler) acquire(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leased[name] {
		return false
	}
	s.leased[name] = true
	return true
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leased, name)
}
