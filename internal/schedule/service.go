// Package schedule runs the recurring maintenance jobs (series sweep,
// vacuum, lifecycle sweep) on fixed intervals, backing off jobs that fail.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// maxBackoff caps the skip window of a repeatedly failing job.
const maxBackoff = 4 * time.Hour

// Job is one recurring unit of work. The error only informs backoff; a
// failing job is never unscheduled.
type Job func(ctx context.Context) error

// Service wraps a cron runner with per-job failure backoff: after each
// failure the job's skip window doubles (capped), after a success it
// resets.
type Service struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*jobState
}

type jobState struct {
	interval  time.Duration
	skipUntil time.Time
	failures  int
}

// NewService creates a stopped scheduler; call Start once jobs are added.
func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		cron:   cron.New(),
		logger: log.With(slog.String("service", "schedule")),
		jobs:   make(map[string]*jobState),
	}
}

// Every registers fn to run every interval. Ticks landing inside the job's
// backoff window are skipped.
func (s *Service) Every(name string, interval time.Duration, fn Job) {
	state := &jobState{interval: interval}
	s.mu.Lock()
	s.jobs[name] = state
	s.mu.Unlock()

	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		s.runJob(name, fn)
	}))
	s.logger.Info("job registered",
		slog.String("job", name),
		slog.Duration("interval", interval),
	)
}

// Start begins dispatching registered jobs.
func (s *Service) Start() {
	s.cron.Start()
}

// Stop stops dispatching and waits for running jobs to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Service) runJob(name string, fn Job) {
	s.mu.Lock()
	state := s.jobs[name]
	skipped := time.Now().Before(state.skipUntil)
	s.mu.Unlock()
	if skipped {
		s.logger.Debug("job skipped during backoff", slog.String("job", name))
		return
	}

	start := time.Now()
	err := fn(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		state.failures++
		state.skipUntil = time.Now().Add(backoff(state.interval, state.failures))
		s.logger.Warn("job failed",
			slog.String("job", name),
			slog.Int("failures", state.failures),
			slog.Time("skip_until", state.skipUntil),
			slog.Any("error", err),
		)
		return
	}
	state.failures = 0
	state.skipUntil = time.Time{}
	s.logger.Debug("job finished",
		slog.String("job", name),
		slog.Duration("took", time.Since(start)),
	)
}

// backoff returns the skip window after n consecutive failures: the
// interval doubled per extra failure, capped at maxBackoff.
func backoff(interval time.Duration, failures int) time.Duration {
	window := interval
	for i := 1; i < failures; i++ {
		window *= 2
		if window >= maxBackoff {
			return maxBackoff
		}
	}
	return min(window, maxBackoff)
}
