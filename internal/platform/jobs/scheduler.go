// Package jobs runs the periodic maintenance work of the server on cron
// schedules: ledger retention, expired session purge, and delivery of
// scheduled notifications.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/medconnect/realtime/internal/platform/metrics"
)

// Job is one named unit of periodic work. Run returns the number of rows it
// affected, which is logged.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int64, error)
}

// Scheduler wraps a cron runner. Overlapping runs of the same job are
// skipped and panics are recovered.
type Scheduler struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu     sync.Mutex
	base   context.Context
	cancel context.CancelFunc
	jobs   map[string]Job
}

// New creates a Scheduler whose job runs are bounded by timeout.
func New(logger zerolog.Logger, m *metrics.Metrics, timeout time.Duration) *Scheduler {
	l := logger.With().Str("component", "jobs").Logger()
	cl := cronLogger{l}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  l,
		metrics: m,
		timeout: timeout,
		base:    base,
		cancel:  cancel,
		jobs:    make(map[string]Job),
	}
}

// Add registers j. An empty spec disables the job.
func (s *Scheduler) Add(j Job) error {
	if j.Spec == "" {
		s.logger.Info().Str("job", j.Name).Msg("job disabled")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[j.Name]; dup {
		return fmt.Errorf("job %q already registered", j.Name)
	}
	if _, err := s.cron.AddFunc(j.Spec, func() { s.run(j) }); err != nil {
		return fmt.Errorf("schedule job %q (%s): %w", j.Name, j.Spec, err)
	}
	s.jobs[j.Name] = j
	return nil
}

// RunNow executes a registered job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) (int64, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("unknown job %q", name)
	}
	return s.run(j)
}

func (s *Scheduler) run(j Job) (int64, error) {
	ctx, cancel := context.WithTimeout(s.base, s.timeout)
	defer cancel()

	start := time.Now()
	n, err := j.Run(ctx)
	s.metrics.JobRan(j.Name, err)

	ev := s.logger.Info()
	if err != nil {
		ev = s.logger.Error().Err(err)
	}
	ev.Str("job", j.Name).Int64("affected", n).Dur("duration", time.Since(start)).Msg("job finished")
	return n, err
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents further runs, cancels running ones, and returns a context
// that is done once they have returned.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.cancel()
	return ctx
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
