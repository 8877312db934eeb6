// Package scheduler runs the periodic memory maintenance jobs spec.md §5
// requires (decay cleanup and per-persona limit enforcement) on a cron
// schedule. Grounded on internal/scheduler.Scheduler's cron.New(cron.WithSeconds())
// plus JobExecutor callback pattern, trimmed to the two in-process jobs this
// domain needs and without the teacher's system-crontab half (this engine
// has no shell commands to schedule).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"memoria/internal/logging"
	"memoria/internal/memory"
)

// Scheduler runs the cleanup and limit-enforcement jobs against a
// PersonaMemoryManager on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	manager *memory.Manager
	log     *logging.Logger

	mu       sync.Mutex
	lastRun  map[string]time.Time
	lastErr  map[string]string
}

// Config configures a Scheduler.
type Config struct {
	Manager *memory.Manager
	Logger  *logging.Logger

	// CleanupSchedule is a 6-field cron expression (with seconds) for the
	// decay cleanup job. Defaults to hourly on the hour.
	CleanupSchedule string

	// EnforceSchedule is a 6-field cron expression for sweeping every
	// persona's memory limit. Defaults to every 15 minutes.
	EnforceSchedule string
}

const (
	defaultCleanupSchedule = "0 0 * * * *"
	defaultEnforceSchedule = "0 */15 * * * *"
)

// New constructs a Scheduler. Call Start to begin running jobs.
func New(cfg Config) *Scheduler {
	log := cfg.Logger
	if log == nil {
		log = logging.New("scheduler", logging.LevelInfo)
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		manager: cfg.Manager,
		log:     log,
		lastRun: make(map[string]time.Time),
		lastErr: make(map[string]string),
	}
}

// Start registers the maintenance jobs and begins the cron loop.
func (s *Scheduler) Start(ctx context.Context, cfg Config) error {
	cleanupSchedule := cfg.CleanupSchedule
	if cleanupSchedule == "" {
		cleanupSchedule = defaultCleanupSchedule
	}
	enforceSchedule := cfg.EnforceSchedule
	if enforceSchedule == "" {
		enforceSchedule = defaultEnforceSchedule
	}

	if _, err := s.cron.AddFunc(cleanupSchedule, func() {
		s.run(ctx, "decay_cleanup", func() (string, error) {
			removed, err := s.manager.CleanupExpiredMemories(ctx)
			return fmt.Sprintf("removed %d memories", removed), err
		})
	}); err != nil {
		return fmt.Errorf("failed to schedule decay cleanup: %w", err)
	}

	if _, err := s.cron.AddFunc(enforceSchedule, func() {
		s.run(ctx, "enforce_limits", func() (string, error) {
			return "", s.manager.EnforceAllLimits(ctx)
		})
	}); err != nil {
		return fmt.Errorf("failed to schedule limit enforcement: %w", err)
	}

	s.cron.Start()
	s.log.Infof("started with cleanup=%q enforce=%q", cleanupSchedule, enforceSchedule)
	return nil
}

// Stop drains in-flight jobs and halts the cron loop.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.log.Infof("stopped")
}

func (s *Scheduler) run(ctx context.Context, name string, fn func() (string, error)) {
	s.log.Debugf("running job %s", name)
	summary, err := fn()

	s.mu.Lock()
	s.lastRun[name] = time.Now()
	if err != nil {
		s.lastErr[name] = err.Error()
	} else {
		delete(s.lastErr, name)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Errorf("job %s failed: %v", name, err)
		return
	}
	s.log.Infof("job %s completed: %s", name, summary)
}

// Status reports the last run time and error (if any) per job name.
func (s *Scheduler) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := make(map[string]any, len(s.lastRun))
	for name, at := range s.lastRun {
		entry := map[string]any{"last_run": at}
		if errMsg, ok := s.lastErr[name]; ok {
			entry["last_error"] = errMsg
		}
		status[name] = entry
	}
	return status
}

// RunNow executes both maintenance jobs immediately and synchronously.
func (s *Scheduler) RunNow(ctx context.Context) error {
	if _, err := s.manager.CleanupExpiredMemories(ctx); err != nil {
		return fmt.Errorf("decay cleanup: %w", err)
	}
	if err := s.manager.EnforceAllLimits(ctx); err != nil {
		return fmt.Errorf("enforce limits: %w", err)
	}
	return nil
}
