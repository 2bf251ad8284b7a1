// Package maintenance runs periodic housekeeping over registered sources.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const DefaultSchedule = "@every 1m"

var (
	// ErrInvalidSchedule indicates a cron expression that cannot be parsed.
	ErrInvalidSchedule = errors.New("maintenance: invalid schedule")
	errMissingTargets  = errors.New("maintenance: reconciler is required")
)

// scheduleParser accepts 5-field expressions and descriptors such as "@every 1m".
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Reconciler reapplies target quotas of every source.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (int, error)
}

type Config struct {
	Schedule   string
	Reconciler Reconciler
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Scheduler converges source target counts and limits changed at runtime
// without waiting for new traffic.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	timeout    time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	runs    int
}

// ValidateSchedule reports whether expr is a usable schedule.
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(strings.TrimSpace(expr)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return nil
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Reconciler == nil {
		return nil, errMissingTargets
	}
	schedule := strings.TrimSpace(cfg.Schedule)
	if schedule == "" {
		schedule = DefaultSchedule
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	scheduler := &Scheduler{
		cron:       cron.New(cron.WithParser(scheduleParser)),
		reconciler: cfg.Reconciler,
		timeout:    timeout,
		logger:     logger,
	}
	if _, err := scheduler.cron.AddFunc(schedule, scheduler.RunOnce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return scheduler, nil
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started")
}

// Stop prevents new runs and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce reconciles every source. Overlapping runs are skipped.
func (s *Scheduler) RunOnce() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug("maintenance run skipped; previous run still active")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.runs++
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	processed, err := s.reconciler.ReconcileAll(ctx)
	if err != nil {
		s.logger.Warn("source reconciliation incomplete", zap.Int("processed", processed), zap.Error(err))
		return
	}
	s.logger.Debug("sources reconciled", zap.Int("processed", processed))
}

// Runs reports how many runs have completed.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}
