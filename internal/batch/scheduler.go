package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler drives the processor on a fixed interval when the binary
// runs as a daemon instead of a one-shot invocation.
type Scheduler struct {
	processor *Processor
	logger    *logrus.Logger
	interval  time.Duration
	runBudget time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

type SchedulerConfig struct {
	Processor *Processor
	Logger    *logrus.Logger
	Interval  time.Duration // how often to trigger a run (default: 15 minutes)
	RunBudget time.Duration // per-run deadline (default: 10 minutes)
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval == 0 {
		interval = 15 * time.Minute
	}
	runBudget := cfg.RunBudget
	if runBudget == 0 {
		runBudget = 10 * time.Minute
	}
	return &Scheduler{
		processor: cfg.Processor,
		logger:    cfg.Logger,
		interval:  interval,
		runBudget: runBudget,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic batch loop
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.WithField("interval", s.interval).Info("Batch scheduler started")
}

// Stop waits for any in-flight run to finish
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Batch scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run once at startup
	s.trigger()

	for {
		select {
		case <-ticker.C:
			s.trigger()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) trigger() {
	ctx, cancel := context.WithTimeout(context.Background(), s.runBudget)
	defer cancel()

	_, err := s.processor.Run(ctx, false)
	if errors.Is(err, ErrRunInProgress) {
		s.logger.Info("Skipping scheduled run, slot already held")
		return
	}
	if err != nil {
		s.logger.WithField("error", err).Error("Scheduled batch run failed")
	}
}
