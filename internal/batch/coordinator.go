package batch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amplifyhq/tallyman/internal/models"
	"github.com/amplifyhq/tallyman/internal/store"
)

// ErrRunInProgress is returned when another processor instance holds
// the run slot.
var ErrRunInProgress = errors.New("another batch run is in progress")

// Coordinator enforces single-run exclusivity and owns the BatchRun
// record lifecycle. Exclusivity is a two-layer scheme: an atomic
// run-slot lock with a TTL, plus a scan over recent run records that
// resumes an orphaned pending run (or takes over a stale running one)
// instead of creating a duplicate.
type Coordinator struct {
	store      *store.Store
	logger     *logrus.Logger
	lockTTL    time.Duration
	staleAfter time.Duration
	scanDepth  int
}

type CoordinatorConfig struct {
	Store      *store.Store
	Logger     *logrus.Logger
	LockTTL    time.Duration // how long a crashed holder can wedge the slot (default: 30 minutes)
	StaleAfter time.Duration // age past which a running run is considered abandoned (default: 2 hours)
	ScanDepth  int           // how many recent runs to inspect for resume (default: 5)
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	lockTTL := cfg.LockTTL
	if lockTTL == 0 {
		lockTTL = 30 * time.Minute
	}
	staleAfter := cfg.StaleAfter
	if staleAfter == 0 {
		staleAfter = 2 * time.Hour
	}
	scanDepth := cfg.ScanDepth
	if scanDepth == 0 {
		scanDepth = 5
	}
	return &Coordinator{
		store:      cfg.Store,
		logger:     cfg.Logger,
		lockTTL:    lockTTL,
		staleAfter: staleAfter,
		scanDepth:  scanDepth,
	}
}

// StartOrResume acquires the run slot and returns the run to execute:
// an orphaned pending run, a stale running run taken over, or a newly
// created one. The returned holder token must be passed to Finalize.
// Returns ErrRunInProgress when the slot is held elsewhere.
func (c *Coordinator) StartOrResume(ctx context.Context) (*models.BatchRun, string, error) {
	holder := uuid.NewString()

	acquired, err := c.store.AcquireRunSlot(ctx, holder, c.lockTTL)
	if err != nil {
		return nil, "", err
	}
	if !acquired {
		return nil, "", ErrRunInProgress
	}

	run, err := c.findResumable(ctx)
	if err != nil {
		c.releaseSlot(holder)
		return nil, "", err
	}
	if run != nil {
		run.Status = models.RunRunning
		run.Resumed = true
		run.Error = ""
		if err := c.store.SaveRun(ctx, run); err != nil {
			c.releaseSlot(holder)
			return nil, "", err
		}
		c.logger.WithFields(logrus.Fields{
			"run_id": run.ID,
		}).Info("Resuming existing batch run")
		return run, holder, nil
	}

	run = &models.BatchRun{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Status:    models.RunRunning,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		c.releaseSlot(holder)
		return nil, "", err
	}
	c.logger.WithFields(logrus.Fields{
		"run_id": run.ID,
	}).Info("Starting new batch run")
	return run, holder, nil
}

// findResumable scans recent runs for a pending run, or a running run
// old enough to be presumed abandoned by a crashed processor.
func (c *Coordinator) findResumable(ctx context.Context) (*models.BatchRun, error) {
	runs, err := c.store.RecentRuns(ctx, c.scanDepth)
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		switch run.Status {
		case models.RunPending:
			return run, nil
		case models.RunRunning:
			if time.Since(run.StartedAt) > c.staleAfter {
				c.logger.WithFields(logrus.Fields{
					"run_id":     run.ID,
					"started_at": run.StartedAt,
				}).Warn("Taking over stale running batch run")
				return run, nil
			}
		}
	}
	return nil, nil
}

// Finalize writes the terminal status onto the run record and releases
// the run slot. Both writes are best-effort: a failure here is logged
// but never surfaced, so the caller's own outcome is preserved.
func (c *Coordinator) Finalize(ctx context.Context, run *models.BatchRun, result *Result, runErr error, holder string) {
	now := time.Now().UTC()
	run.CompletedAt = &now
	if runErr != nil {
		run.Status = models.RunFailed
		run.Error = runErr.Error()
	} else {
		run.Status = models.RunCompleted
		run.Error = ""
	}
	if result != nil {
		run.Mode = result.Mode
		run.TweetsProcessed = result.TweetsProcessed
		run.EngagementsFound = result.EngagementsFound
	}

	if err := c.store.SaveRun(ctx, run); err != nil {
		c.logger.WithFields(logrus.Fields{
			"run_id": run.ID,
			"status": run.Status,
			"error":  err,
		}).Error("Failed to finalize batch run record")
	}
	c.releaseSlot(holder)
}

func (c *Coordinator) releaseSlot(holder string) {
	// Fresh context: the run's context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.ReleaseRunSlot(ctx, holder); err != nil {
		c.logger.WithFields(logrus.Fields{"error": err}).Warn("Failed to release run slot")
	}
}
