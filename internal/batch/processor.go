package batch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Processor ties the coordinator and reconciler together into one
// invocable batch run.
type Processor struct {
	coordinator *Coordinator
	reconciler  *Reconciler
	logger      *logrus.Logger
	metrics     *Metrics
}

func NewProcessor(coordinator *Coordinator, reconciler *Reconciler, logger *logrus.Logger, metrics *Metrics) *Processor {
	return &Processor{
		coordinator: coordinator,
		reconciler:  reconciler,
		logger:      logger,
		metrics:     metrics,
	}
}

// Run executes one batch pass end to end. ErrRunInProgress means
// another instance holds the slot and is not a failure of this
// process. Any reconcile error is recorded on the run before being
// returned.
func (p *Processor) Run(ctx context.Context, forceDetailed bool) (*Result, error) {
	run, holder, err := p.coordinator.StartOrResume(ctx)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result, runErr := p.reconciler.Reconcile(ctx, run, forceDetailed)
	p.coordinator.Finalize(ctx, run, result, runErr, holder)
	elapsed := time.Since(started)

	p.metrics.runFinished(run.Status, run.Mode, elapsed)
	if runErr != nil {
		p.logger.WithFields(logrus.Fields{
			"run_id":  run.ID,
			"elapsed": elapsed,
			"error":   runErr,
		}).Error("Batch run failed")
		return result, runErr
	}

	p.logger.WithFields(logrus.Fields{
		"run_id":            run.ID,
		"mode":              result.Mode,
		"resumed":           run.Resumed,
		"tweets_processed":  result.TweetsProcessed,
		"engagements_found": result.EngagementsFound,
		"metrics_updated":   result.MetricsUpdated,
		"elapsed":           elapsed,
	}).Info("Batch run completed")
	return result, nil
}
