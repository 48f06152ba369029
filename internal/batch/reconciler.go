package batch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amplifyhq/tallyman/internal/models"
	"github.com/amplifyhq/tallyman/internal/scoring"
	"github.com/amplifyhq/tallyman/internal/store"
	"github.com/amplifyhq/tallyman/internal/twitter"
)

// SocialClient is the upstream surface the reconciler needs.
type SocialClient interface {
	TweetMetrics(ctx context.Context, tweetID string) (*models.TweetMetrics, error)
	Retweeters(ctx context.Context, tweetID string) ([]string, error)
	Repliers(ctx context.Context, tweetID string) ([]string, error)
}

// Result aggregates what a single reconciliation pass did.
type Result struct {
	Mode             models.RunMode
	TweetsProcessed  int
	EngagementsFound int
	MetricsUpdated   int
}

// Reconciler walks recently submitted tweets, refreshes their public
// metrics, and on detailed passes cross-references engagers against
// linked connections to award points.
type Reconciler struct {
	store            *store.Store
	social           SocialClient
	resolver         *scoring.Resolver
	logger           *logrus.Logger
	metrics          *Metrics
	detailedInterval time.Duration
	window           time.Duration
}

type ReconcilerConfig struct {
	Store            *store.Store
	Social           SocialClient
	Resolver         *scoring.Resolver
	Logger           *logrus.Logger
	Metrics          *Metrics
	DetailedInterval time.Duration // min gap between detailed passes (default: 1 hour)
	Window           time.Duration // how far back to pick up tweets (default: 24 hours)
}

func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	detailedInterval := cfg.DetailedInterval
	if detailedInterval == 0 {
		detailedInterval = time.Hour
	}
	window := cfg.Window
	if window == 0 {
		window = 24 * time.Hour
	}
	return &Reconciler{
		store:            cfg.Store,
		social:           cfg.Social,
		resolver:         cfg.Resolver,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		detailedInterval: detailedInterval,
		window:           window,
	}
}

// Reconcile runs one pass for the given run. Store failures during
// setup are fatal; per-tweet failures are logged and skipped so one
// bad tweet never sinks the batch.
func (r *Reconciler) Reconcile(ctx context.Context, run *models.BatchRun, forceDetailed bool) (*Result, error) {
	mode, err := r.decideMode(ctx, forceDetailed)
	if err != nil {
		return nil, err
	}
	if mode == models.ModeDetailed {
		// Stamp before processing so a crash mid-run does not cause
		// back-to-back detailed passes on every retry.
		if err := r.store.SetLastDetailedCheck(ctx, time.Now().UTC()); err != nil {
			return nil, err
		}
	}

	ids, err := r.store.TweetsSince(ctx, time.Now().Add(-r.window))
	if err != nil {
		return nil, err
	}

	result := &Result{Mode: mode}
	r.logger.WithFields(logrus.Fields{
		"run_id":     run.ID,
		"mode":       mode,
		"candidates": len(ids),
	}).Info("Reconciling engagement batch")

	for _, id := range ids {
		r.processTweet(ctx, run, id, mode, result)
	}
	return result, nil
}

func (r *Reconciler) decideMode(ctx context.Context, forceDetailed bool) (models.RunMode, error) {
	if forceDetailed {
		return models.ModeDetailed, nil
	}
	last, ok, err := r.store.LastDetailedCheck(ctx)
	if err != nil {
		return "", err
	}
	if !ok || time.Since(last) >= r.detailedInterval {
		return models.ModeDetailed, nil
	}
	return models.ModeMetrics, nil
}

func (r *Reconciler) processTweet(ctx context.Context, run *models.BatchRun, id string, mode models.RunMode, result *Result) {
	tweet, err := r.store.GetTweet(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// Index entry without a record: skip silently.
		return
	}
	if err != nil {
		r.logger.WithFields(logrus.Fields{"tweet": id, "error": err}).Warn("Failed to load tracked tweet")
		return
	}
	log := r.logger.WithFields(logrus.Fields{"run_id": run.ID, "tweet": tweet.ID, "tweet_id": tweet.TweetID})

	metrics, err := r.social.TweetMetrics(ctx, tweet.TweetID)
	r.metrics.upstreamCall("tweet_lookup", err)
	if errors.Is(err, twitter.ErrTweetNotFound) {
		log.Info("Tweet no longer visible upstream, skipping")
		return
	}
	if err != nil {
		log.WithField("error", err).Warn("Failed to fetch tweet metrics, skipping")
		return
	}

	if err := r.store.SetTweetMetrics(ctx, tweet.ID, *metrics); err != nil {
		log.WithField("error", err).Warn("Failed to persist tweet metrics")
	} else {
		result.MetricsUpdated++
	}

	result.TweetsProcessed++
	r.metrics.tweetProcessed(mode)

	if mode != models.ModeDetailed {
		return
	}

	// Each engager lookup degrades independently to an empty list so a
	// rate limit on one endpoint does not mask the other.
	retweeters, err := r.social.Retweeters(ctx, tweet.TweetID)
	r.metrics.upstreamCall("retweeted_by", err)
	if err != nil {
		log.WithField("error", err).Warn("Retweeter lookup degraded, treating as empty")
		retweeters = nil
	}
	repliers, err := r.social.Repliers(ctx, tweet.TweetID)
	r.metrics.upstreamCall("conversation_search", err)
	if err != nil {
		log.WithField("error", err).Warn("Replier lookup degraded, treating as empty")
		repliers = nil
	}

	// Users already given an implied like while processing this tweet,
	// so the retweet branch and the reply branch do not both award one.
	impliedLiked := make(map[string]struct{})

	for _, handle := range retweeters {
		r.award(ctx, run, tweet, handle, models.InteractionRetweet, impliedLiked, result)
	}
	for _, handle := range repliers {
		r.award(ctx, run, tweet, handle, models.InteractionReply, impliedLiked, result)
	}
}

func (r *Reconciler) award(ctx context.Context, run *models.BatchRun, tweet *models.TrackedTweet, handle string, typ models.InteractionType, impliedLiked map[string]struct{}, result *Result) {
	discordID, ok, err := r.store.ResolveHandle(ctx, handle)
	if err != nil {
		r.logger.WithFields(logrus.Fields{"handle": handle, "error": err}).Warn("Failed to resolve handle")
		return
	}
	if !ok {
		return
	}
	conn, err := r.store.GetConnection(ctx, discordID)
	if err != nil {
		r.logger.WithFields(logrus.Fields{"discord_id": discordID, "error": err}).Warn("Failed to load connection")
		return
	}

	awarded := r.recordAward(ctx, run, tweet, conn, typ, result)

	// An engager who retweeted or replied implicitly liked the tweet.
	if awarded && typ != models.InteractionLike {
		if _, done := impliedLiked[conn.DiscordID]; !done {
			r.recordAward(ctx, run, tweet, conn, models.InteractionLike, result)
			impliedLiked[conn.DiscordID] = struct{}{}
		}
	}
}

// recordAward resolves points and writes one idempotent ledger entry.
// Returns true only when the entry was newly written. The ledger is
// keyed by the external tweet id so the same tweet tracked under two
// internal records still awards each engager once.
func (r *Reconciler) recordAward(ctx context.Context, run *models.BatchRun, tweet *models.TrackedTweet, conn *models.Connection, typ models.InteractionType, result *Result) bool {
	points, multiplier := r.resolver.Score(ctx, conn.Tier, typ)
	entry := &models.InteractionLog{
		ID:              uuid.NewString(),
		TweetID:         tweet.TweetID,
		UserDiscordID:   conn.DiscordID,
		InteractionType: typ,
		Points:          points,
		Timestamp:       time.Now().UTC(),
		BatchID:         run.ID,
		BonusMultiplier: multiplier,
	}

	err := r.store.RecordInteraction(ctx, entry)
	if errors.Is(err, store.ErrAlreadyAwarded) {
		return false
	}
	if err != nil {
		// Not awarded: the claim was rolled back, so a future run can
		// retry this interaction safely.
		r.logger.WithFields(logrus.Fields{
			"tweet":      tweet.ID,
			"discord_id": conn.DiscordID,
			"type":       typ,
			"error":      err,
		}).Warn("Failed to record interaction")
		return false
	}

	result.EngagementsFound++
	r.metrics.engagementAwarded(typ)
	r.logger.WithFields(logrus.Fields{
		"tweet":      tweet.ID,
		"discord_id": conn.DiscordID,
		"type":       typ,
		"points":     points,
		"multiplier": multiplier,
	}).Debug("Recorded engagement award")
	return true
}
