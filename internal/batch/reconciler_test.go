package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/amplifyhq/tallyman/internal/models"
	"github.com/amplifyhq/tallyman/internal/scoring"
	"github.com/amplifyhq/tallyman/internal/store"
	"github.com/amplifyhq/tallyman/internal/twitter"
)

type fakeSocial struct {
	metrics    map[string]*models.TweetMetrics
	retweeters map[string][]string
	repliers   map[string][]string

	metricsErr   error
	retweetErr   error
	replyErr     error
	metricsCalls int
}

func (f *fakeSocial) TweetMetrics(_ context.Context, tweetID string) (*models.TweetMetrics, error) {
	f.metricsCalls++
	if f.metricsErr != nil {
		return nil, f.metricsErr
	}
	m, ok := f.metrics[tweetID]
	if !ok {
		return nil, twitter.ErrTweetNotFound
	}
	return m, nil
}

func (f *fakeSocial) Retweeters(_ context.Context, tweetID string) ([]string, error) {
	if f.retweetErr != nil {
		return nil, f.retweetErr
	}
	return f.retweeters[tweetID], nil
}

func (f *fakeSocial) Repliers(_ context.Context, tweetID string) ([]string, error) {
	if f.replyErr != nil {
		return nil, f.replyErr
	}
	return f.repliers[tweetID], nil
}

type fixture struct {
	store      *store.Store
	social     *fakeSocial
	reconciler *Reconciler
	mr         *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.New(client)
	social := &fakeSocial{
		metrics:    make(map[string]*models.TweetMetrics),
		retweeters: make(map[string][]string),
		repliers:   make(map[string][]string),
	}
	logger := quietLogger()
	reconciler := NewReconciler(ReconcilerConfig{
		Store:    st,
		Social:   social,
		Resolver: scoring.NewResolver(st, logger),
		Logger:   logger,
	})
	return &fixture{store: st, social: social, reconciler: reconciler, mr: mr}
}

func (f *fixture) seedTweet(t *testing.T, internalID, externalID string) {
	t.Helper()
	tweet := &models.TrackedTweet{ID: internalID, TweetID: externalID, AuthorHandle: "author", SubmittedAt: time.Now().Add(-time.Hour)}
	if err := f.store.TrackTweet(context.Background(), tweet); err != nil {
		t.Fatalf("TrackTweet: %v", err)
	}
	f.social.metrics[externalID] = &models.TweetMetrics{Likes: 5, Retweets: 2, Replies: 1}
}

func (f *fixture) seedConnection(t *testing.T, discordID, handle string, tier int) {
	t.Helper()
	conn := &models.Connection{DiscordID: discordID, TwitterHandle: handle, Tier: tier}
	if err := f.store.SaveConnection(context.Background(), conn); err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}
}

func testRun() *models.BatchRun {
	return &models.BatchRun{ID: "run-1", StartedAt: time.Now(), Status: models.RunRunning}
}

func TestDetailedPassAwardsRetweetPlusImpliedLike(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTweet(t, "t-1", "100")
	f.seedConnection(t, "d-alice", "alice", 1)
	if err := f.store.SaveScenario(ctx, &models.TierScenario{Tier: 1, BonusMultiplier: 1.5}); err != nil {
		t.Fatalf("SaveScenario: %v", err)
	}
	f.social.retweeters["100"] = []string{"alice"}

	result, err := f.reconciler.Reconcile(ctx, testRun(), true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Mode != models.ModeDetailed {
		t.Fatalf("expected detailed mode, got %s", result.Mode)
	}
	if result.TweetsProcessed != 1 || result.EngagementsFound != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// retweet 2*1.5=3, implied like 1*1.5 rounds to 2, total 5.
	conn, err := f.store.GetConnection(ctx, "d-alice")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if conn.TotalPoints != 5 {
		t.Fatalf("expected 5 points, got %d", conn.TotalPoints)
	}

	logs, err := f.store.TweetLogs(ctx, "100")
	if err != nil {
		t.Fatalf("TweetLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected retweet + implied like logs, got %d", len(logs))
	}
}

func TestDuplicateTrackingOfSameTweetAwardsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// The submission flow is external; the same external tweet can end
	// up tracked under two internal records.
	f.seedTweet(t, "t-1", "100")
	f.seedTweet(t, "t-2", "100")
	f.seedConnection(t, "d-alice", "alice", 1)
	f.social.retweeters["100"] = []string{"alice"}

	result, err := f.reconciler.Reconcile(ctx, testRun(), true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	// retweet + implied like, once across both records.
	if result.EngagementsFound != 2 {
		t.Fatalf("expected 2 awards total, got %d", result.EngagementsFound)
	}

	conn, err := f.store.GetConnection(ctx, "d-alice")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	// defaults: retweet 2 + like 1, credited once.
	if conn.TotalPoints != 3 {
		t.Fatalf("expected 3 points, got %d", conn.TotalPoints)
	}

	logs, err := f.store.TweetLogs(ctx, "100")
	if err != nil {
		t.Fatalf("TweetLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 ledger entries for the tweet, got %d", len(logs))
	}
}

func TestReconcileIsIdempotentAcrossRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTweet(t, "t-1", "100")
	f.seedConnection(t, "d-alice", "alice", 1)
	f.social.retweeters["100"] = []string{"alice"}

	if _, err := f.reconciler.Reconcile(ctx, testRun(), true); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	second, err := f.reconciler.Reconcile(ctx, testRun(), true)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if second.EngagementsFound != 0 {
		t.Fatalf("second pass must award nothing, got %d", second.EngagementsFound)
	}

	conn, err := f.store.GetConnection(ctx, "d-alice")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	// retweet default 2 + implied like default 1, credited once.
	if conn.TotalPoints != 3 {
		t.Fatalf("expected 3 points after both runs, got %d", conn.TotalPoints)
	}
}

func TestRetweetAndReplyYieldSingleImpliedLike(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTweet(t, "t-1", "100")
	f.seedConnection(t, "d-alice", "alice", 1)
	f.social.retweeters["100"] = []string{"alice"}
	f.social.repliers["100"] = []string{"alice"}

	result, err := f.reconciler.Reconcile(ctx, testRun(), true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	// retweet + reply + exactly one like.
	if result.EngagementsFound != 3 {
		t.Fatalf("expected 3 awards, got %d", result.EngagementsFound)
	}

	logs, err := f.store.UserLogs(ctx, "d-alice")
	if err != nil {
		t.Fatalf("UserLogs: %v", err)
	}
	likes := 0
	for _, entry := range logs {
		if entry.InteractionType == models.InteractionLike {
			likes++
		}
	}
	if likes != 1 {
		t.Fatalf("expected exactly one like log, got %d", likes)
	}

	conn, err := f.store.GetConnection(ctx, "d-alice")
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	// defaults: retweet 2 + reply 3 + like 1.
	if conn.TotalPoints != 6 {
		t.Fatalf("expected 6 points, got %d", conn.TotalPoints)
	}
}

func TestMetricsOnlyPassRefreshesWithoutAwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTweet(t, "t-1", "100")
	f.seedConnection(t, "d-alice", "alice", 1)
	f.social.retweeters["100"] = []string{"alice"}

	// A detailed pass just happened, so the cadence gate holds.
	if err := f.store.SetLastDetailedCheck(ctx, time.Now()); err != nil {
		t.Fatalf("SetLastDetailedCheck: %v", err)
	}

	result, err := f.reconciler.Reconcile(ctx, testRun(), false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Mode != models.ModeMetrics {
		t.Fatalf("expected metrics-only mode, got %s", result.Mode)
	}
	if result.EngagementsFound != 0 {
		t.Fatalf("metrics-only pass must not award, got %d", result.EngagementsFound)
	}
	if result.TweetsProcessed != 1 || result.MetricsUpdated != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}

	tweet, err := f.store.GetTweet(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTweet: %v", err)
	}
	if tweet.Metrics == nil || tweet.Metrics.Likes != 5 {
		t.Fatalf("metrics not persisted: %+v", tweet.Metrics)
	}
}

func TestCadenceElapsedTriggersDetailedAndRestamps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTweet(t, "t-1", "100")

	if err := f.store.SetLastDetailedCheck(ctx, time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatalf("SetLastDetailedCheck: %v", err)
	}

	result, err := f.reconciler.Reconcile(ctx, testRun(), false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Mode != models.ModeDetailed {
		t.Fatalf("expected detailed mode after cadence elapsed, got %s", result.Mode)
	}

	// The stamp is refreshed before processing.
	last, ok, err := f.store.LastDetailedCheck(ctx)
	if err != nil || !ok {
		t.Fatalf("LastDetailedCheck: ok=%v err=%v", ok, err)
	}
	if time.Since(last) > time.Minute {
		t.Fatalf("stamp not refreshed, still %v", last)
	}
}

func TestVanishedTweetSkippedWithoutFailingRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTweet(t, "t-1", "100")
	delete(f.social.metrics, "100") // upstream 404s the tweet

	result, err := f.reconciler.Reconcile(ctx, testRun(), true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.TweetsProcessed != 0 || result.EngagementsFound != 0 {
		t.Fatalf("vanished tweet must not count, got %+v", result)
	}
}

func TestDegradedRetweetLookupStillProcessesReplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTweet(t, "t-1", "100")
	f.seedConnection(t, "d-alice", "alice", 1)
	f.social.retweetErr = errors.New("rate limited")
	f.social.repliers["100"] = []string{"alice"}

	result, err := f.reconciler.Reconcile(ctx, testRun(), true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	// reply + implied like, despite retweeter lookup failing.
	if result.EngagementsFound != 2 {
		t.Fatalf("expected 2 awards from reply branch, got %d", result.EngagementsFound)
	}
}

func TestUnknownHandlesIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTweet(t, "t-1", "100")
	f.social.retweeters["100"] = []string{"stranger1", "stranger2"}

	result, err := f.reconciler.Reconcile(ctx, testRun(), true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.EngagementsFound != 0 {
		t.Fatalf("unlinked handles must not award, got %d", result.EngagementsFound)
	}
	if result.TweetsProcessed != 1 {
		t.Fatalf("tweet should still count as processed: %+v", result)
	}
}

func TestDanglingIndexEntrySkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTweet(t, "t-1", "100")
	f.mr.Del("engagement:tweet:t-1")

	result, err := f.reconciler.Reconcile(ctx, testRun(), true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.TweetsProcessed != 0 {
		t.Fatalf("dangling index entry must be skipped, got %+v", result)
	}
	if f.social.metricsCalls != 0 {
		t.Fatalf("no upstream call expected for a missing record, got %d", f.social.metricsCalls)
	}
}

func TestOnlyRecentTweetsSelected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTweet(t, "t-new", "100")

	old := &models.TrackedTweet{ID: "t-old", TweetID: "200", AuthorHandle: "author", SubmittedAt: time.Now().Add(-30 * time.Hour)}
	if err := f.store.TrackTweet(ctx, old); err != nil {
		t.Fatalf("TrackTweet: %v", err)
	}
	f.social.metrics["200"] = &models.TweetMetrics{}

	result, err := f.reconciler.Reconcile(ctx, testRun(), true)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.TweetsProcessed != 1 {
		t.Fatalf("expected only the recent tweet, got %+v", result)
	}
	if f.social.metricsCalls != 1 {
		t.Fatalf("expected 1 upstream lookup, got %d", f.social.metricsCalls)
	}
}

func TestProcessorRunEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTweet(t, "t-1", "100")
	f.seedConnection(t, "d-alice", "alice", 1)
	f.social.retweeters["100"] = []string{"alice"}

	logger := quietLogger()
	coordinator := NewCoordinator(CoordinatorConfig{Store: f.store, Logger: logger})
	processor := NewProcessor(coordinator, f.reconciler, logger, nil)

	result, err := processor.Run(ctx, true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.EngagementsFound != 2 {
		t.Fatalf("expected 2 awards, got %+v", result)
	}

	runs, err := f.store.RecentRuns(ctx, 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("RecentRuns: %v (%d runs)", err, len(runs))
	}
	run := runs[0]
	if run.Status != models.RunCompleted || run.Mode != models.ModeDetailed {
		t.Fatalf("unexpected run record: %+v", run)
	}
	if run.TweetsProcessed != 1 || run.EngagementsFound != 2 {
		t.Fatalf("counts not finalized: %+v", run)
	}

	// Slot released: a follow-up run is allowed.
	if _, err := processor.Run(ctx, false); err != nil {
		t.Fatalf("second Run: %v", err)
	}
}
