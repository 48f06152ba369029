package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/amplifyhq/tallyman/internal/models"
)

// Sentinel errors surfaced to callers so they can distinguish missing data
// from store failures.
var (
	ErrNotFound       = errors.New("record not found")
	ErrAlreadyAwarded = errors.New("interaction already awarded")
)

// Store is the engagement keyspace on top of a Redis-compatible server.
// Records are JSON strings; time-ordered lookups go through sorted sets
// scored in unix milliseconds; the interaction idempotency key and the run
// slot lock rely on SET NX.
type Store struct {
	client goredis.UniversalClient
}

func New(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

func keyRun(id string) string        { return "engagement:batch:" + id }
func keyTweet(id string) string      { return "engagement:tweet:" + id }
func keyLog(id string) string        { return "engagement:log:" + id }
func keyConnection(id string) string { return "engagement:connection:" + id }
func keyPoints(id string) string     { return "engagement:connection:" + id + ":points" }
func keyHandle(handle string) string { return "engagement:twitter:" + strings.ToLower(handle) }
func keyUserLogs(id string) string   { return "engagement:user:" + id + ":logs" }
func keyTweetLogs(id string) string  { return "engagement:tweet:" + id + ":logs" }
func keyInteraction(tweetID, discordID string, typ models.InteractionType) string {
	return fmt.Sprintf("engagement:interaction:%s:%s:%s", tweetID, discordID, typ)
}
func keyRule(tier int, typ models.InteractionType) string {
	return fmt.Sprintf("engagement:rules:%d-%s", tier, typ)
}
func keyScenario(tier int) string {
	return fmt.Sprintf("engagement:scenarios:tier%d", tier)
}

const (
	keyRunIndex     = "engagement:batches"
	keyTweetIndex   = "engagement:tweets:recent"
	keyRunLock      = "engagement:batch:lock"
	keyLastDetailed = "engagement:lastDetailedCheck"
)

func (s *Store) setJSON(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, payload, 0).Err()
}

func (s *Store) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), out)
}

// Ping verifies store connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Batch runs

// CreateRun persists a new run and registers it in the start-time index.
func (s *Store) CreateRun(ctx context.Context, run *models.BatchRun) error {
	if err := s.setJSON(ctx, keyRun(run.ID), run); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	err := s.client.ZAdd(ctx, keyRunIndex, goredis.Z{
		Score:  float64(run.StartedAt.UnixMilli()),
		Member: run.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("index run %s: %w", run.ID, err)
	}
	return nil
}

// SaveRun overwrites an existing run record.
func (s *Store) SaveRun(ctx context.Context, run *models.BatchRun) error {
	return s.setJSON(ctx, keyRun(run.ID), run)
}

// GetRun loads one run record; ErrNotFound if it was never written or has
// been lost.
func (s *Store) GetRun(ctx context.Context, id string) (*models.BatchRun, error) {
	var run models.BatchRun
	if err := s.getJSON(ctx, keyRun(id), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// RecentRuns returns up to n runs ordered most-recent-first. Index entries
// whose record is missing are skipped.
func (s *Store) RecentRuns(ctx context.Context, n int) ([]*models.BatchRun, error) {
	ids, err := s.client.ZRevRange(ctx, keyRunIndex, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("scan run index: %w", err)
	}
	runs := make([]*models.BatchRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// AcquireRunSlot claims the single-run lock for holder. Returns false when
// another holder owns it.
func (s *Store) AcquireRunSlot(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, keyRunLock, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire run slot: %w", err)
	}
	return ok, nil
}

// ReleaseRunSlot frees the lock if holder still owns it. A lock held by
// someone else is left alone.
func (s *Store) ReleaseRunSlot(ctx context.Context, holder string) error {
	val, err := s.client.Get(ctx, keyRunLock).Result()
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	if val != holder {
		return nil
	}
	return s.client.Del(ctx, keyRunLock).Err()
}

// Detailed-pass cadence

// LastDetailedCheck returns the shared timestamp of the last detailed pass.
// ok is false when no detailed pass has ever run.
func (s *Store) LastDetailedCheck(ctx context.Context) (time.Time, bool, error) {
	val, err := s.client.Get(ctx, keyLastDetailed).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last detailed check: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

// SetLastDetailedCheck stamps the shared cadence timestamp.
func (s *Store) SetLastDetailedCheck(ctx context.Context, t time.Time) error {
	return s.client.Set(ctx, keyLastDetailed, strconv.FormatInt(t.UnixMilli(), 10), 0).Err()
}

// Tracked tweets

// TrackTweet persists a submitted tweet and registers it in the
// submission-time index. Used by the submission flow and tests.
func (s *Store) TrackTweet(ctx context.Context, tweet *models.TrackedTweet) error {
	if err := s.setJSON(ctx, keyTweet(tweet.ID), tweet); err != nil {
		return fmt.Errorf("save tweet %s: %w", tweet.ID, err)
	}
	err := s.client.ZAdd(ctx, keyTweetIndex, goredis.Z{
		Score:  float64(tweet.SubmittedAt.UnixMilli()),
		Member: tweet.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("index tweet %s: %w", tweet.ID, err)
	}
	return nil
}

// TweetsSince returns internal ids of tweets submitted at or after cutoff,
// oldest first.
func (s *Store) TweetsSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, keyTweetIndex, &goredis.ZRangeBy{
		Min: strconv.FormatInt(cutoff.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan tweet index: %w", err)
	}
	return ids, nil
}

// GetTweet loads one tracked tweet; ErrNotFound when the index entry points
// at a missing record.
func (s *Store) GetTweet(ctx context.Context, id string) (*models.TrackedTweet, error) {
	var tweet models.TrackedTweet
	if err := s.getJSON(ctx, keyTweet(id), &tweet); err != nil {
		return nil, err
	}
	return &tweet, nil
}

// SetTweetMetrics writes refreshed public counts onto the tweet record.
// The processor is the only writer of this field.
func (s *Store) SetTweetMetrics(ctx context.Context, id string, metrics models.TweetMetrics) error {
	tweet, err := s.GetTweet(ctx, id)
	if err != nil {
		return err
	}
	tweet.Metrics = &metrics
	return s.setJSON(ctx, keyTweet(id), tweet)
}

// Connections

// SaveConnection persists a handle link. The points counter key is only
// initialized when absent so re-saving profile data cannot clobber earned
// points.
func (s *Store) SaveConnection(ctx context.Context, conn *models.Connection) error {
	if err := s.setJSON(ctx, keyConnection(conn.DiscordID), conn); err != nil {
		return fmt.Errorf("save connection %s: %w", conn.DiscordID, err)
	}
	if err := s.client.SetNX(ctx, keyPoints(conn.DiscordID), conn.TotalPoints, 0).Err(); err != nil {
		return fmt.Errorf("init points counter %s: %w", conn.DiscordID, err)
	}
	if err := s.client.Set(ctx, keyHandle(conn.TwitterHandle), conn.DiscordID, 0).Err(); err != nil {
		return fmt.Errorf("link handle %s: %w", conn.TwitterHandle, err)
	}
	return nil
}

// ResolveHandle maps a Twitter handle (case-insensitive) to a Discord id.
// ok is false for handles outside the community.
func (s *Store) ResolveHandle(ctx context.Context, handle string) (string, bool, error) {
	id, err := s.client.Get(ctx, keyHandle(handle)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// GetConnection loads a connection with its current points total. The total
// lives in a dedicated counter key so awards can use plain INCRBY; the JSON
// record's stored value is only the seed.
func (s *Store) GetConnection(ctx context.Context, discordID string) (*models.Connection, error) {
	var conn models.Connection
	if err := s.getJSON(ctx, keyConnection(discordID), &conn); err != nil {
		return nil, err
	}
	val, err := s.client.Get(ctx, keyPoints(discordID)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, err
	}
	if err == nil {
		points, perr := strconv.ParseInt(val, 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("parse points counter %s: %w", discordID, perr)
		}
		conn.TotalPoints = points
	}
	return &conn, nil
}

// AddPoints atomically credits a connection's cumulative total.
func (s *Store) AddPoints(ctx context.Context, discordID string, delta int64) error {
	return s.client.IncrBy(ctx, keyPoints(discordID), delta).Err()
}

// Interaction ledger

// RecordInteraction writes one ledger entry exactly once per
// (tweet, user, type) triple. The idempotency key is claimed with SET NX
// before anything else, so concurrent awarders cannot double-write. On a
// failure after the claim the key is released best-effort so a later run can
// retry the award.
func (s *Store) RecordInteraction(ctx context.Context, log *models.InteractionLog) error {
	idemKey := keyInteraction(log.TweetID, log.UserDiscordID, log.InteractionType)
	claimed, err := s.client.SetNX(ctx, idemKey, log.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("claim interaction %s: %w", idemKey, err)
	}
	if !claimed {
		return ErrAlreadyAwarded
	}

	if err := s.writeInteraction(ctx, log); err != nil {
		// Release the claim so the award stays retryable; if this fails too
		// the interaction is lost until the key is cleaned up by hand.
		_ = s.client.Del(ctx, idemKey).Err()
		return err
	}
	return nil
}

func (s *Store) writeInteraction(ctx context.Context, log *models.InteractionLog) error {
	if err := s.setJSON(ctx, keyLog(log.ID), log); err != nil {
		return fmt.Errorf("save interaction log %s: %w", log.ID, err)
	}
	score := float64(log.Timestamp.UnixMilli())
	if err := s.client.ZAdd(ctx, keyUserLogs(log.UserDiscordID), goredis.Z{Score: score, Member: log.ID}).Err(); err != nil {
		return fmt.Errorf("index user log %s: %w", log.ID, err)
	}
	if err := s.client.ZAdd(ctx, keyTweetLogs(log.TweetID), goredis.Z{Score: score, Member: log.ID}).Err(); err != nil {
		return fmt.Errorf("index tweet log %s: %w", log.ID, err)
	}
	if err := s.AddPoints(ctx, log.UserDiscordID, int64(log.Points)); err != nil {
		return fmt.Errorf("credit points for %s: %w", log.UserDiscordID, err)
	}
	return nil
}

// GetInteractionLog loads one ledger entry.
func (s *Store) GetInteractionLog(ctx context.Context, id string) (*models.InteractionLog, error) {
	var log models.InteractionLog
	if err := s.getJSON(ctx, keyLog(id), &log); err != nil {
		return nil, err
	}
	return &log, nil
}

// UserLogs returns a user's ledger entries, oldest first.
func (s *Store) UserLogs(ctx context.Context, discordID string) ([]*models.InteractionLog, error) {
	return s.logsFromIndex(ctx, keyUserLogs(discordID))
}

// TweetLogs returns a tweet's ledger entries, oldest first.
func (s *Store) TweetLogs(ctx context.Context, tweetID string) ([]*models.InteractionLog, error) {
	return s.logsFromIndex(ctx, keyTweetLogs(tweetID))
}

func (s *Store) logsFromIndex(ctx context.Context, key string) ([]*models.InteractionLog, error) {
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("scan log index %s: %w", key, err)
	}
	logs := make([]*models.InteractionLog, 0, len(ids))
	for _, id := range ids {
		log, err := s.GetInteractionLog(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, nil
}

// Scoring configuration

// GetRule returns the base-point rule for a tier and interaction type, or
// nil when no rule is configured.
func (s *Store) GetRule(ctx context.Context, tier int, typ models.InteractionType) (*models.ScoringRule, error) {
	var rule models.ScoringRule
	err := s.getJSON(ctx, keyRule(tier, typ), &rule)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// GetScenario returns a tier's bonus scenario, or nil when none is
// configured.
func (s *Store) GetScenario(ctx context.Context, tier int) (*models.TierScenario, error) {
	var scenario models.TierScenario
	err := s.getJSON(ctx, keyScenario(tier), &scenario)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &scenario, nil
}

// SaveRule seeds or updates a scoring rule.
func (s *Store) SaveRule(ctx context.Context, rule *models.ScoringRule) error {
	return s.setJSON(ctx, keyRule(rule.Tier, rule.InteractionType), rule)
}

// SaveScenario seeds or updates a tier scenario.
func (s *Store) SaveScenario(ctx context.Context, scenario *models.TierScenario) error {
	return s.setJSON(ctx, keyScenario(scenario.Tier), scenario)
}
