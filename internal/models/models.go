package models

import "time"

// RunStatus is the lifecycle state of a batch run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// RunMode distinguishes a full engagement pass from a metrics refresh.
type RunMode string

const (
	ModeDetailed RunMode = "detailed"
	ModeMetrics  RunMode = "metrics"
)

// InteractionType is the kind of social engagement being rewarded.
type InteractionType string

const (
	InteractionRetweet InteractionType = "retweet"
	InteractionReply   InteractionType = "reply"
	InteractionLike    InteractionType = "like"
)

// BatchRun is the persisted record of one processor invocation. Runs are
// append-only history; they are created pending or running and finalized
// exactly once.
type BatchRun struct {
	ID               string     `json:"id"`
	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	Status           RunStatus  `json:"status"`
	Mode             RunMode    `json:"mode,omitempty"`
	Resumed          bool       `json:"resumed,omitempty"`
	TweetsProcessed  int        `json:"tweetsProcessed"`
	EngagementsFound int        `json:"engagementsFound"`
	Error            string     `json:"error,omitempty"`
}

// TweetMetrics are the public counts refreshed on every pass.
type TweetMetrics struct {
	Likes    int `json:"likes"`
	Retweets int `json:"retweets"`
	Replies  int `json:"replies"`
}

// TrackedTweet is a submitted tweet under engagement tracking. The processor
// only touches Metrics; everything else is owned by the submission flow.
type TrackedTweet struct {
	ID           string        `json:"id"`
	TweetID      string        `json:"tweetId"`
	AuthorHandle string        `json:"authorHandle"`
	URL          string        `json:"url"`
	SubmittedAt  time.Time     `json:"submittedAt"`
	Metrics      *TweetMetrics `json:"metrics,omitempty"`
}

// Connection links a Twitter handle to a Discord community member with a
// reward tier. TotalPoints is maintained by atomic increments only.
type Connection struct {
	DiscordID     string `json:"discordId"`
	TwitterHandle string `json:"twitterHandle"`
	Tier          int    `json:"tier"`
	TotalPoints   int64  `json:"totalPoints"`
}

// InteractionLog is one immutable ledger entry. At most one exists per
// (tweet, user, interaction type) triple.
type InteractionLog struct {
	ID              string          `json:"id"`
	TweetID         string          `json:"tweetId"`
	UserDiscordID   string          `json:"userDiscordId"`
	InteractionType InteractionType `json:"interactionType"`
	Points          int             `json:"points"`
	Timestamp       time.Time       `json:"timestamp"`
	BatchID         string          `json:"batchId"`
	BonusMultiplier float64         `json:"bonusMultiplier"`
}

// ScoringRule sets the base point value for one tier and interaction type.
type ScoringRule struct {
	Tier            int             `json:"tier"`
	InteractionType InteractionType `json:"interactionType"`
	Points          int             `json:"points"`
}

// TierScenario carries the bonus multiplier applied to a tier's base points.
type TierScenario struct {
	Tier            int     `json:"tier"`
	BonusMultiplier float64 `json:"bonusMultiplier"`
}
