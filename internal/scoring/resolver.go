// Package scoring resolves point values for engagement interactions.
// Base points come from tier-specific rules and are scaled by campaign
// bonus multipliers; anything missing from the rule source falls back
// to built-in defaults so awarding never blocks on configuration.
package scoring

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/amplifyhq/tallyman/internal/models"
)

// Default base points awarded when no tier rule is configured.
const (
	DefaultRetweetPoints = 2
	DefaultReplyPoints   = 3
	DefaultLikePoints    = 1
)

// RuleSource provides configured scoring rules and tier scenarios.
// A nil result with a nil error means "not configured".
type RuleSource interface {
	GetRule(ctx context.Context, tier int, typ models.InteractionType) (*models.ScoringRule, error)
	GetScenario(ctx context.Context, tier int) (*models.TierScenario, error)
}

type Resolver struct {
	source RuleSource
	logger *logrus.Logger
}

func NewResolver(source RuleSource, logger *logrus.Logger) *Resolver {
	return &Resolver{source: source, logger: logger}
}

func defaultBasePoints(typ models.InteractionType) int {
	switch typ {
	case models.InteractionRetweet:
		return DefaultRetweetPoints
	case models.InteractionReply:
		return DefaultReplyPoints
	case models.InteractionLike:
		return DefaultLikePoints
	default:
		return 0
	}
}

// BasePoints returns the configured base points for a tier and
// interaction type, or the built-in default when no rule exists or the
// rule source is unavailable.
func (r *Resolver) BasePoints(ctx context.Context, tier int, typ models.InteractionType) int {
	rule, err := r.source.GetRule(ctx, tier, typ)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"tier":  tier,
			"type":  typ,
			"error": err,
		}).Warn("Scoring rule lookup failed, using default")
		return defaultBasePoints(typ)
	}
	if rule == nil {
		return defaultBasePoints(typ)
	}
	return rule.Points
}

// Multiplier returns the tier's bonus multiplier, defaulting to 1.0
// when no scenario is configured or the lookup fails.
func (r *Resolver) Multiplier(ctx context.Context, tier int) float64 {
	scenario, err := r.source.GetScenario(ctx, tier)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"tier":  tier,
			"error": err,
		}).Warn("Tier scenario lookup failed, using default multiplier")
		return 1.0
	}
	if scenario == nil || scenario.BonusMultiplier <= 0 {
		return 1.0
	}
	return scenario.BonusMultiplier
}

// Score resolves the awarded points for an interaction: base points for
// the tier scaled by the tier's multiplier, rounded half-up.
func (r *Resolver) Score(ctx context.Context, tier int, typ models.InteractionType) (points int, multiplier float64) {
	base := r.BasePoints(ctx, tier, typ)
	multiplier = r.Multiplier(ctx, tier)
	points = int(math.Floor(float64(base)*multiplier + 0.5))
	return points, multiplier
}
