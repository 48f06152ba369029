package config

import (
	"time"

	pkgconfig "github.com/amplifyhq/tallyman/pkg/config"
)

type Config struct {
	RedisURL string

	TwitterBearerToken string
	TwitterAPIBase     string

	DetailedCheckInterval time.Duration // min gap between detailed passes
	CandidateWindow       time.Duration // how far back to pick up tracked tweets
	RunStaleAfter         time.Duration // age past which a running run is presumed dead
	RunLockTTL            time.Duration // run-slot lock expiry
	RunScanDepth          int           // recent runs inspected for resume

	BatchInterval time.Duration // daemon-mode trigger cadence
	OpsPort       string
}

func Load() Config {
	return Config{
		RedisURL: pkgconfig.GetEnv("REDIS_URL", "redis://localhost:6379"),

		TwitterBearerToken: pkgconfig.GetEnv("TWITTER_BEARER_TOKEN", ""),
		TwitterAPIBase:     pkgconfig.GetEnv("TWITTER_API_BASE", ""),

		DetailedCheckInterval: pkgconfig.GetEnvDuration("DETAILED_CHECK_INTERVAL", time.Hour),
		CandidateWindow:       pkgconfig.GetEnvDuration("CANDIDATE_WINDOW", 24*time.Hour),
		RunStaleAfter:         pkgconfig.GetEnvDuration("RUN_STALE_AFTER", 2*time.Hour),
		RunLockTTL:            pkgconfig.GetEnvDuration("RUN_LOCK_TTL", 30*time.Minute),
		RunScanDepth:          pkgconfig.GetEnvInt("RUN_SCAN_DEPTH", 5),

		BatchInterval: pkgconfig.GetEnvDuration("BATCH_INTERVAL", 15*time.Minute),
		OpsPort:       pkgconfig.GetEnv("OPS_PORT", "18090"),
	}
}
