package app

import (
	"strings"
	"time"

	"github.com/yungbote/dflow/internal/platform/logger"
	"github.com/yungbote/dflow/internal/utils"
)

// Config collects every engine/process knob named in spec.md §6's worker
// surface ("queues?, tags?, poll_interval, max_concurrency, lease_duration")
// plus the admin HTTP surface's own settings, loaded the way
// internal/utils/env.go loads every other knob in this repo: env vars with
// a logged fallback-to-default, no config file.
type Config struct {
	// DSN selects the backend per spec §6's "Backend selection": a string
	// containing "://" or "postgres" selects the networked backend,
	// otherwise it is a file path for the embedded backend.
	DSN string

	WorkerID       string
	Queues         []string
	Tags           []string
	PollInterval   time.Duration
	MaxConcurrency int
	LeaseDuration  time.Duration

	// RunServer/RunWorker let a single binary run either role, or both,
	// in one process (matches the teacher's RUN_SERVER/RUN_WORKER split
	// in cmd/main.go).
	RunServer bool
	RunWorker bool
	HTTPPort  string

	// RedisURL, when set, backs the optional wake channel (internal/engine/wake).
	RedisURL string

	// DescriptorOverlayPath, when set, is loaded by internal/engine/descriptoroverlay
	// at process init.
	DescriptorOverlayPath string

	// JWTSecretKey guards the admin HTTP surface's mutating endpoints
	// (spec.md §6 names dispatch as a core operation; SPEC_FULL.md's
	// domain stack makes it optional on the HTTP facade only). Empty
	// disables the guard.
	JWTSecretKey string

	LogMode string
}

func LoadConfig(log *logger.Logger) Config {
	queues := splitAndTrim(utils.GetEnv("DFLOW_QUEUES", "", log))
	tags := splitAndTrim(utils.GetEnv("DFLOW_TAGS", "", log))

	return Config{
		DSN: utils.GetEnv("DFLOW_DSN", "dflow.db", log),

		WorkerID:       utils.GetEnv("DFLOW_WORKER_ID", "", log),
		Queues:         queues,
		Tags:           tags,
		PollInterval:   utils.GetEnvAsDuration("DFLOW_POLL_INTERVAL", time.Second, log),
		MaxConcurrency: utils.GetEnvAsInt("DFLOW_MAX_CONCURRENCY", 4, log),
		LeaseDuration:  utils.GetEnvAsDuration("DFLOW_LEASE_DURATION", 30*time.Second, log),

		RunServer: utils.GetEnvAsBool("RUN_SERVER", true, log),
		RunWorker: utils.GetEnvAsBool("RUN_WORKER", true, log),
		HTTPPort:  utils.GetEnv("PORT", "8080", log),

		RedisURL: utils.GetEnv("DFLOW_REDIS_URL", "", log),

		DescriptorOverlayPath: utils.GetEnv("DFLOW_DESCRIPTOR_OVERLAY", "", log),

		JWTSecretKey: utils.GetEnv("DFLOW_ADMIN_JWT_SECRET", "", log),

		LogMode: utils.GetEnv("LOG_MODE", "development", log),
	}
}

func splitAndTrim(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
