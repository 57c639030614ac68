package scheduler

import (
	"strings"
	"time"

	"github.com/smallbiznis/sitebridge/internal/config"
)

// Config controls scheduler intervals and batch counts.
type Config struct {
	RunInterval       time.Duration
	KeepaliveInterval time.Duration
	// DrainBatches caps outbox batches per tick.
	DrainBatches int
	EnabledJobs  []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		KeepaliveInterval: time.Hour,
		DrainBatches:      10,
	}
}

func ProvideConfig(cfg config.Config) Config {
	out := Config{
		RunInterval:       time.Duration(cfg.Scheduler.RunIntervalSeconds) * time.Second,
		KeepaliveInterval: time.Duration(cfg.Scheduler.KeepaliveIntervalSeconds) * time.Second,
		DrainBatches:      cfg.Scheduler.DrainBatches,
	}
	for _, job := range strings.Split(cfg.Scheduler.Jobs, ",") {
		if job = strings.TrimSpace(job); job != "" {
			out.EnabledJobs = append(out.EnabledJobs, job)
		}
	}
	return out.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = defaults.KeepaliveInterval
	}
	if c.DrainBatches <= 0 {
		c.DrainBatches = defaults.DrainBatches
	}
	return c
}
