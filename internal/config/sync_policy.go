package config

import (
	"errors"
	"io/fs"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// SyncPolicy groups the tunable constants of the outbox and accounting sync pipeline.
type SyncPolicy struct {
	RefreshWindow           time.Duration `mapstructure:"refresh_window"`
	RefreshFailureThreshold int           `mapstructure:"refresh_failure_threshold"`
	KeepaliveHorizon        time.Duration `mapstructure:"keepalive_horizon"`
	KeepaliveBatch          int           `mapstructure:"keepalive_batch"`
	RetryFailedLimit        int           `mapstructure:"retry_failed_limit"`
	Outbox                  OutboxPolicy  `mapstructure:"outbox"`
}

type OutboxPolicy struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	Factor       float64       `mapstructure:"factor"`
	BatchSize    int           `mapstructure:"batch_size"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
}

func DefaultSyncPolicy() SyncPolicy {
	return SyncPolicy{
		RefreshWindow:           10 * time.Minute,
		RefreshFailureThreshold: 3,
		KeepaliveHorizon:        30 * 24 * time.Hour,
		KeepaliveBatch:          25,
		RetryFailedLimit:        50,
		Outbox: OutboxPolicy{
			MaxRetries:   3,
			BaseDelay:    5 * time.Minute,
			Factor:       3,
			BatchSize:    5,
			JobTimeout:   2 * time.Minute,
			LeaseTimeout: 15 * time.Minute,
		},
	}
}

// WithDefaults fills zero values from DefaultSyncPolicy.
func (p SyncPolicy) WithDefaults() SyncPolicy {
	d := DefaultSyncPolicy()
	if p.RefreshWindow <= 0 {
		p.RefreshWindow = d.RefreshWindow
	}
	if p.RefreshFailureThreshold <= 0 {
		p.RefreshFailureThreshold = d.RefreshFailureThreshold
	}
	if p.KeepaliveHorizon <= 0 {
		p.KeepaliveHorizon = d.KeepaliveHorizon
	}
	if p.KeepaliveBatch <= 0 {
		p.KeepaliveBatch = d.KeepaliveBatch
	}
	if p.RetryFailedLimit <= 0 {
		p.RetryFailedLimit = d.RetryFailedLimit
	}
	if p.Outbox.MaxRetries <= 0 {
		p.Outbox.MaxRetries = d.Outbox.MaxRetries
	}
	if p.Outbox.BaseDelay <= 0 {
		p.Outbox.BaseDelay = d.Outbox.BaseDelay
	}
	if p.Outbox.Factor <= 1 {
		p.Outbox.Factor = d.Outbox.Factor
	}
	if p.Outbox.BatchSize <= 0 {
		p.Outbox.BatchSize = d.Outbox.BatchSize
	}
	if p.Outbox.JobTimeout <= 0 {
		p.Outbox.JobTimeout = d.Outbox.JobTimeout
	}
	if p.Outbox.LeaseTimeout <= 0 {
		p.Outbox.LeaseTimeout = d.Outbox.LeaseTimeout
	}
	return p
}

type SyncPolicyHolder struct {
	current atomic.Value // holds SyncPolicy
}

// NewStaticSyncPolicyHolder returns a holder that never reloads.
func NewStaticSyncPolicyHolder(policy SyncPolicy) *SyncPolicyHolder {
	holder := &SyncPolicyHolder{}
	holder.current.Store(policy.WithDefaults())
	return holder
}

func NewSyncPolicyHolderFromConfig(cfg Config) (*SyncPolicyHolder, error) {
	return NewSyncPolicyHolder(cfg.SyncPolicyPath)
}

// NewSyncPolicyHolder reads sync.yml from path (or the default search paths) and
// watches it for changes. A missing file yields the defaults.
func NewSyncPolicyHolder(path string) (*SyncPolicyHolder, error) {
	v := viper.New()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sync")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/sitebridge")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SITEBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSyncPolicy()
	v.SetDefault("sync.refresh_window", defaults.RefreshWindow)
	v.SetDefault("sync.refresh_failure_threshold", defaults.RefreshFailureThreshold)
	v.SetDefault("sync.keepalive_horizon", defaults.KeepaliveHorizon)
	v.SetDefault("sync.keepalive_batch", defaults.KeepaliveBatch)
	v.SetDefault("sync.retry_failed_limit", defaults.RetryFailedLimit)
	v.SetDefault("sync.outbox.max_retries", defaults.Outbox.MaxRetries)
	v.SetDefault("sync.outbox.base_delay", defaults.Outbox.BaseDelay)
	v.SetDefault("sync.outbox.factor", defaults.Outbox.Factor)
	v.SetDefault("sync.outbox.batch_size", defaults.Outbox.BatchSize)
	v.SetDefault("sync.outbox.job_timeout", defaults.Outbox.JobTimeout)
	v.SetDefault("sync.outbox.lease_timeout", defaults.Outbox.LeaseTimeout)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		fileLoaded = false
	}

	var policy SyncPolicy
	if err := v.UnmarshalKey("sync", &policy); err != nil {
		return nil, err
	}
	if err := validateSyncPolicy(policy); err != nil {
		return nil, err
	}

	holder := &SyncPolicyHolder{}
	holder.current.Store(policy.WithDefaults())

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated SyncPolicy
			if err := v.UnmarshalKey("sync", &updated); err != nil {
				zap.L().Warn("config.sync_policy.reload_failed", zap.Error(err))
				return
			}
			if err := validateSyncPolicy(updated); err != nil {
				zap.L().Warn("config.sync_policy.invalid", zap.Error(err))
				return
			}
			holder.current.Store(updated.WithDefaults())
			zap.L().Info("config.sync_policy.reloaded", zap.String("path", e.Name))
		})
	}

	return holder, nil
}

func (h *SyncPolicyHolder) Get() SyncPolicy {
	if h == nil {
		return DefaultSyncPolicy()
	}
	policy, ok := h.current.Load().(SyncPolicy)
	if !ok {
		return DefaultSyncPolicy()
	}
	return policy
}

func validateSyncPolicy(p SyncPolicy) error {
	if p.RefreshWindow < 0 || p.KeepaliveHorizon < 0 {
		return errors.New("sync durations cannot be negative")
	}
	if p.Outbox.Factor != 0 && p.Outbox.Factor <= 1 {
		return errors.New("sync.outbox.factor must be greater than 1")
	}
	if p.Outbox.BatchSize > 100 {
		return errors.New("sync.outbox.batch_size cannot exceed 100")
	}
	return nil
}
