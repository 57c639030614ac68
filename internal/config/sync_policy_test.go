package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncPolicyDefaultsWhenFileMissing(t *testing.T) {
	holder, err := NewSyncPolicyHolder(filepath.Join(t.TempDir(), "missing", "sync.yml"))
	require.NoError(t, err)

	policy := holder.Get()
	assert.Equal(t, 10*time.Minute, policy.RefreshWindow)
	assert.Equal(t, 3, policy.RefreshFailureThreshold)
	assert.Equal(t, 30*24*time.Hour, policy.KeepaliveHorizon)
	assert.Equal(t, 3, policy.Outbox.MaxRetries)
	assert.Equal(t, 5*time.Minute, policy.Outbox.BaseDelay)
	assert.Equal(t, 5, policy.Outbox.BatchSize)
	assert.Equal(t, 2*time.Minute, policy.Outbox.JobTimeout)
}

func TestSyncPolicyReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yml")
	body := []byte(`sync:
  refresh_window: 5m
  refresh_failure_threshold: 5
  keepalive_horizon: 240h
  outbox:
    max_retries: 4
    batch_size: 10
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	holder, err := NewSyncPolicyHolder(path)
	require.NoError(t, err)

	policy := holder.Get()
	assert.Equal(t, 5*time.Minute, policy.RefreshWindow)
	assert.Equal(t, 5, policy.RefreshFailureThreshold)
	assert.Equal(t, 240*time.Hour, policy.KeepaliveHorizon)
	assert.Equal(t, 4, policy.Outbox.MaxRetries)
	assert.Equal(t, 10, policy.Outbox.BatchSize)
	assert.Equal(t, 5*time.Minute, policy.Outbox.BaseDelay)
}

func TestSyncPolicyRejectsInvalidFactor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  outbox:\n    factor: 0.5\n"), 0o600))

	_, err := NewSyncPolicyHolder(path)
	assert.Error(t, err)
}

func TestStaticHolderAppliesDefaults(t *testing.T) {
	holder := NewStaticSyncPolicyHolder(SyncPolicy{RefreshFailureThreshold: 7})
	policy := holder.Get()
	assert.Equal(t, 7, policy.RefreshFailureThreshold)
	assert.Equal(t, 10*time.Minute, policy.RefreshWindow)
}
