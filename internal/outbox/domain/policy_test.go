package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 5 * time.Minute, Factor: 3}
}

func TestDelayGrowsByFactor(t *testing.T) {
	p := testPolicy()
	assert.Equal(t, 5*time.Minute, p.Delay(0))
	assert.Equal(t, 15*time.Minute, p.Delay(1))
	assert.Equal(t, 45*time.Minute, p.Delay(2))
	assert.Equal(t, 135*time.Minute, p.Delay(3))
}

func TestDecideRetriesUntilMax(t *testing.T) {
	p := testPolicy()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := p.Decide(ClassTransient, 0, "boom", now)
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, 1, first.RetryCount)
	assert.Equal(t, now.Add(15*time.Minute), first.RunAt)

	second := p.Decide(ClassUnknown, 1, "boom", now)
	assert.Equal(t, StatusPending, second.Status)
	assert.Equal(t, now.Add(45*time.Minute), second.RunAt)

	third := p.Decide(ClassTransient, 2, "boom", now)
	assert.Equal(t, StatusFailed, third.Status)
	assert.Equal(t, 3, third.RetryCount)
}

func TestDecidePermanentAndStale(t *testing.T) {
	p := testPolicy()
	now := time.Now()

	failed := p.Decide(ClassPermanent, 0, "bad payload", now)
	assert.Equal(t, StatusFailed, failed.Status)

	skipped := p.Decide(ClassStaleReference, 1, "sheet version 9 deleted", now)
	assert.Equal(t, StatusCompleted, skipped.Status)
	assert.Equal(t, 1, skipped.RetryCount)
	assert.Equal(t, "skipped: sheet version 9 deleted", *skipped.LastError)
}
