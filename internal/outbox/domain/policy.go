package domain

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/smallbiznis/sitebridge/internal/config"
)

// RetryPolicy is the single source of retry limits and delays for the queue.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Factor     float64
}

func RetryPolicyFrom(p config.OutboxPolicy) RetryPolicy {
	return RetryPolicy{
		MaxRetries: p.MaxRetries,
		BaseDelay:  p.BaseDelay,
		Factor:     p.Factor,
	}
}

// Delay returns BaseDelay * Factor^retryCount.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Factor
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (p RetryPolicy) NextRunAt(now time.Time, retryCount int) time.Time {
	return now.Add(p.Delay(retryCount))
}

// Decide turns a classified failure of an attempt that already ran
// previousRetries times into the job's next state.
func (p RetryPolicy) Decide(class Class, previousRetries int, message string, now time.Time) Outcome {
	retries := previousRetries + 1

	switch class {
	case ClassStaleReference:
		msg := SkippedPrefix + message
		return Outcome{Status: StatusCompleted, RetryCount: previousRetries, LastError: &msg}
	case ClassPermanent:
		return Outcome{Status: StatusFailed, RetryCount: retries, LastError: &message}
	}

	if retries >= p.MaxRetries {
		return Outcome{Status: StatusFailed, RetryCount: retries, LastError: &message}
	}
	return Outcome{
		Status:     StatusPending,
		RetryCount: retries,
		RunAt:      p.NextRunAt(now, retries),
		LastError:  &message,
	}
}
