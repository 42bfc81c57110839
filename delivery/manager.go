// Package delivery sends finished artifacts back to their session with a
// classified retry policy.
package delivery

import (
	"context"
	"log/slog"
	"time"

	"pagebinder/logging"
	"pagebinder/models"
)

// Channel transmits one artifact to the session that requested it.
type Channel interface {
	Send(ctx context.Context, sessionKey string, artifact models.Artifact) error
}

type Policy struct {
	// MaxRetries is the total attempt budget, rate-limited attempts included.
	MaxRetries   int
	BackoffCap   time.Duration
	UnknownDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		BackoffCap:   30 * time.Second,
		UnknownDelay: 3 * time.Second,
	}
}

// Attempt describes one failed try, as logged.
type Attempt struct {
	Number   int
	Class    Class
	Backoff  time.Duration
	Deadline time.Time
	Elapsed  time.Duration
}

type Manager struct {
	channel Channel
	policy  Policy
	logger  *slog.Logger
	wait    func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

func NewManager(channel Channel, policy Policy, logger *slog.Logger) *Manager {
	if policy.MaxRetries < 1 {
		policy.MaxRetries = 1
	}
	return &Manager{
		channel: channel,
		policy:  policy,
		logger:  logging.OrDiscard(logger).With("component", "delivery"),
		wait:    sleep,
		now:     time.Now,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoff returns 2^n seconds, capped.
func (m *Manager) backoff(n int) time.Duration {
	d := time.Duration(1<<min(n, 30)) * time.Second
	if m.policy.BackoffCap > 0 && d > m.policy.BackoffCap {
		return m.policy.BackoffCap
	}
	return d
}

// Send delivers artifact and reports whether any attempt succeeded. Every
// attempt is logged with its number, elapsed time and outcome.
func (m *Manager) Send(ctx context.Context, sessionKey string, artifact models.Artifact) bool {
	logger := m.logger.With("session", sessionKey, "artifact", artifact.Path)
	budget := m.policy.MaxRetries
	start := time.Now()
	transientFailures := 0

	for attempt := 1; attempt <= budget; attempt++ {
		attemptStart := time.Now()
		err := m.channel.Send(ctx, sessionKey, artifact)
		elapsed := time.Since(attemptStart)

		if err == nil {
			logger.Info("artifact delivered",
				"attempt", attempt,
				"max_attempts", budget,
				"elapsed_ms", elapsed.Milliseconds(),
				"total_ms", time.Since(start).Milliseconds(),
				"bytes", artifact.SizeBytes)
			return true
		}

		class, retryAfter := Classify(err)
		a := Attempt{Number: attempt, Class: class, Elapsed: elapsed}

		if class == PermanentClient {
			logger.Error("delivery rejected, not retrying",
				"attempt", a.Number, "max_attempts", budget, "class", a.Class.String(),
				"elapsed_ms", a.Elapsed.Milliseconds(), "error", err)
			return false
		}

		if attempt == budget {
			logger.Warn("delivery attempt failed",
				"attempt", a.Number, "max_attempts", budget, "class", a.Class.String(),
				"elapsed_ms", a.Elapsed.Milliseconds(), "error", err)
			break
		}

		switch class {
		case RateLimited:
			a.Backoff = retryAfter
		case TransientNetwork:
			transientFailures++
			a.Backoff = m.backoff(transientFailures)
		default:
			a.Backoff = m.policy.UnknownDelay
		}
		a.Deadline = m.now().Add(a.Backoff)

		logger.Warn("delivery attempt failed",
			"attempt", a.Number, "max_attempts", budget, "class", a.Class.String(),
			"elapsed_ms", a.Elapsed.Milliseconds(), "retry_in", a.Backoff.String(),
			"retry_at", a.Deadline.Format(time.RFC3339), "error", err)

		if err := m.wait(ctx, a.Backoff); err != nil {
			logger.Error("delivery abandoned", "attempt", attempt, "max_attempts", budget, "error", err)
			return false
		}
	}

	logger.Error("delivery attempts exhausted",
		"attempts", budget, "total_ms", time.Since(start).Milliseconds())
	return false
}
