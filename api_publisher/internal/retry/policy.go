// Package retry decides what happens after a failed publish run: delay and
// retry, fail permanently, or flag accounts for reconnection.
package retry

import (
	"time"

	"frameworks/api_publisher/internal/failure"
	"frameworks/pkg/models"
)

// Action is the job-level outcome of a decision.
type Action string

const (
	ActionRetry  Action = "retry"
	ActionReauth Action = "reauth"
	ActionFail   Action = "fail"
)

// Policy holds the backoff tunables.
type Policy struct {
	RateLimitBase time.Duration
	RateLimitMax  time.Duration

	TransientBase        time.Duration
	TransientMax         time.Duration
	TransientMaxAttempts int

	MediaDelay       time.Duration
	MediaMaxAttempts int
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		RateLimitBase:        time.Minute,
		RateLimitMax:         time.Hour,
		TransientBase:        10 * time.Second,
		TransientMax:         5 * time.Minute,
		TransientMaxAttempts: 3,
		MediaDelay:           5 * time.Minute,
		MediaMaxAttempts:     3,
	}
}

// Decision is the outcome for one failed run.
type Decision struct {
	Action Action
	// Delay before the next attempt when Action is ActionRetry.
	Delay time.Duration
	// RetryPlatforms are the platforms the next attempt targets.
	RetryPlatforms []models.Platform
	// ReauthPlatforms are the platforms whose account must be flagged.
	// Populated regardless of Action.
	ReauthPlatforms []models.Platform
	// Exhausted is set when a retryable cause was denied only because the
	// attempt ceiling was reached.
	Exhausted bool
}

// Terminal reports whether the job ends with this decision.
func (d Decision) Terminal() bool { return d.Action != ActionRetry }

// exponential returns base*2^attempt capped at maxDelay.
func exponential(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// RateLimitDelay is the wait after attempt prior attempts were rate limited.
// A larger platform hint wins.
func (p Policy) RateLimitDelay(attempt int, hint time.Duration) time.Duration {
	d := exponential(p.RateLimitBase, p.RateLimitMax, attempt)
	if hint > d {
		return hint
	}
	return d
}

// classify returns the per-cause action and delay. attempt is the number of
// prior attempts on the job.
func (p Policy) classify(cause *failure.Error, attempt int) (Action, time.Duration) {
	switch cause.Code {
	case failure.CodeRateLimit:
		return ActionRetry, p.RateLimitDelay(attempt, cause.RetryAfter)
	case failure.CodeAuth:
		return ActionReauth, 0
	case failure.CodeTransient:
		if !cause.Retryable || attempt+1 >= p.TransientMaxAttempts {
			return ActionFail, 0
		}
		return ActionRetry, exponential(p.TransientBase, p.TransientMax, attempt)
	case failure.CodeMedia:
		if attempt+1 >= p.MediaMaxAttempts {
			return ActionFail, 0
		}
		return ActionRetry, p.MediaDelay
	default:
		return ActionFail, 0
	}
}

// Decide folds the causes of err into one job-level decision. attemptsMade
// and maxAttempts are the runtime's counters for the job; no retry is
// granted once attemptsMade+1 reaches maxAttempts.
func (p Policy) Decide(err error, attemptsMade, maxAttempts int) Decision {
	fe := failure.Classify(err)
	if fe == nil {
		return Decision{Action: ActionFail}
	}

	var (
		d        Decision
		delay    time.Duration
		retrying []models.Platform
		blocked  bool
	)
	for _, cause := range fe.Flatten() {
		action, wait := p.classify(cause, attemptsMade)
		switch action {
		case ActionReauth:
			if cause.Platform != "" {
				d.ReauthPlatforms = append(d.ReauthPlatforms, cause.Platform)
			}
		case ActionRetry:
			if cause.Platform == "" {
				// Without a platform the retry cannot be narrowed; retry everything.
				blocked = true
			} else {
				retrying = append(retrying, cause.Platform)
			}
			if wait > delay {
				delay = wait
			}
		}
	}

	wantsRetry := len(retrying) > 0 || blocked
	withinCeiling := maxAttempts <= 0 || attemptsMade+1 < maxAttempts
	switch {
	case wantsRetry && withinCeiling:
		d.Action = ActionRetry
		d.Delay = delay
		if !blocked {
			d.RetryPlatforms = retrying
		}
	case len(d.ReauthPlatforms) > 0 && !wantsRetry:
		d.Action = ActionReauth
	default:
		d.Action = ActionFail
		d.Exhausted = wantsRetry
	}
	return d
}
