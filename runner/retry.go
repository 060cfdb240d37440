package runner

import (
	"math"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/goliatone/go-ossa"
)

// BackoffType selects how the delay grows between retries.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
)

// Policy describes how many retries to perform and how long to wait between them.
// MaxAttempts counts retries after the first attempt.
type Policy struct {
	MaxAttempts int           `json:"maxAttempts" yaml:"maxAttempts"`
	Backoff     BackoffType   `json:"backoffType" yaml:"backoffType"`
	BaseDelay   time.Duration `json:"baseDelay" yaml:"baseDelay"`
	MaxDelay    time.Duration `json:"maxDelay" yaml:"maxDelay"`
	Multiplier  float64       `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
}

// Validate rejects negative counts and delays and unknown backoff types.
func (p Policy) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.MaxAttempts, validation.Min(0)),
		validation.Field(&p.Backoff, validation.In(BackoffFixed, BackoffLinear, BackoffExponential)),
		validation.Field(&p.BaseDelay, validation.Min(time.Duration(0))),
		validation.Field(&p.MaxDelay, validation.Min(time.Duration(0))),
		validation.Field(&p.Multiplier, validation.Min(0.0)),
	)
}

// Delay returns the wait before retry number attempt (1-based).
//
//	fixed:       base
//	linear:      base * attempt
//	exponential: base * multiplier^(attempt-1), multiplier defaults to 2
//
// The result is capped at MaxDelay when MaxDelay > 0.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.BaseDelay)
	if base <= 0 {
		return 0
	}

	var delay float64
	switch NormalizeBackoff(p.Backoff) {
	case BackoffLinear:
		delay = base * float64(attempt)
	case BackoffExponential:
		mult := p.Multiplier
		if mult <= 0 {
			mult = 2
		}
		delay = base * math.Pow(mult, float64(attempt-1))
	default:
		delay = base
	}

	if p.MaxDelay > 0 && (delay > float64(p.MaxDelay) || math.IsInf(delay, 1)) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Strategy adapts the policy to the RetryStrategy contract.
func (p Policy) Strategy() RetryStrategy {
	return policyStrategy{policy: p}
}

// NormalizeBackoff maps unknown or empty values to fixed.
func NormalizeBackoff(b BackoffType) BackoffType {
	switch BackoffType(strings.ToLower(strings.TrimSpace(string(b)))) {
	case BackoffLinear:
		return BackoffLinear
	case BackoffExponential:
		return BackoffExponential
	default:
		return BackoffFixed
	}
}

// RetryStrategy encapsulates the delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecision is the outcome of consulting a strategy after a failure.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// RetryDecider lets a strategy veto a retry, not just delay it.
type RetryDecider interface {
	DecideRetry(attempt int, err error) RetryDecision
}

// DecideRetry consults strategy, preferring RetryDecider when implemented.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if strategy == nil {
		return RetryDecision{ShouldRetry: true}
	}
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.DecideRetry(attempt, err)
	}
	return RetryDecision{
		ShouldRetry: true,
		Delay:       strategy.SleepDuration(attempt, err),
	}
}

// NoDelayStrategy performs all retries immediately.
type NoDelayStrategy struct{}

// SleepDuration always returns zero, causing immediate retries.
func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy implements a capped exponential backoff.
//
//	WithRetryStrategy(ExponentialBackoffStrategy{
//	    Base:   100 * time.Millisecond,
//	    Factor: 2,
//	    Max:    5 * time.Second,
//	})
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// SleepDuration implements an exponential backoff with a cap at Max.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(e.Base) * math.Pow(e.Factor, float64(attempt))
	if time.Duration(delay) > e.Max && e.Max > 0 {
		return e.Max
	}
	return time.Duration(delay)
}

type policyStrategy struct {
	policy Policy
}

func (s policyStrategy) SleepDuration(attempt int, _ error) time.Duration {
	return s.policy.Delay(attempt + 1)
}

func (s policyStrategy) DecideRetry(attempt int, err error) RetryDecision {
	if err != nil && !ossa.IsRetryable(err) {
		return RetryDecision{
			ShouldRetry: false,
			Metadata:    map[string]any{"reason": "non_retryable", "code": ossa.ErrorCode(err)},
		}
	}
	return RetryDecision{
		ShouldRetry: true,
		Delay:       s.policy.Delay(attempt + 1),
		Metadata:    map[string]any{"backoff": string(NormalizeBackoff(s.policy.Backoff))},
	}
}
