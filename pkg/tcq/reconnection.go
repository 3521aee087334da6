package tcq

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// ReconnectionPolicy hands out independent delay schedules, one per host.
type ReconnectionPolicy interface {
	NewSchedule() ReconnectionSchedule
}

// ReconnectionSchedule yields the delay before each reconnection attempt.
type ReconnectionSchedule interface {
	NextDelay() time.Duration
	Reset()
}

// ExponentialReconnectionPolicy doubles the delay from BaseDelay up to
// MaxDelay. With a zero Jitter the delays never decrease.
type ExponentialReconnectionPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
}

// NewSchedule starts a schedule at BaseDelay.
func (p *ExponentialReconnectionPolicy) NewSchedule() ReconnectionSchedule {

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	return &backoffSchedule{b: b, max: p.MaxDelay}
}

// ConstantReconnectionPolicy waits Delay between every attempt.
type ConstantReconnectionPolicy struct {
	Delay time.Duration
}

// NewSchedule starts a constant schedule.
func (p *ConstantReconnectionPolicy) NewSchedule() ReconnectionSchedule {
	return &backoffSchedule{b: backoff.NewConstantBackOff(p.Delay), max: p.Delay}
}

type backoffSchedule struct {
	b   backoff.BackOff
	max time.Duration
}

func (s *backoffSchedule) NextDelay() time.Duration {
	d := s.b.NextBackOff()
	if d == backoff.Stop || d > s.max {
		return s.max
	}
	return d
}

func (s *backoffSchedule) Reset() { s.b.Reset() }

// NewReconnectionPolicy builds the policy named by the configuration.
func NewReconnectionPolicy(cfg *ReconnectionConfig) (ReconnectionPolicy, error) {

	switch cfg.Type {
	case "", ExponentialReconnectionType:
		return &ExponentialReconnectionPolicy{
			BaseDelay: millis(cfg.BaseDelay),
			MaxDelay:  millis(cfg.MaxDelay),
			Jitter:    cfg.Jitter,
		}, nil
	case ConstantReconnectionType:
		return &ConstantReconnectionPolicy{Delay: millis(cfg.BaseDelay)}, nil
	default:
		return nil, fmt.Errorf("unknown reconnection policy %q", cfg.Type)
	}
}
