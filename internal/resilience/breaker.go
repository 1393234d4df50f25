// Package resilience guards outbound provider calls with retries and a circuit breaker.
package resilience

import (
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/noah-isme/toko-reconcile/internal/obs"
)

// ErrOpenCircuit is returned while the breaker refuses calls to its target.
var ErrOpenCircuit = errors.New("resilience: circuit open")

// BreakerConfig tunes a Breaker. The breaker opens once at least MinRequests
// calls in the current Interval failed at FailureRatio or worse, stays open for
// OpenFor, then lets a single trial call decide.
type BreakerConfig struct {
	Target       string
	MinRequests  uint32
	FailureRatio float64
	Interval     time.Duration
	OpenFor      time.Duration
	Logger       zerolog.Logger
}

// Breaker is a two-step circuit breaker: Allow before the call, report after.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker[struct{}]
}

// NewBreaker builds a breaker that exports its state under the target label.
func NewBreaker(cfg BreakerConfig) *Breaker {
	target := strings.TrimSpace(cfg.Target)
	if target == "" {
		target = "default"
	}
	minReq := cfg.MinRequests
	if minReq == 0 {
		minReq = 5
	}
	ratio := cfg.FailureRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	openFor := cfg.OpenFor
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	logger := cfg.Logger
	obs.BreakerState.WithLabelValues(target).Set(stateValue(gobreaker.StateClosed))
	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= minReq && float64(c.TotalFailures)/float64(c.Requests) >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			obs.BreakerState.WithLabelValues(name).Set(stateValue(to))
			obs.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			evt := logger.Warn()
			if to == gobreaker.StateClosed {
				evt = logger.Info()
			}
			evt.Str("target", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker transition")
		},
	})}
}

// Allow reserves a call. The returned func must be called with the outcome.
func (b *Breaker) Allow() (func(success bool), error) {
	if b == nil || b.cb == nil {
		return func(bool) {}, nil
	}
	done, err := b.cb.Allow()
	if err != nil {
		return nil, errors.Join(ErrOpenCircuit, err)
	}
	return done, nil
}

// State names the current position: closed, half-open or open.
func (b *Breaker) State() string {
	if b == nil || b.cb == nil {
		return gobreaker.StateClosed.String()
	}
	return b.cb.State().String()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	}
	return 0
}

// Backoff doubles base per attempt and spreads it by +/- jitter (a fraction).
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base << uint(attempt-1)
	if jitter <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * jitter * float64(d)
	return d + time.Duration(delta)
}
