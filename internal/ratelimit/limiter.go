// Package ratelimit tracks per-provider request volume over a rolling
// 60-second window and publishes warning/exceeded events as providers
// approach their configured limits.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/Mnehmos/rooswarm/internal/event"
	"github.com/Mnehmos/rooswarm/internal/logging"
)

const (
	// windowMillis is the width of the rolling window.
	windowMillis = 60_000

	// sweepInterval is how often stale buckets are pruned and warning
	// flags re-evaluated. The sweep is the only timer the limiter owns.
	sweepInterval = 10 * time.Second

	// defaultWarningFraction derives the warning threshold from the limit
	// when no explicit threshold is configured.
	defaultWarningFraction = 0.92
)

// Unlimited is the headroom reported for providers without a configured
// limit.
const Unlimited = math.MaxInt

// ProviderConfig configures one provider's limit.
type ProviderConfig struct {
	// Provider names the upstream (e.g. "anthropic", "openai").
	Provider string `json:"provider" mapstructure:"provider"`

	// RequestsPerMinute is the hard limit for the rolling window.
	RequestsPerMinute int `json:"requestsPerMinute" mapstructure:"requests_per_minute"`

	// WarningThreshold overrides the default 0.92 x limit warning level.
	// Zero means "use the default".
	WarningThreshold int `json:"warningThreshold,omitempty" mapstructure:"warning_threshold"`
}

// bucket aggregates the requests tracked within one wall-clock second.
type bucket struct {
	startMillis int64
	count       int
}

// providerState is the rolling window plus warning latch for one provider.
type providerState struct {
	limit   int // 0 = unconfigured: tracked but never emits
	warnAt  int
	buckets []bucket
	warned  bool
}

// Limiter is a per-provider rolling-window request counter.
// All methods are safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	providers map[string]*providerState
	bus       *event.Bus
	log       *logging.Logger
	now       func() time.Time
	stopSweep chan struct{}
	disposed  bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the limiter's logger.
func WithLogger(log *logging.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log.WithComponent("ratelimit")
		}
	}
}

// WithClock overrides the limiter's time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter for the given provider configs and starts its
// periodic sweep. Events are published on bus; a nil bus disables emission.
func New(bus *event.Bus, configs []ProviderConfig, opts ...Option) *Limiter {
	l := &Limiter{
		providers: make(map[string]*providerState, len(configs)),
		bus:       bus,
		log:       logging.NopLogger(),
		now:       time.Now,
		stopSweep: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	for _, cfg := range configs {
		if cfg.Provider == "" || cfg.RequestsPerMinute <= 0 {
			continue
		}
		warnAt := cfg.WarningThreshold
		if warnAt <= 0 {
			warnAt = int(defaultWarningFraction * float64(cfg.RequestsPerMinute))
		}
		l.providers[cfg.Provider] = &providerState{
			limit:  cfg.RequestsPerMinute,
			warnAt: warnAt,
		}
	}

	go l.sweepLoop()
	return l
}

// Track records count requests for the provider in the current second's
// bucket, then re-evaluates the provider's thresholds. Negative counts are
// clamped to zero. Unknown providers are tracked but never emit events.
func (l *Limiter) Track(provider string, count int) {
	if count < 0 {
		count = 0
	}

	l.mu.Lock()

	if l.disposed {
		l.mu.Unlock()
		return
	}

	state, ok := l.providers[provider]
	if !ok {
		state = &providerState{}
		l.providers[provider] = state
	}

	nowMillis := l.now().UnixMilli()
	second := nowMillis / 1000 * 1000
	if n := len(state.buckets); n > 0 && state.buckets[n-1].startMillis == second {
		state.buckets[n-1].count += count
	} else {
		state.buckets = append(state.buckets, bucket{startMillis: second, count: count})
	}

	l.prune(state, nowMillis)
	pending := l.checkThresholds(provider, state)
	l.mu.Unlock()

	// Publish outside the lock so handlers may query the limiter.
	for _, e := range pending {
		l.publish(e)
	}
}

// CurrentRPM returns the provider's request count within the last 60
// seconds. Unknown providers report zero.
func (l *Limiter) CurrentRPM(provider string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.providers[provider]
	if !ok {
		return 0
	}
	nowMillis := l.now().UnixMilli()
	l.prune(state, nowMillis)
	return sum(state.buckets)
}

// Headroom returns how many more requests the provider can absorb before
// hitting its limit, or Unlimited for unconfigured providers.
func (l *Limiter) Headroom(provider string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.providers[provider]
	if !ok || state.limit == 0 {
		return Unlimited
	}
	nowMillis := l.now().UnixMilli()
	l.prune(state, nowMillis)
	return max(0, state.limit-sum(state.buckets))
}

// Reset empties the provider's window and clears its warning latch.
func (l *Limiter) Reset(provider string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if state, ok := l.providers[provider]; ok {
		state.buckets = nil
		state.warned = false
	}
}

// ResetAll resets every tracked provider.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, state := range l.providers {
		state.buckets = nil
		state.warned = false
	}
}

// Dispose cancels the sweep timer and stops all event emission.
// It is idempotent.
func (l *Limiter) Dispose() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return
	}
	l.disposed = true
	close(l.stopSweep)
}

// sweepLoop prunes stale buckets every sweepInterval so warning latches
// clear as traffic subsides even when no further tracks arrive.
func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopSweep:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep prunes every provider and releases warning latches that have
// dropped back below their threshold.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return
	}

	nowMillis := l.now().UnixMilli()
	for provider, state := range l.providers {
		l.prune(state, nowMillis)
		if state.limit == 0 {
			continue
		}
		if state.warned && sum(state.buckets) < state.warnAt {
			state.warned = false
			l.log.Debug("rate warning cleared", "provider", provider)
		}
	}
}

// prune drops buckets that start at or before nowMillis - 60s.
// Caller must hold the mutex.
func (l *Limiter) prune(state *providerState, nowMillis int64) {
	cutoff := nowMillis - windowMillis
	idx := 0
	for idx < len(state.buckets) && state.buckets[idx].startMillis <= cutoff {
		idx++
	}
	if idx > 0 {
		state.buckets = append(state.buckets[:0], state.buckets[idx:]...)
	}
}

// checkThresholds evaluates a configured provider against its thresholds
// and returns the events to publish. Caller must hold the mutex.
func (l *Limiter) checkThresholds(provider string, state *providerState) []event.Event {
	if state.limit == 0 {
		return nil
	}

	rpm := sum(state.buckets)
	switch {
	case rpm >= state.limit:
		l.log.Warn("rate limit exceeded", "provider", provider, "rpm", rpm, "limit", state.limit)
		return []event.Event{event.NewRateLimitExceededEvent(provider, rpm, state.limit)}
	case rpm >= state.warnAt:
		if !state.warned {
			state.warned = true
			headroom := max(0, state.limit-rpm)
			l.log.Info("rate limit warning", "provider", provider, "rpm", rpm, "headroom", headroom)
			return []event.Event{event.NewRateLimitWarningEvent(provider, rpm, state.limit, headroom)}
		}
	default:
		state.warned = false
	}
	return nil
}

// publish sends the event if a bus is attached.
func (l *Limiter) publish(e event.Event) {
	if l.bus != nil {
		l.bus.Publish(e)
	}
}

// sum totals the request counts across buckets.
func sum(buckets []bucket) int {
	total := 0
	for _, b := range buckets {
		total += b.count
	}
	return total
}
