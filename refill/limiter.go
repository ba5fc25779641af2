// Package refill provides a refill-based rate limiter: permits regenerate
// continuously at a configured rate instead of resetting in fixed windows.
//
// Design philosophy:
// - Standalone package, logging via zap, metrics via OpenTelemetry
// - The only shared mutable state is one atomic cell holding an immutable
//   snapshot; all coordination is compare-and-swap, no mutexes on the hot path
// - Event-driven, callers can subscribe to grant/reject/wait events
// - Denials are normal outcomes (booleans and tagged results), never errors
package refill

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Reservation status
type ReservationStatus int

const (
	// ReservationImmediate permits granted with no waiting required
	ReservationImmediate ReservationStatus = iota

	// ReservationDelayed permits reserved, caller must wait Reservation.Wait
	ReservationDelayed

	// ReservationDenied timeout insufficient, nothing committed
	ReservationDenied
)

// Reservation is the outcome of ReservePermission. Wait is only
// meaningful for ReservationDelayed.
type Reservation struct {
	Status ReservationStatus
	Wait   time.Duration
}

// Granted reports whether the permits were committed.
func (r Reservation) Granted() bool {
	return r.Status != ReservationDenied
}

// Limiter is a refill-based rate limiter. Externally it behaves like a
// token bucket that allows bursts up to the configured capacity while
// converging to a steady-state admission rate.
//
// All state transitions go through a CAS loop over a single atomic cell,
// so the limiter is safe for unbounded concurrent use without locks.
type Limiter struct {
	name     string
	current  atomic.Pointer[state]
	waiting  atomic.Int32
	events   EventBus
	counters *Counters
	logger   *zap.Logger

	// monotonic clock, swapped out in tests
	nanoTime func() int64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger (zap.NewNop by default).
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithEventBus attaches an event bus the limiter publishes to.
func WithEventBus(bus EventBus) Option {
	return func(l *Limiter) {
		l.events = bus
	}
}

// New creates a limiter. The configuration is validated (and defaults
// applied) before use; an invalid configuration fails construction.
func New(name string, cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		name:     name,
		counters: NewCounters(name),
		logger:   zap.NewNop(),
		nanoTime: nanoNow,
	}
	for _, opt := range opts {
		opt(l)
	}

	l.current.Store(newInitialState(&cfg, l.nanoTime()))

	l.logger.Debug("refill limiter created",
		zap.String("limiter", name),
		zap.Duration("timeout", cfg.Timeout),
		zap.Int64("limit_for_period", cfg.LimitForPeriod),
		zap.Int64("permit_capacity", cfg.PermitCapacity),
		zap.Int64("nanos_per_permit", cfg.nanosPerPermit))

	return l, nil
}

// Name returns the limiter name.
func (l *Limiter) Name() string {
	return l.name
}

// Config returns a snapshot of the configuration currently in effect.
func (l *Limiter) Config() Config {
	return *l.current.Load().config
}

// AcquirePermission acquires the requested permits, blocking up to the
// configured timeout. It returns true when the permits were granted and
// any required wait was served, false when the timeout would be exceeded
// or the context was cancelled while waiting. Cancellation is observed
// through the caller's context, it is never raised as an error here.
func (l *Limiter) AcquirePermission(ctx context.Context, permits int64) bool {
	if permits <= 0 {
		permits = 1
	}

	timeoutNanos := int64(l.current.Load().config.Timeout)
	next := l.updateStateWithBackOff(permits, timeoutNanos)

	if next.nanosToWait > 0 && l.events != nil {
		l.events.Publish(&WaitEvent{
			BaseEvent: NewBaseEvent(EventWaitStart, l.name),
			Permits:   permits,
		})
	}

	start := l.nanoTime()
	result := l.waitForPermissionIfNecessary(ctx, timeoutNanos, next.nanosToWait)

	if next.nanosToWait > 0 && l.events != nil {
		eventType := EventWaitSuccess
		if !result {
			eventType = EventWaitTimeout
		}
		l.events.Publish(&WaitEvent{
			BaseEvent: NewBaseEvent(eventType, l.name),
			Permits:   permits,
			Waited:    time.Duration(l.nanoTime() - start),
			Success:   result,
		})
	}

	l.publishPermitEvent(result, permits, next.nanosToWait)
	return result
}

// ReservePermission commits the requested permits without blocking.
// ReservationImmediate means the permits were available outright;
// ReservationDelayed means they were reserved and the caller must itself
// wait out Reservation.Wait before proceeding; ReservationDenied means
// the configured timeout could not cover the wait and the permit balance
// was left untouched.
func (l *Limiter) ReservePermission(permits int64) Reservation {
	if permits <= 0 {
		permits = 1
	}

	timeoutNanos := int64(l.current.Load().config.Timeout)
	next := l.updateStateWithBackOff(permits, timeoutNanos)

	switch {
	case next.nanosToWait <= 0:
		l.publishPermitEvent(true, permits, 0)
		return Reservation{Status: ReservationImmediate}

	case timeoutNanos >= next.nanosToWait:
		l.publishPermitEvent(true, permits, next.nanosToWait)
		return Reservation{Status: ReservationDelayed, Wait: time.Duration(next.nanosToWait)}

	default:
		l.publishPermitEvent(false, permits, next.nanosToWait)
		return Reservation{Status: ReservationDenied}
	}
}

// Allow reports whether one permit is available right now.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN reports whether n permits are available right now. No waiting,
// no reservation: when the permits are not immediately available the
// balance is left untouched.
func (l *Limiter) AllowN(permits int64) bool {
	if permits <= 0 {
		permits = 1
	}

	next := l.updateStateWithBackOff(permits, 0)
	result := next.nanosToWait <= 0
	l.publishPermitEvent(result, permits, next.nanosToWait)
	return result
}

// Execute runs fn once a permission has been acquired. When the permit
// cannot be acquired within the timeout a NotPermittedError is returned
// and fn is not invoked.
func (l *Limiter) Execute(ctx context.Context, fn func() error) error {
	if !l.AcquirePermission(ctx, 1) {
		cfg := l.current.Load().config
		return newNotPermittedError(l.name, cfg.WritableStackTrace)
	}
	return fn()
}

// ChangeTimeout swaps the timeout of the live limiter. The permit balance
// carries over unchanged.
func (l *Limiter) ChangeTimeout(timeout time.Duration) error {
	cfg, err := l.Config().WithTimeout(timeout)
	if err != nil {
		return err
	}
	l.swapConfig(&cfg)
	return nil
}

// ChangeLimitForPeriod swaps the limit-for-period of the live limiter and
// publishes a LimitChangedEvent. The permit balance carries over.
func (l *Limiter) ChangeLimitForPeriod(limitForPeriod int64) error {
	old := l.Config()
	cfg, err := old.WithLimitForPeriod(limitForPeriod)
	if err != nil {
		return err
	}
	l.swapConfig(&cfg)

	if l.events != nil {
		l.events.Publish(&LimitChangedEvent{
			BaseEvent: NewBaseEvent(EventLimitChanged, l.name),
			OldLimit:  old.LimitForPeriod,
			NewLimit:  limitForPeriod,
		})
	}
	return nil
}

// swapConfig publishes a snapshot carrying the new configuration.
func (l *Limiter) swapConfig(cfg *Config) {
	for {
		prev := l.current.Load()
		next := prev.withConfig(cfg)
		if l.compareAndSet(prev, next) {
			return
		}
	}
}

// updateStateWithBackOff drives the transition function against the
// shared cell until a CAS lands. Lost races retry against a freshly read
// snapshot after a micro-backoff; the transition is O(1) so retries are
// cheap and expected to be rare.
func (l *Limiter) updateStateWithBackOff(permits, timeoutNanos int64) *state {
	for {
		prev := l.current.Load()
		next := nextState(prev, permits, timeoutNanos, l.nanoTime())
		if l.compareAndSet(prev, next) {
			return next
		}
	}
}

// compareAndSet attempts the swap and yields the processor on contention
// instead of spinning tightly.
func (l *Limiter) compareAndSet(prev, next *state) bool {
	if l.current.CompareAndSwap(prev, next) {
		return true
	}
	runtime.Gosched()
	return false
}

// waitForPermissionIfNecessary turns a computed wait into an actual
// suspension. When the timeout cannot cover the wait the caller is still
// suspended for the timeout (the admission rate is owed that delay) but
// the call reports failure.
func (l *Limiter) waitForPermissionIfNecessary(ctx context.Context, timeoutNanos, nanosToWait int64) bool {
	if nanosToWait <= 0 {
		return true
	}
	if timeoutNanos >= nanosToWait {
		return l.waitForPermission(ctx, nanosToWait)
	}
	l.waitForPermission(ctx, timeoutNanos)
	return false
}

// waitForPermission parks the calling goroutine for nanos, re-checking
// the monotonic clock after each wakeup to tolerate early timer fires.
// Context cancellation stops the wait immediately and reports failure.
func (l *Limiter) waitForPermission(ctx context.Context, nanos int64) bool {
	l.waiting.Add(1)
	defer l.waiting.Add(-1)

	deadline := l.nanoTime() + nanos
	timer := time.NewTimer(time.Duration(nanos))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
		}

		remaining := deadline - l.nanoTime()
		if remaining <= 0 {
			return true
		}
		timer.Reset(time.Duration(remaining))
	}
}

// publishPermitEvent records counters and notifies listeners of the
// admission outcome.
func (l *Limiter) publishPermitEvent(acquired bool, permits, waitNanos int64) {
	if acquired {
		l.counters.RecordAcquired()
	} else {
		l.counters.RecordRejected()
	}

	if l.events == nil {
		return
	}

	if acquired {
		l.events.Publish(&PermitAcquiredEvent{
			BaseEvent: NewBaseEvent(EventPermitAcquired, l.name),
			Permits:   permits,
			Wait:      time.Duration(waitNanos),
		})
	} else {
		l.events.Publish(&PermitRejectedEvent{
			BaseEvent: NewBaseEvent(EventPermitRejected, l.name),
			Permits:   permits,
			Wait:      time.Duration(waitNanos),
		})
	}
}

// Metrics runs the transition speculatively (with a timeout bound that
// can never commit) to report current availability without touching the
// shared cell.
func (l *Limiter) Metrics() DetailedMetrics {
	cur := l.current.Load()
	estimated := nextState(cur, 1, -1, l.nanoTime())

	return DetailedMetrics{
		AvailablePermits: estimated.activePermits,
		NanosToWait:      estimated.nanosToWait,
		WaitingCallers:   int(l.waiting.Load()),
	}
}

// Counters returns the cumulative admission counters.
func (l *Limiter) Counters() *Counters {
	return l.counters
}
