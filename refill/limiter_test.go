package refill

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeClock drives limiter time deterministically in tests that must not
// see real elapsed nanoseconds between calls.
type fakeClock struct {
	now atomic.Int64
}

func (c *fakeClock) Now() int64 {
	return c.now.Load()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now.Add(int64(d))
}

func newTestLimiter(t *testing.T, cfg Config, clk *fakeClock, opts ...Option) *Limiter {
	t.Helper()

	l, err := New("test", cfg, opts...)
	require.NoError(t, err)

	if clk != nil {
		l.nanoTime = clk.Now
		l.current.Store(newInitialState(l.current.Load().config, clk.Now()))
	}
	return l
}

func burstConfig() Config {
	return Config{
		Timeout:        10000 * time.Nanosecond,
		RefreshPeriod:  1000 * time.Nanosecond,
		LimitForPeriod: 10,
		PermitCapacity: 10,
	}
}

func TestLimiter_New(t *testing.T) {
	t.Run("invalid config fails construction", func(t *testing.T) {
		_, err := New("bad", Config{Timeout: time.Second})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("config snapshot is finalized", func(t *testing.T) {
		l, err := New("ok", burstConfig())
		require.NoError(t, err)

		cfg := l.Config()
		assert.Equal(t, int64(100), cfg.NanosPerPermit())
		assert.Equal(t, int64(10), cfg.PermitCapacity)
		assert.Equal(t, "ok", l.Name())
	})
}

func TestLimiter_AcquirePermission(t *testing.T) {
	t.Run("full bucket grants capacity immediately", func(t *testing.T) {
		clk := &fakeClock{}
		l := newTestLimiter(t, burstConfig(), clk)

		assert.True(t, l.AcquirePermission(context.Background(), 10))
		assert.Equal(t, int64(0), l.Metrics().AvailablePermits)
	})

	t.Run("reservation within timeout waits and succeeds", func(t *testing.T) {
		cfg := Config{
			Timeout:        time.Second,
			RefreshPeriod:  time.Second,
			LimitForPeriod: 10, // 100ms per permit
			PermitCapacity: 10,
		}
		initial := int64(0)
		cfg.InitialPermits = &initial

		l, err := New("wait", cfg)
		require.NoError(t, err)

		start := time.Now()
		ok := l.AcquirePermission(context.Background(), 1)
		elapsed := time.Since(start)

		assert.True(t, ok)
		assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	})

	t.Run("request exceeding timeout fails", func(t *testing.T) {
		cfg := Config{
			Timeout:        50 * time.Millisecond,
			RefreshPeriod:  time.Second,
			LimitForPeriod: 5, // 200ms per permit
		}
		initial := int64(0)
		cfg.InitialPermits = &initial

		l, err := New("timeout", cfg)
		require.NoError(t, err)

		start := time.Now()
		ok := l.AcquirePermission(context.Background(), 1)
		elapsed := time.Since(start)

		assert.False(t, ok)
		// still parked for the timeout before reporting failure
		assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
		assert.Less(t, elapsed, 180*time.Millisecond)
	})

	t.Run("cancellation stops waiting without an error", func(t *testing.T) {
		cfg := Config{
			Timeout:        time.Second,
			RefreshPeriod:  time.Second,
			LimitForPeriod: 2, // 500ms per permit
		}
		initial := int64(0)
		cfg.InitialPermits = &initial

		l, err := New("cancel", cfg)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		start := time.Now()
		ok := l.AcquirePermission(ctx, 1)
		elapsed := time.Since(start)

		assert.False(t, ok)
		assert.Less(t, elapsed, 400*time.Millisecond)
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})
}

func TestLimiter_ReservePermission(t *testing.T) {
	clk := &fakeClock{}
	l := newTestLimiter(t, burstConfig(), clk)

	t.Run("immediate while permits remain", func(t *testing.T) {
		res := l.ReservePermission(10)
		assert.Equal(t, ReservationImmediate, res.Status)
		assert.True(t, res.Granted())
		assert.Equal(t, time.Duration(0), res.Wait)
	})

	t.Run("delayed when refill covers the deficit in time", func(t *testing.T) {
		res := l.ReservePermission(1)
		assert.Equal(t, ReservationDelayed, res.Status)
		assert.True(t, res.Granted())
		assert.Equal(t, 100*time.Nanosecond, res.Wait)
	})

	t.Run("denied when timeout cannot cover the wait", func(t *testing.T) {
		before := l.Metrics().AvailablePermits
		require.Equal(t, int64(-1), before)

		res := l.ReservePermission(1000)
		assert.Equal(t, ReservationDenied, res.Status)
		assert.False(t, res.Granted())

		// denial leaves the shared balance untouched
		assert.Equal(t, before, l.Metrics().AvailablePermits)
	})

	t.Run("denied reservation is idempotent", func(t *testing.T) {
		before := l.Metrics().AvailablePermits
		for i := 0; i < 5; i++ {
			res := l.ReservePermission(1000)
			require.Equal(t, ReservationDenied, res.Status)
		}
		assert.Equal(t, before, l.Metrics().AvailablePermits)
	})

	t.Run("reservation repaid by elapsed time", func(t *testing.T) {
		clk.Advance(100 * time.Nanosecond)
		assert.Equal(t, int64(0), l.Metrics().AvailablePermits)
	})
}

func TestLimiter_AllowN(t *testing.T) {
	clk := &fakeClock{}
	l := newTestLimiter(t, burstConfig(), clk)

	assert.True(t, l.AllowN(10))

	// nothing left and no time elapsed
	assert.False(t, l.Allow())

	// the failed probe committed nothing
	assert.Equal(t, int64(0), l.Metrics().AvailablePermits)

	clk.Advance(300 * time.Nanosecond)
	assert.True(t, l.AllowN(3))
	assert.False(t, l.Allow())
}

func TestLimiter_MetricsProbe(t *testing.T) {
	clk := &fakeClock{}
	l := newTestLimiter(t, burstConfig(), clk)

	// the probe is read-only no matter how often it runs
	for i := 0; i < 100; i++ {
		m := l.Metrics()
		assert.Equal(t, int64(10), m.AvailablePermits)
		assert.Equal(t, int64(0), m.NanosToWait)
		assert.Equal(t, 0, m.WaitingCallers)
	}

	require.True(t, l.AllowN(10))

	m := l.Metrics()
	assert.Equal(t, int64(0), m.AvailablePermits)
	assert.Equal(t, int64(100), m.NanosToWait)
}

func TestLimiter_WaitingCallers(t *testing.T) {
	cfg := Config{
		Timeout:        time.Second,
		RefreshPeriod:  time.Second,
		LimitForPeriod: 4, // 250ms per permit
	}
	initial := int64(0)
	cfg.InitialPermits = &initial

	l, err := New("waiting", cfg)
	require.NoError(t, err)

	done := make(chan bool)
	go func() {
		done <- l.AcquirePermission(context.Background(), 1)
	}()

	require.Eventually(t, func() bool {
		return l.Metrics().WaitingCallers == 1
	}, 200*time.Millisecond, 5*time.Millisecond)

	assert.True(t, <-done)
	assert.Equal(t, 0, l.Metrics().WaitingCallers)
}

func TestLimiter_ZeroElapsedConcurrencyNeverOvergrants(t *testing.T) {
	clk := &fakeClock{}
	l := newTestLimiter(t, burstConfig(), clk)

	var granted atomic.Int64
	var g errgroup.Group

	for i := 0; i < 64; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				if l.Allow() {
					granted.Add(1)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// the clock never advanced, so exactly the initial permits are granted
	assert.Equal(t, int64(10), granted.Load())
	assert.Equal(t, int64(0), l.Metrics().AvailablePermits)
}

func TestLimiter_ConcurrentGrantsStayWithinRefillBudget(t *testing.T) {
	cfg := Config{
		Timeout:        0,
		RefreshPeriod:  time.Second,
		LimitForPeriod: 100, // 10ms per permit
		PermitCapacity: 100,
	}
	require.NoError(t, cfg.Validate())

	l, err := New("contended", cfg)
	require.NoError(t, err)

	start := time.Now()
	var granted atomic.Int64
	var g errgroup.Group

	for i := 0; i < 32; i++ {
		g.Go(func() error {
			for j := 0; j < 200; j++ {
				if l.Allow() {
					granted.Add(1)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	elapsed := time.Since(start)

	// what a single sequential caller could have obtained in the window
	budget := cfg.PermitCapacity + int64(elapsed)/cfg.NanosPerPermit() + 1
	assert.LessOrEqual(t, granted.Load(), budget)
	assert.GreaterOrEqual(t, granted.Load(), cfg.PermitCapacity)
}

func TestLimiter_ChangeTimeout(t *testing.T) {
	clk := &fakeClock{}
	l := newTestLimiter(t, burstConfig(), clk)
	require.True(t, l.AllowN(4))

	require.NoError(t, l.ChangeTimeout(time.Minute))

	// balance carried over, only the timeout changed
	assert.Equal(t, time.Minute, l.Config().Timeout)
	assert.Equal(t, int64(6), l.Metrics().AvailablePermits)

	assert.Error(t, l.ChangeTimeout(-time.Second))
}

func TestLimiter_ChangeLimitForPeriod(t *testing.T) {
	clk := &fakeClock{}
	l := newTestLimiter(t, burstConfig(), clk)

	require.NoError(t, l.ChangeLimitForPeriod(20))

	cfg := l.Config()
	assert.Equal(t, int64(20), cfg.LimitForPeriod)
	assert.Equal(t, int64(20), cfg.PermitCapacity)
	assert.Equal(t, int64(50), cfg.NanosPerPermit())

	assert.Error(t, l.ChangeLimitForPeriod(0))
}

func TestLimiter_Execute(t *testing.T) {
	t.Run("runs when permitted", func(t *testing.T) {
		clk := &fakeClock{}
		l := newTestLimiter(t, burstConfig(), clk)

		ran := false
		err := l.Execute(context.Background(), func() error {
			ran = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)
	})

	t.Run("returns NotPermittedError when refused", func(t *testing.T) {
		cfg := burstConfig()
		cfg.Timeout = 0
		cfg.WritableStackTrace = true
		clk := &fakeClock{}
		l := newTestLimiter(t, cfg, clk)
		require.True(t, l.AllowN(10))

		err := l.Execute(context.Background(), func() error {
			t.Fatal("must not run")
			return nil
		})

		var nperr *NotPermittedError
		require.ErrorAs(t, err, &nperr)
		assert.Equal(t, "test", nperr.LimiterName)
		assert.NotEmpty(t, nperr.Stack)
	})

	t.Run("stack omitted when flag disabled", func(t *testing.T) {
		cfg := burstConfig()
		cfg.Timeout = 0
		cfg.WritableStackTrace = false
		clk := &fakeClock{}
		l := newTestLimiter(t, cfg, clk)
		require.True(t, l.AllowN(10))

		err := l.Execute(context.Background(), func() error { return nil })

		var nperr *NotPermittedError
		require.ErrorAs(t, err, &nperr)
		assert.Empty(t, nperr.Stack)
	})
}

func TestLimiter_Counters(t *testing.T) {
	clk := &fakeClock{}
	l := newTestLimiter(t, burstConfig(), clk)

	require.True(t, l.AllowN(10))
	require.False(t, l.Allow())
	require.False(t, l.Allow())

	snap := l.Counters().Snapshot()
	assert.Equal(t, int64(3), snap.Total)
	assert.Equal(t, int64(1), snap.Acquired)
	assert.Equal(t, int64(2), snap.Rejected)
	assert.InDelta(t, 2.0/3.0, snap.RejectRate, 1e-9)
}

func TestLimiter_Events(t *testing.T) {
	bus := NewEventBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var received []EventType
	bus.Subscribe(EventListenerFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e.Type())
	}))

	clk := &fakeClock{}
	l := newTestLimiter(t, burstConfig(), clk, WithEventBus(bus))

	require.True(t, l.AllowN(10))
	require.False(t, l.Allow())
	require.NoError(t, l.ChangeLimitForPeriod(20))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	events := append([]EventType{}, received...)
	mu.Unlock()
	assert.Equal(t, EventPermitAcquired, events[0])
	assert.Equal(t, EventPermitRejected, events[1])
	assert.Equal(t, EventLimitChanged, events[2])
}
