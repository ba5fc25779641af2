package refill

import "time"

// Epoch for monotonic arithmetic, captured once at process start. All
// timestamps in limiter state are nanoseconds relative to this instant.
var nanoTimeStart = time.Now()

// nanoNow returns monotonic nanoseconds since process start.
func nanoNow() int64 {
	return int64(time.Since(nanoTimeStart))
}

// state is an immutable snapshot of a limiter. It is produced only by
// nextState (or withConfig) and published through a single atomic cell;
// a snapshot is never mutated after construction.
//
//   - activePermits: permits available after the last transition. Can be
//     negative when permits have been reserved ahead of their refill.
//   - nanosToWait: wait computed for the transition that produced this
//     snapshot, not a running total.
//   - updatedAt: monotonic timestamp of the transition.
type state struct {
	config        *Config
	activePermits int64
	nanosToWait   int64
	updatedAt     int64
}

func newInitialState(cfg *Config, now int64) *state {
	return &state{
		config:        cfg,
		activePermits: *cfg.InitialPermits,
		updatedAt:     now,
	}
}

// nextState is the refill/reservation transition. It is a pure function:
// given the current snapshot, the requested permit count and the caller's
// timeout bound it computes the candidate next snapshot. It commits the
// reservation (subtracts the permits, possibly driving the balance
// negative) only when the caller can plausibly wait out the computed
// delay; otherwise the balance is left at the refilled value so a denied
// attempt has no lasting effect.
//
// Safe to invoke speculatively, see Limiter.Metrics.
func nextState(cur *state, permits, timeoutNanos, now int64) *state {
	refilled := refilledPermits(cur, now)
	wait := nanosToWaitFor(permits, cur.config.nanosPerPermit, refilled)

	balance := refilled
	if timeoutNanos >= wait {
		balance -= permits
	}

	return &state{
		config:        cur.config,
		activePermits: balance,
		nanosToWait:   wait,
		updatedAt:     now,
	}
}

// refilledPermits accumulates the permit batches earned since the last
// update, capped at the bucket capacity.
func refilledPermits(cur *state, now int64) int64 {
	elapsed := now - cur.updatedAt
	accumulated := cur.activePermits + permitBatches(cur.config.nanosPerPermit, elapsed)
	if accumulated > cur.config.PermitCapacity {
		return cur.config.PermitCapacity
	}
	return accumulated
}

// permitBatches returns how many whole permits the elapsed nanoseconds
// are worth. A non-positive elapsed time (clock anomaly or an update that
// raced ahead) yields zero refill.
func permitBatches(nanosPerPermit, elapsed int64) int64 {
	if elapsed <= 0 {
		return 0
	}
	return elapsed / nanosPerPermit
}

// nanosToWaitFor returns the time needed for the deficit between the
// requested and available permits to be refilled. Available may be
// negative when permits are already reserved ahead.
func nanosToWaitFor(permits, nanosPerPermit, available int64) int64 {
	if available >= permits {
		return 0
	}
	return (permits - available) * nanosPerPermit
}

// withConfig derives a snapshot carrying a new configuration while
// keeping the permit balance and timestamps intact.
func (s *state) withConfig(cfg *Config) *state {
	return &state{
		config:        cfg,
		activePermits: s.activePermits,
		nanosToWait:   s.nanosToWait,
		updatedAt:     s.updatedAt,
	}
}
