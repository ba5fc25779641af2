package refill

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/do/v2"
	"go.uber.org/zap"
)

// Registry manages named limiters sharing one event bus. Limiters are
// created lazily from the registry configuration: a per-name entry when
// one exists, the default configuration otherwise.
type Registry struct {
	config   RegistryConfig
	limiters map[string]*Limiter
	bus      EventBus
	logger   *zap.Logger
	otel     *OTelMetrics
	mu       sync.RWMutex
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger (zap.NewNop by default).
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a registry. The configuration (including every
// per-name entry) is validated up front.
func NewRegistry(cfg RegistryConfig, opts ...RegistryOption) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry config: %w", err)
	}

	r := &Registry{
		config:   cfg,
		limiters: make(map[string]*Limiter),
		bus:      NewEventBus(cfg.EventBufferSize),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// GetOrCreate returns the limiter registered under name, creating it
// from the configuration on first use.
func (r *Registry) GetOrCreate(name string) (*Limiter, error) {
	r.mu.RLock()
	if limiter, exists := r.limiters[name]; exists {
		r.mu.RUnlock()
		return limiter, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// double check
	if limiter, exists := r.limiters[name]; exists {
		return limiter, nil
	}

	cfg := r.config.Default
	if override, exists := r.config.Limiters[name]; exists {
		cfg = override
	}

	limiter, err := New(name, cfg, WithEventBus(r.bus), WithLogger(r.logger))
	if err != nil {
		return nil, fmt.Errorf("create limiter %q: %w", name, err)
	}
	r.limiters[name] = limiter

	if r.otel != nil {
		r.otel.RegisterProbe(name, limiter.Metrics)
	}

	r.logger.Debug("limiter instance created",
		zap.String("limiter", name),
		zap.Int64("limit_for_period", cfg.LimitForPeriod))

	return limiter, nil
}

// Get returns a previously created limiter.
func (r *Registry) Get(name string) (*Limiter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	limiter, exists := r.limiters[name]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrLimiterNotFound, name)
	}
	return limiter, nil
}

// Names returns the names of all created limiters.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.limiters))
	for name := range r.limiters {
		names = append(names, name)
	}
	return names
}

// EventBus returns the bus all registry limiters publish to.
func (r *Registry) EventBus() EventBus {
	return r.bus
}

// AttachMetrics wires an OTel metrics provider into the registry: permit
// events are forwarded to the counters and every limiter (existing and
// future) gets its availability probe registered for gauge collection.
func (r *Registry) AttachMetrics(m *OTelMetrics) {
	r.mu.Lock()
	r.otel = m
	for name, limiter := range r.limiters {
		m.RegisterProbe(name, limiter.Metrics)
	}
	r.mu.Unlock()

	r.bus.Subscribe(EventListenerFunc(func(e Event) {
		switch e.Type() {
		case EventPermitAcquired:
			m.RecordAcquired(context.Background(), e.LimiterName())
		case EventPermitRejected:
			m.RecordRejected(context.Background(), e.LimiterName(), "limit exceeded")
		}
	}))
}

// Shutdown closes the event bus. Implements the samber/do Shutdownable
// interface so the registry participates in container teardown.
func (r *Registry) Shutdown() error {
	r.bus.Close()
	return nil
}

// ProvideRegistry returns a samber/do provider for a registry built from
// the given configuration.
func ProvideRegistry(cfg RegistryConfig, opts ...RegistryOption) func(do.Injector) (*Registry, error) {
	return func(i do.Injector) (*Registry, error) {
		return NewRegistry(cfg, opts...)
	}
}
