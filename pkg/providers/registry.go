package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fleetbroker/fleetbroker/pkg/telemetry"
	"github.com/fleetbroker/fleetbroker/pkg/templates"
)

// ErrNoHealthyProvider is returned when no healthy instance supports the
// requested provider API.
var ErrNoHealthyProvider = errors.New("no healthy provider instance")

// RegistryConfig configures the health monitor.
type RegistryConfig struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit breaker for an instance.
	FailureThreshold int

	// CoolDown is how long an unhealthy instance is excluded from
	// selection before a half-open probe is attempted.
	CoolDown time.Duration

	// ProbeTimeout bounds each health probe call.
	ProbeTimeout time.Duration
}

// DefaultRegistryConfig returns the default health monitor configuration.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		FailureThreshold: 3,
		CoolDown:         60 * time.Second,
		ProbeTimeout:     10 * time.Second,
	}
}

// instance is one registered provider with its health state. Health fields
// are guarded by the per-instance mutex since many requests report outcomes
// concurrently.
type instance struct {
	config   InstanceConfig
	provider Provider
	caps     map[templates.APIKind]bool

	mu            sync.Mutex
	status        HealthStatus
	failures      int
	coolDownUntil time.Time
}

// Registry holds the configured provider instances, tracks their health,
// and selects an instance for a template's provider API.
type Registry struct {
	config  RegistryConfig
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	instances map[string]*instance
}

// NewRegistry creates an empty provider registry.
func NewRegistry(cfg RegistryConfig, log *telemetry.Logger, metrics *telemetry.Metrics) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultRegistryConfig().FailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultRegistryConfig().CoolDown
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultRegistryConfig().ProbeTimeout
	}
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	return &Registry{
		config:    cfg,
		log:       log.NewComponentLogger("providers"),
		metrics:   metrics,
		now:       time.Now,
		instances: make(map[string]*instance),
	}
}

// Register adds a provider instance to the registry.
func (r *Registry) Register(cfg InstanceConfig, provider Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := cfg.ID()
	if _, exists := r.instances[id]; exists {
		return fmt.Errorf("provider instance %s already registered", id)
	}

	caps := make(map[templates.APIKind]bool, len(cfg.Capabilities))
	for _, api := range cfg.Capabilities {
		caps[api] = true
	}

	r.instances[id] = &instance{
		config:   cfg,
		provider: provider,
		caps:     caps,
		status:   HealthHealthy,
	}
	r.log.Infof("registered provider instance %s", id)
	return nil
}

// Get returns the provider for an instance ID.
func (r *Registry) Get(instanceID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("provider instance %s not registered", instanceID)
	}
	return inst.provider, nil
}

// Select chooses a provider instance whose capability set includes the
// given API, preferring the lowest current failure count and excluding
// instances in cool-down. An instance whose cool-down has elapsed gets a
// half-open probe: success returns it to service, failure re-arms the
// cool-down. Returns ErrNoHealthyProvider if none qualify.
func (r *Registry) Select(ctx context.Context, api templates.APIKind) (string, Provider, error) {
	r.mu.RLock()
	candidates := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		if inst.caps[api] {
			candidates = append(candidates, inst)
		}
	}
	r.mu.RUnlock()

	// Deterministic preference order: fewest failures, then ID.
	sort.Slice(candidates, func(i, j int) bool {
		fi, fj := candidates[i].failureCount(), candidates[j].failureCount()
		if fi != fj {
			return fi < fj
		}
		return candidates[i].config.ID() < candidates[j].config.ID()
	})

	for _, inst := range candidates {
		switch inst.availability(r.now()) {
		case available:
			return inst.config.ID(), inst.provider, nil
		case halfOpen:
			if r.probe(ctx, inst) {
				return inst.config.ID(), inst.provider, nil
			}
		case coolingDown:
			// Excluded until the cool-down elapses.
		}
	}
	return "", nil, fmt.Errorf("%w for API %s", ErrNoHealthyProvider, api)
}

// RecordOutcome updates an instance's failure counter after a provider
// call. A success resets it to zero; a failure increments it and opens the
// circuit breaker once it crosses the configured threshold.
func (r *Registry) RecordOutcome(instanceID string, success bool) {
	r.mu.RLock()
	inst, ok := r.instances[instanceID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	inst.mu.Lock()
	if success {
		inst.failures = 0
		inst.status = HealthHealthy
		inst.coolDownUntil = time.Time{}
	} else {
		inst.failures++
		if inst.failures >= r.config.FailureThreshold {
			inst.status = HealthUnhealthy
			inst.coolDownUntil = r.now().Add(r.config.CoolDown)
			r.log.Warnf("provider instance %s unhealthy after %d failures, cooling down until %s",
				instanceID, inst.failures, inst.coolDownUntil.Format(time.RFC3339))
		} else {
			inst.status = HealthDegraded
		}
	}
	status := inst.status
	inst.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetProviderHealth(instanceID, healthGaugeValue(status))
	}
}

// Health returns a snapshot of every registered instance.
func (r *Registry) Health() []InstanceHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]InstanceHealth, 0, len(r.instances))
	for _, inst := range r.instances {
		inst.mu.Lock()
		h := InstanceHealth{
			ID:           inst.config.ID(),
			Status:       inst.status,
			Failures:     inst.failures,
			Capabilities: append([]templates.APIKind(nil), inst.config.Capabilities...),
		}
		if !inst.coolDownUntil.IsZero() && inst.coolDownUntil.After(r.now()) {
			t := inst.coolDownUntil
			h.CoolDownUntil = &t
		}
		inst.mu.Unlock()
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HealthCheckLoop probes every instance on a fixed interval until the
// context is cancelled. Probes run in addition to the reactive outcome
// recording after every provider call.
func (r *Registry) HealthCheckLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

// probeAll probes every instance that is not in an active cool-down.
func (r *Registry) probeAll(ctx context.Context) {
	r.mu.RLock()
	insts := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		insts = append(insts, inst)
	}
	r.mu.RUnlock()

	for _, inst := range insts {
		if inst.availability(r.now()) == coolingDown {
			continue
		}
		r.probe(ctx, inst)
	}
}

// probe performs a health probe and records the outcome. Returns true on
// success.
func (r *Registry) probe(ctx context.Context, inst *instance) bool {
	probeCtx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
	defer cancel()

	err := inst.provider.Probe(probeCtx)
	id := inst.config.ID()
	if err != nil {
		r.log.WithError(err).Debugf("probe failed for %s", id)
	}
	r.RecordOutcome(id, err == nil)
	return err == nil
}

// availabilityState classifies an instance for selection.
type availabilityState int

const (
	available availabilityState = iota
	coolingDown
	halfOpen
)

func (i *instance) availability(now time.Time) availabilityState {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.status != HealthUnhealthy {
		return available
	}
	if now.Before(i.coolDownUntil) {
		return coolingDown
	}
	return halfOpen
}

func (i *instance) failureCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.failures
}

// healthGaugeValue maps health status onto the metrics gauge scale.
func healthGaugeValue(s HealthStatus) float64 {
	switch s {
	case HealthHealthy:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}
