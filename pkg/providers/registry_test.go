package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetbroker/fleetbroker/pkg/templates"
)

func simInstance(profile string, apis ...templates.APIKind) (InstanceConfig, *SimProvider) {
	cfg := InstanceConfig{
		Type:         "sim",
		Profile:      profile,
		Region:       "local-1",
		Capabilities: apis,
	}
	return cfg, NewSimProvider(SimConfig{})
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	return NewRegistry(RegistryConfig{
		FailureThreshold: 3,
		CoolDown:         time.Minute,
		ProbeTimeout:     time.Second,
	}, nil, nil)
}

func TestSelectByCapability(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	cfgA, provA := simInstance("a", templates.APIInstantFleet)
	cfgB, provB := simInstance("b", templates.APIDirectRun)
	if err := r.Register(cfgA, provA); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(cfgB, provB); err != nil {
		t.Fatal(err)
	}

	id, _, err := r.Select(ctx, templates.APIDirectRun)
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if id != cfgB.ID() {
		t.Errorf("expected %s, got %s", cfgB.ID(), id)
	}

	if _, _, err := r.Select(ctx, templates.APIAutoScalingGroup); !errors.Is(err, ErrNoHealthyProvider) {
		t.Errorf("expected ErrNoHealthyProvider, got %v", err)
	}
}

func TestSelectPrefersLowestFailureCount(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	cfgA, provA := simInstance("a", templates.APIInstantFleet)
	cfgB, provB := simInstance("b", templates.APIInstantFleet)
	if err := r.Register(cfgA, provA); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(cfgB, provB); err != nil {
		t.Fatal(err)
	}

	// One failure on a; below the threshold so it stays selectable but
	// loses the preference order.
	r.RecordOutcome(cfgA.ID(), false)

	id, _, err := r.Select(ctx, templates.APIInstantFleet)
	if err != nil {
		t.Fatal(err)
	}
	if id != cfgB.ID() {
		t.Errorf("expected %s (zero failures), got %s", cfgB.ID(), id)
	}

	// Success resets a's counter; ID order breaks the tie.
	r.RecordOutcome(cfgA.ID(), true)
	id, _, err = r.Select(ctx, templates.APIInstantFleet)
	if err != nil {
		t.Fatal(err)
	}
	if id != cfgA.ID() {
		t.Errorf("expected %s after reset, got %s", cfgA.ID(), id)
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	cfg, prov := simInstance("a", templates.APIInstantFleet)
	if err := r.Register(cfg, prov); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		r.RecordOutcome(cfg.ID(), false)
	}

	// Breaker open: excluded from selection.
	if _, _, err := r.Select(ctx, templates.APIInstantFleet); !errors.Is(err, ErrNoHealthyProvider) {
		t.Fatalf("expected exclusion while cooling down, got %v", err)
	}

	health := r.Health()
	if len(health) != 1 || health[0].Status != HealthUnhealthy {
		t.Fatalf("expected unhealthy snapshot, got %+v", health)
	}
	if health[0].CoolDownUntil == nil {
		t.Fatal("expected cool-down deadline in snapshot")
	}

	// Cool-down elapses; the half-open probe fails and re-arms it.
	prov.SetProbeErr(errors.New("still down"))
	now = now.Add(2 * time.Minute)
	if _, _, err := r.Select(ctx, templates.APIInstantFleet); !errors.Is(err, ErrNoHealthyProvider) {
		t.Fatalf("expected failed probe to keep instance out, got %v", err)
	}

	// Still cooling down right after the failed probe.
	if _, _, err := r.Select(ctx, templates.APIInstantFleet); !errors.Is(err, ErrNoHealthyProvider) {
		t.Fatalf("expected exclusion after failed probe, got %v", err)
	}

	// Next expiry: the probe succeeds and the instance is reselected.
	prov.SetProbeErr(nil)
	now = now.Add(2 * time.Minute)
	id, _, err := r.Select(ctx, templates.APIInstantFleet)
	if err != nil {
		t.Fatalf("expected recovery after successful probe, got %v", err)
	}
	if id != cfg.ID() {
		t.Errorf("expected %s, got %s", cfg.ID(), id)
	}

	health = r.Health()
	if health[0].Status != HealthHealthy || health[0].Failures != 0 {
		t.Errorf("expected healthy with zero failures, got %+v", health[0])
	}
}

func TestDegradedBelowThreshold(t *testing.T) {
	r := newTestRegistry(t)

	cfg, prov := simInstance("a", templates.APIInstantFleet)
	if err := r.Register(cfg, prov); err != nil {
		t.Fatal(err)
	}

	r.RecordOutcome(cfg.ID(), false)
	r.RecordOutcome(cfg.ID(), false)

	health := r.Health()
	if health[0].Status != HealthDegraded {
		t.Errorf("expected degraded below threshold, got %s", health[0].Status)
	}
	if health[0].Failures != 2 {
		t.Errorf("expected 2 failures, got %d", health[0].Failures)
	}

	// Degraded instances still serve.
	if _, _, err := r.Select(context.Background(), templates.APIInstantFleet); err != nil {
		t.Errorf("expected degraded instance to be selectable: %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t)

	cfg, prov := simInstance("a", templates.APIInstantFleet)
	if err := r.Register(cfg, prov); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(cfg, prov); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
