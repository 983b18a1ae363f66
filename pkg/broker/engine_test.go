package broker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetbroker/fleetbroker/pkg/policy"
	"github.com/fleetbroker/fleetbroker/pkg/providers"
	"github.com/fleetbroker/fleetbroker/pkg/render"
	"github.com/fleetbroker/fleetbroker/pkg/stores"
	"github.com/fleetbroker/fleetbroker/pkg/templates"
)

const brokerTestTemplates = `
templates:
  - templateId: t1
    maxNumber: 10
    providerApi: instant-fleet
    imageId: img-123
    instanceType: m5.large
    subnetIds: [subnet-a]
    securityGroupIds: [sg-1]
    tags:
      team: hpc
  - templateId: t-dual
    maxNumber: 5
    providerApi: instant-fleet
    imageId: img-456
    instanceType: c5.xlarge
    launchSpec:
      inline:
        ImageId: img-456
      file: specs/launch.json
  - templateId: t-fallback
    maxNumber: 5
    providerApi: instant-fleet
    imageId: img-789
    instanceType: m5.large
    allowLegacyFallback: true
    apiSpec:
      inline:
        ImageId: img-789
        Zone: "${availability_zone}"
  - templateId: t-strict
    maxNumber: 5
    providerApi: instant-fleet
    imageId: img-789
    instanceType: m5.large
    apiSpec:
      inline:
        ImageId: img-789
        Zone: "${availability_zone}"
`

type testBroker struct {
	*Broker
	sim *providers.SimProvider
}

func newTestBroker(t *testing.T, simCfg providers.SimConfig) *testBroker {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "templates.yaml")
	if err := os.WriteFile(path, []byte(brokerTestTemplates), 0644); err != nil {
		t.Fatalf("failed to write templates: %v", err)
	}
	tstore, err := templates.NewStore(templates.StoreConfig{Path: path}, nil, nil)
	if err != nil {
		t.Fatalf("failed to create template store: %v", err)
	}

	registry := providers.NewRegistry(providers.RegistryConfig{}, nil, nil)
	sim := providers.NewSimProvider(simCfg)
	err = registry.Register(providers.InstanceConfig{
		Type: "sim", Profile: "default", Region: "local",
		Capabilities: []templates.APIKind{templates.APIInstantFleet},
	}, sim)
	if err != nil {
		t.Fatalf("failed to register sim provider: %v", err)
	}

	pol, err := policy.NewEngine(nil)
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}

	b, err := NewBroker(Config{
		PollInterval:        10 * time.Millisecond,
		ProvisioningTimeout: time.Minute,
		CancelGraceTimeout:  time.Minute,
		MaxPollRetries:      2,
		BackoffBase:         time.Millisecond,
		BackoffCap:          5 * time.Millisecond,
	}, Options{
		Templates: tstore,
		Renderer:  render.NewRenderer(render.Config{BaseDir: dir}, tstore, nil, nil),
		Registry:  registry,
		Store:     stores.NewMemoryStore(),
		Policy:    pol,
	})
	if err != nil {
		t.Fatalf("failed to create broker: %v", err)
	}
	return &testBroker{Broker: b, sim: sim}
}

func mustStatus(t *testing.T, tb *testBroker, requestID string) RequestStatus {
	t.Helper()

	status, err := tb.GetRequestStatus(context.Background(), requestID)
	if err != nil {
		t.Fatalf("failed to get status of %s: %v", requestID, err)
	}
	return status
}

func TestRequestMachinesAccepted(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})

	id, err := tb.RequestMachines(context.Background(), "t1", 3, map[string]string{"owner": "lab"})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	status := mustStatus(t, tb, id)
	if status.State != StateInProgress {
		t.Errorf("expected InProgress after acceptance, got %s", status.State)
	}
	if status.Kind != KindProvision || status.Count != 3 {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestRequestMachinesUnknownTemplate(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})

	_, err := tb.RequestMachines(context.Background(), "missing", 1, nil)
	if !HasCode(err, ErrCodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestRequestMachinesDeniedByPolicy(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})

	tests := []struct {
		name  string
		count int
	}{
		{"above template max", 11},
		{"zero count", 0},
		{"negative count", -2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tb.RequestMachines(context.Background(), "t1", tt.count, nil)
			if !HasCode(err, ErrCodePolicyDenied) {
				t.Fatalf("expected POLICY_DENIED, got %v", err)
			}
		})
	}

	// Denied requests never reach the event log.
	events, err := tb.store.ReadAllSince(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("expected empty event log, got %d events", len(events))
	}
}

func TestDualSpecFailsBeforeProviderCall(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})

	id, err := tb.RequestMachines(context.Background(), "t-dual", 1, nil)
	if !HasCode(err, ErrCodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}

	// The request fails before any submit event is appended.
	status := mustStatus(t, tb, id)
	if status.State != StateFailed {
		t.Errorf("expected Failed, got %s", status.State)
	}
	events, err := tb.store.ReadAggregate(context.Background(), stores.AggregateRequest, id)
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range events {
		if ev.Kind == EventRequestSubmitted {
			t.Error("rendering failures must not reach the provider")
		}
	}
}

func TestUndefinedVariableWithoutFallbackFails(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})

	_, err := tb.RequestMachines(context.Background(), "t-strict", 1, nil)
	if !HasCode(err, ErrCodeUndefinedVariable) {
		t.Fatalf("expected UNDEFINED_VARIABLE, got %v", err)
	}
}

func TestUndefinedVariableFallsBackWhenAllowed(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})

	id, err := tb.RequestMachines(context.Background(), "t-fallback", 2, nil)
	if err != nil {
		t.Fatalf("fallback render should succeed: %v", err)
	}
	if mustStatus(t, tb, id).State != StateInProgress {
		t.Errorf("expected InProgress, got %s", mustStatus(t, tb, id).State)
	}
}

func TestRequestMachinesProviderRejection(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{RejectCreate: true})

	id, err := tb.RequestMachines(context.Background(), "t1", 1, nil)
	if !HasCode(err, ErrCodeProviderRejected) {
		t.Fatalf("expected PROVIDER_REJECTED, got %v", err)
	}
	status := mustStatus(t, tb, id)
	if status.State != StateFailed {
		t.Errorf("expected Failed, got %s", status.State)
	}
}

func TestReturnMachinesUnknownMachine(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})

	_, err := tb.ReturnMachines(context.Background(), []string{"nope"})
	if !HasCode(err, ErrCodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestReturnMachinesEmptyDenied(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})

	_, err := tb.ReturnMachines(context.Background(), nil)
	if !HasCode(err, ErrCodePolicyDenied) {
		t.Fatalf("expected POLICY_DENIED, got %v", err)
	}
}

func TestCancelTerminalRequestRejected(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})
	ctx := context.Background()

	id, err := tb.RequestMachines(ctx, "t1", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)
	if mustStatus(t, tb, id).State != StateCompleted {
		t.Fatalf("expected Completed, got %s", mustStatus(t, tb, id).State)
	}

	err = tb.CancelRequest(ctx, id)
	if !HasCode(err, ErrCodeInvalidTransition) {
		t.Fatalf("expected INVALID_TRANSITION, got %v", err)
	}
}

func TestGetRequestStatusUnknown(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})

	_, err := tb.GetRequestStatus(context.Background(), "missing")
	if !HasCode(err, ErrCodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestGetProviderHealth(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})

	health := tb.GetProviderHealth(context.Background())
	if len(health) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(health))
	}
	if health[0].ID != "sim:default:local" {
		t.Errorf("unexpected instance id %s", health[0].ID)
	}
}
