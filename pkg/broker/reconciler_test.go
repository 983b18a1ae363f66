package broker

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetbroker/fleetbroker/pkg/providers"
	"github.com/fleetbroker/fleetbroker/pkg/stores"
)

func requestEventKinds(t *testing.T, tb *testBroker, requestID string) []string {
	t.Helper()

	events, err := tb.store.ReadAggregate(context.Background(), stores.AggregateRequest, requestID)
	if err != nil {
		t.Fatalf("failed to read events: %v", err)
	}
	kinds := make([]string, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestProvisionCompletes(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})
	ctx := context.Background()

	id, err := tb.RequestMachines(ctx, "t1", 3, map[string]string{"owner": "lab"})
	if err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)

	status := mustStatus(t, tb, id)
	if status.State != StateCompleted {
		t.Fatalf("expected Completed, got %s", status.State)
	}
	if len(status.Machines) != 3 {
		t.Fatalf("expected 3 machines, got %d", len(status.Machines))
	}
	for _, m := range status.Machines {
		if m.Status != providers.MachineRunning {
			t.Errorf("machine %s not running: %s", m.MachineID, m.Status)
		}
		if m.MachineID == "" {
			t.Error("machine was not assigned an identity")
		}
	}

	records := tb.ListMachines(ctx, MachineFilter{RequestID: id})
	if len(records) != 3 {
		t.Fatalf("expected 3 inventory records, got %d", len(records))
	}
	for _, rec := range records {
		if rec.ProviderInstance != "sim:default:local" {
			t.Errorf("unexpected provider instance %s", rec.ProviderInstance)
		}
		if rec.TemplateID != "t1" {
			t.Errorf("unexpected template %s", rec.TemplateID)
		}
		if rec.Tags["owner"] != "lab" {
			t.Errorf("request tags missing from record: %+v", rec.Tags)
		}
	}
}

func TestProvisionPartiallyFails(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{FailUnits: 2})
	ctx := context.Background()

	id, err := tb.RequestMachines(ctx, "t1", 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)

	status := mustStatus(t, tb, id)
	if status.State != StatePartiallyFailed {
		t.Fatalf("expected PartiallyFailed, got %s", status.State)
	}
	if !strings.Contains(status.Reason, "3 of 5") {
		t.Errorf("reason should name the partial outcome, got %q", status.Reason)
	}

	// Only units that reached running enter the inventory.
	if records := tb.ListMachines(ctx, MachineFilter{RequestID: id}); len(records) != 3 {
		t.Errorf("expected 3 inventory records, got %d", len(records))
	}
}

func TestProvisionAllUnitsFail(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{FailUnits: 2})
	ctx := context.Background()

	id, err := tb.RequestMachines(ctx, "t1", 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)

	if status := mustStatus(t, tb, id); status.State != StateFailed {
		t.Fatalf("expected Failed, got %s", status.State)
	}
}

func TestPollRetriesTransientErrors(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{TransientDescribeErrors: 2})
	ctx := context.Background()

	id, err := tb.RequestMachines(ctx, "t1", 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)

	if status := mustStatus(t, tb, id); status.State != StateCompleted {
		t.Fatalf("expected Completed after retries, got %s", status.State)
	}
}

func TestTransientErrorsBeyondRetriesWaitForNextTick(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{TransientDescribeErrors: 5})
	ctx := context.Background()

	id, err := tb.RequestMachines(ctx, "t1", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)
	if status := mustStatus(t, tb, id); status.State != StateInProgress {
		t.Fatalf("expected still InProgress, got %s", status.State)
	}

	// Two more passes burn the remaining scripted errors.
	tb.ReconcileOnce(ctx)
	if status := mustStatus(t, tb, id); status.State != StateCompleted {
		t.Fatalf("expected Completed, got %s", status.State)
	}
}

func TestDeadlineSettlesPartially(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{StallUnits: 2})
	ctx := context.Background()

	id, err := tb.RequestMachines(ctx, "t1", 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)
	if status := mustStatus(t, tb, id); status.State != StateInProgress {
		t.Fatalf("expected InProgress while units stall, got %s", status.State)
	}

	tb.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	tb.ReconcileOnce(ctx)

	status := mustStatus(t, tb, id)
	if status.State != StatePartiallyFailed {
		t.Fatalf("expected PartiallyFailed at deadline, got %s", status.State)
	}
	if !strings.Contains(status.Reason, "deadline") {
		t.Errorf("reason should mention the deadline, got %q", status.Reason)
	}
	if records := tb.ListMachines(ctx, MachineFilter{RequestID: id}); len(records) != 3 {
		t.Errorf("expected 3 inventory records, got %d", len(records))
	}
}

func TestDeadlineFailsWithNothingRunning(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{StallUnits: 5, PollsUntilRunning: 1000})
	ctx := context.Background()

	id, err := tb.RequestMachines(ctx, "t1", 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)
	tb.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	tb.ReconcileOnce(ctx)

	if status := mustStatus(t, tb, id); status.State != StateFailed {
		t.Fatalf("expected Failed at deadline, got %s", status.State)
	}
}

func TestCancelFlow(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{PollsUntilRunning: 1000})
	ctx := context.Background()

	id, err := tb.RequestMachines(ctx, "t1", 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)

	if err := tb.CancelRequest(ctx, id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	// Cancelling an already flagged request is idempotent.
	if err := tb.CancelRequest(ctx, id); err != nil {
		t.Fatalf("repeat cancel failed: %v", err)
	}

	tb.ReconcileOnce(ctx)
	if status := mustStatus(t, tb, id); status.State != StateCancelled {
		t.Fatalf("expected Cancelled, got %s", status.State)
	}

	kinds := requestEventKinds(t, tb, id)
	cancellingAt, cancelledAt := -1, -1
	for i, kind := range kinds {
		switch kind {
		case EventRequestCancelling:
			cancellingAt = i
		case EventRequestCancelled:
			cancelledAt = i
		}
	}
	if cancellingAt == -1 || cancelledAt == -1 || cancellingAt >= cancelledAt {
		t.Errorf("expected Cancelling before Cancelled in %v", kinds)
	}
}

func TestCancelBeforeFirstObservationTerminatesCapacity(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{PollsUntilRunning: 1000})
	ctx := context.Background()

	id, err := tb.RequestMachines(ctx, "t1", 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	// The cancel lands before the reconciler ever polls, so the request has
	// no observed units. The provider is still holding three.
	if err := tb.CancelRequest(ctx, id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	tb.ReconcileOnce(ctx)

	if status := mustStatus(t, tb, id); status.State != StateCancelled {
		t.Fatalf("expected Cancelled, got %s", status.State)
	}
	terminated := tb.sim.TerminatedInstances()
	if len(terminated) != 3 {
		t.Fatalf("expected terminate for all 3 provider-side units, got %v", terminated)
	}
}

func TestReturnFlow(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})
	ctx := context.Background()

	provID, err := tb.RequestMachines(ctx, "t1", 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)

	records := tb.ListMachines(ctx, MachineFilter{RequestID: provID})
	if len(records) != 2 {
		t.Fatalf("expected 2 machines, got %d", len(records))
	}
	machineIDs := []string{records[0].MachineID, records[1].MachineID}

	retID, err := tb.ReturnMachines(ctx, machineIDs)
	if err != nil {
		t.Fatalf("return failed: %v", err)
	}

	// The inventory flips to terminating as soon as the return is accepted.
	for _, id := range machineIDs {
		rec, ok := tb.projections.Machine(id)
		if !ok {
			t.Fatalf("machine %s disappeared", id)
		}
		if rec.Status != providers.MachineTerminating {
			t.Errorf("expected terminating, got %s", rec.Status)
		}
		if rec.ReturnRequestID != retID {
			t.Errorf("expected return request %s on record, got %s", retID, rec.ReturnRequestID)
		}
	}

	tb.ReconcileOnce(ctx)
	if status := mustStatus(t, tb, retID); status.State != StateCompleted {
		t.Fatalf("expected return Completed, got %s", status.State)
	}
	for _, id := range machineIDs {
		rec, _ := tb.projections.Machine(id)
		if rec.Status != providers.MachineTerminated {
			t.Errorf("expected terminated, got %s", rec.Status)
		}
	}

	// The return request is visible through the machine filter as well.
	if got := tb.ListMachines(ctx, MachineFilter{RequestID: retID}); len(got) != 2 {
		t.Errorf("expected 2 machines under the return request, got %d", len(got))
	}
}

func TestReturnRejectsAlreadyTerminated(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})
	ctx := context.Background()

	provID, err := tb.RequestMachines(ctx, "t1", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)
	machineID := tb.ListMachines(ctx, MachineFilter{RequestID: provID})[0].MachineID

	if _, err := tb.ReturnMachines(ctx, []string{machineID}); err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)

	if _, err := tb.ReturnMachines(ctx, []string{machineID}); !HasCode(err, ErrCodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR for terminated machine, got %v", err)
	}
}

func TestReturnMachinesByRequest(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})
	ctx := context.Background()

	provID, err := tb.RequestMachines(ctx, "t1", 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)

	retID, err := tb.ReturnMachinesByRequest(ctx, provID)
	if err != nil {
		t.Fatalf("return by request failed: %v", err)
	}
	tb.ReconcileOnce(ctx)

	if status := mustStatus(t, tb, retID); status.State != StateCompleted {
		t.Fatalf("expected Completed, got %s", status.State)
	}
	for _, rec := range tb.ListMachines(ctx, MachineFilter{RequestID: provID}) {
		if rec.Status != providers.MachineTerminated {
			t.Errorf("machine %s not terminated: %s", rec.MachineID, rec.Status)
		}
	}

	// A second sweep finds nothing left to return.
	if _, err := tb.ReturnMachinesByRequest(ctx, provID); !HasCode(err, ErrCodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

// The projection rebuilt from the event log must be indistinguishable from
// the one maintained incrementally.
func TestRebuildMatchesLiveProjection(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{FailUnits: 2})
	ctx := context.Background()

	id, err := tb.RequestMachines(ctx, "t1", 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)

	rebuilt := NewProjections()
	if err := rebuilt.Rebuild(ctx, tb.store); err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	liveStatus := mustStatus(t, tb, id)
	rebuiltStatus, ok := rebuilt.Request(id)
	if !ok {
		t.Fatal("request missing from rebuilt projection")
	}
	if !reflect.DeepEqual(liveStatus, rebuiltStatus) {
		t.Errorf("request projections diverge:\nlive:    %+v\nrebuilt: %+v", liveStatus, rebuiltStatus)
	}

	liveMachines := tb.projections.Machines(MachineFilter{})
	rebuiltMachines := rebuilt.Machines(MachineFilter{})
	if !reflect.DeepEqual(liveMachines, rebuiltMachines) {
		t.Errorf("machine projections diverge:\nlive:    %+v\nrebuilt: %+v", liveMachines, rebuiltMachines)
	}
}

func TestVersionMatchesEventCount(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})
	ctx := context.Background()

	id, err := tb.RequestMachines(ctx, "t1", 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)

	events, err := tb.store.ReadAggregate(ctx, stores.AggregateRequest, id)
	if err != nil {
		t.Fatal(err)
	}
	status := mustStatus(t, tb, id)
	if status.Version != int64(len(events)) {
		t.Errorf("version %d does not match %d events", status.Version, len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Errorf("event %d has sequence %d", i, ev.Sequence)
		}
	}
}

// Concurrent returns over disjoint machine sets must both succeed without
// losing events.
func TestConcurrentReturnsDisjointSets(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{})
	ctx := context.Background()

	provID, err := tb.RequestMachines(ctx, "t1", 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)

	records := tb.ListMachines(ctx, MachineFilter{RequestID: provID})
	if len(records) != 4 {
		t.Fatalf("expected 4 machines, got %d", len(records))
	}
	sets := [][]string{
		{records[0].MachineID, records[1].MachineID},
		{records[2].MachineID, records[3].MachineID},
	}

	var wg sync.WaitGroup
	errs := make([]error, len(sets))
	ids := make([]string, len(sets))
	for i, set := range sets {
		wg.Add(1)
		go func(i int, set []string) {
			defer wg.Done()
			ids[i], errs[i] = tb.ReturnMachines(ctx, set)
		}(i, set)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("return %d failed: %v", i, err)
		}
	}
	tb.ReconcileOnce(ctx)

	for _, id := range ids {
		if status := mustStatus(t, tb, id); status.State != StateCompleted {
			t.Errorf("return %s not completed: %s", id, status.State)
		}
	}

	statuses := make([]string, 0, 4)
	for _, rec := range tb.ListMachines(ctx, MachineFilter{RequestID: provID}) {
		statuses = append(statuses, string(rec.Status))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		if s != string(providers.MachineTerminated) {
			t.Fatalf("expected all machines terminated, got %v", statuses)
		}
	}
}

func TestRecoverResumesOpenRequests(t *testing.T) {
	tb := newTestBroker(t, providers.SimConfig{PollsUntilRunning: 1})
	ctx := context.Background()

	id, err := tb.RequestMachines(ctx, "t1", 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	tb.ReconcileOnce(ctx)
	if status := mustStatus(t, tb, id); status.State != StateInProgress {
		t.Fatalf("expected InProgress, got %s", status.State)
	}

	// A restarted broker over the same event store picks the request up.
	fresh, err := NewBroker(tb.config, Options{
		Templates: tb.templates,
		Renderer:  tb.renderer,
		Registry:  tb.registry,
		Store:     tb.store,
		Policy:    tb.policy,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := fresh.Recover(ctx); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	fresh.ReconcileOnce(ctx)

	status, err := fresh.GetRequestStatus(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != StateCompleted {
		t.Fatalf("expected Completed after recovery, got %s", status.State)
	}
}
