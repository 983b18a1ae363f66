package broker

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/fleetbroker/fleetbroker/pkg/providers"
	"github.com/fleetbroker/fleetbroker/pkg/stores"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func reqEvent(seq int64, kind string, payload interface{}) stores.Event {
	return stores.Event{
		ID:            seq,
		AggregateType: stores.AggregateRequest,
		AggregateID:   "r1",
		Sequence:      seq,
		Kind:          kind,
		Payload:       marshalPayload(payload),
		Timestamp:     testEpoch.Add(time.Duration(seq) * time.Second),
	}
}

func provisionPrefix(count int) []stores.Event {
	return []stores.Event{
		reqEvent(1, EventRequestCreated, CreatedPayload{
			Kind: KindProvision, TemplateID: "t1", Count: count,
			Deadline: testEpoch.Add(time.Hour),
		}),
		reqEvent(2, EventRequestSubmitted, SubmittedPayload{ProviderInstance: "sim:default:local"}),
		reqEvent(3, EventRequestAccepted, AcceptedPayload{ProviderRequestID: "sim-req-1"}),
	}
}

func TestReplayFullProvisionLifecycle(t *testing.T) {
	events := append(provisionPrefix(2),
		reqEvent(4, EventRequestObserved, ObservedPayload{Machines: []MachineResult{
			{MachineID: "m1", InstanceID: "i-1", Status: providers.MachineRunning},
			{MachineID: "m2", InstanceID: "i-2", Status: providers.MachineRunning},
		}}),
		reqEvent(5, EventRequestCompleted, nil),
	)

	req, err := ReplayRequest("r1", events)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if req.State != StateCompleted {
		t.Errorf("expected Completed, got %s", req.State)
	}
	if req.Version != 5 {
		t.Errorf("expected version 5, got %d", req.Version)
	}
	if req.RunningCount() != 2 {
		t.Errorf("expected 2 running machines, got %d", req.RunningCount())
	}
	if req.ProviderRequestID != "sim-req-1" {
		t.Errorf("unexpected provider request id %s", req.ProviderRequestID)
	}
}

func TestApplyRejectsSkippedState(t *testing.T) {
	req := &Request{ID: "r1"}
	if err := req.Apply(reqEvent(1, EventRequestCreated, CreatedPayload{Kind: KindProvision, Count: 1})); err != nil {
		t.Fatal(err)
	}

	// Accepted straight from Pending skips Submitting.
	err := req.Apply(reqEvent(2, EventRequestAccepted, AcceptedPayload{ProviderRequestID: "x"}))
	if !HasCode(err, ErrCodeInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if req.State != StatePending {
		t.Errorf("state must not change on rejected event, got %s", req.State)
	}
}

func TestApplyRejectsSequenceGap(t *testing.T) {
	req := &Request{ID: "r1"}
	if err := req.Apply(reqEvent(1, EventRequestCreated, CreatedPayload{Kind: KindProvision, Count: 1})); err != nil {
		t.Fatal(err)
	}
	err := req.Apply(reqEvent(3, EventRequestSubmitted, SubmittedPayload{ProviderInstance: "p"}))
	if !IsConflict(err) {
		t.Fatalf("expected conflict on sequence gap, got %v", err)
	}
}

func TestStaleObservationIsNoOp(t *testing.T) {
	events := append(provisionPrefix(1),
		reqEvent(4, EventRequestObserved, ObservedPayload{Machines: []MachineResult{
			{MachineID: "m1", InstanceID: "i-1", Status: providers.MachineRunning},
		}}),
		reqEvent(5, EventRequestCompleted, nil),
	)
	req, err := ReplayRequest("r1", events)
	if err != nil {
		t.Fatal(err)
	}

	// A poll result persisted after completion merges nothing.
	if err := req.Apply(reqEvent(6, EventRequestObserved, ObservedPayload{Machines: []MachineResult{
		{MachineID: "m1", InstanceID: "i-1", Status: providers.MachineFailed},
	}})); err != nil {
		t.Fatalf("stale observation must not error: %v", err)
	}
	if req.State != StateCompleted {
		t.Errorf("expected Completed, got %s", req.State)
	}
	if req.Machines[0].Status != providers.MachineRunning {
		t.Errorf("stale observation must not merge, got %s", req.Machines[0].Status)
	}
	if req.Version != 6 {
		t.Errorf("no-op event still advances the version, got %d", req.Version)
	}
}

func TestLateCancelFlagIsNoOp(t *testing.T) {
	events := append(provisionPrefix(1), reqEvent(4, EventRequestFailed, TerminalPayload{Reason: "test"}))
	req, err := ReplayRequest("r1", events)
	if err != nil {
		t.Fatal(err)
	}

	if err := req.Apply(reqEvent(5, EventRequestCancelRequested, nil)); err != nil {
		t.Fatalf("late cancel flag must not error: %v", err)
	}
	if req.CancelRequested {
		t.Error("cancel flag must not be set after a terminal state")
	}
	if req.State != StateFailed {
		t.Errorf("expected Failed, got %s", req.State)
	}
}

func TestFailedAllowedFromOpenStates(t *testing.T) {
	tests := []struct {
		name   string
		prefix []stores.Event
	}{
		{"from pending", provisionPrefix(1)[:1]},
		{"from submitting", provisionPrefix(1)[:2]},
		{"from in progress", provisionPrefix(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ReplayRequest("r1", tt.prefix)
			if err != nil {
				t.Fatal(err)
			}
			seq := req.Version + 1
			if err := req.Apply(reqEvent(seq, EventRequestFailed, TerminalPayload{Reason: "boom"})); err != nil {
				t.Fatalf("failed must be reachable: %v", err)
			}
			if req.State != StateFailed {
				t.Errorf("expected Failed, got %s", req.State)
			}
		})
	}

	t.Run("not from completed", func(t *testing.T) {
		events := append(provisionPrefix(1), reqEvent(4, EventRequestCompleted, nil))
		req, err := ReplayRequest("r1", events)
		if err != nil {
			t.Fatal(err)
		}
		err = req.Apply(reqEvent(5, EventRequestFailed, TerminalPayload{Reason: "boom"}))
		if !HasCode(err, ErrCodeInvalidTransition) {
			t.Fatalf("expected invalid transition, got %v", err)
		}
	})
}

func TestCancelLifecycle(t *testing.T) {
	events := append(provisionPrefix(2),
		reqEvent(4, EventRequestCancelRequested, nil),
		reqEvent(5, EventRequestCancelling, nil),
		reqEvent(6, EventRequestCancelled, nil),
	)
	req, err := ReplayRequest("r1", events)
	if err != nil {
		t.Fatal(err)
	}
	if req.State != StateCancelled {
		t.Errorf("expected Cancelled, got %s", req.State)
	}
	if !req.CancelRequested {
		t.Error("cancel flag should be recorded")
	}
	if req.CancellingSince.IsZero() {
		t.Error("cancelling timestamp should be recorded")
	}
}

func TestCancellingRequiresInProgress(t *testing.T) {
	req, err := ReplayRequest("r1", provisionPrefix(1)[:2])
	if err != nil {
		t.Fatal(err)
	}
	err = req.Apply(reqEvent(3, EventRequestCancelling, nil))
	if !HasCode(err, ErrCodeInvalidTransition) {
		t.Fatalf("expected invalid transition from Submitting, got %v", err)
	}
}

// Observations merge keyed by provider instance id, so duplicated and
// re-ordered poll results converge to one entry per machine with its first
// assigned identity.
func TestObservationMergeConverges(t *testing.T) {
	req, err := ReplayRequest("r1", provisionPrefix(3))
	if err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(7))
	observed := []MachineResult{
		{MachineID: "m1", InstanceID: "i-1", Status: providers.MachinePending},
		{MachineID: "m2", InstanceID: "i-2", Status: providers.MachinePending},
		{MachineID: "m3", InstanceID: "i-3", Status: providers.MachinePending},
	}
	if err := req.Apply(reqEvent(4, EventRequestObserved, ObservedPayload{Machines: observed})); err != nil {
		t.Fatal(err)
	}
	for round := 0; round < 20; round++ {
		batch := make([]MachineResult, len(observed))
		copy(batch, observed)
		rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
		for i := range batch {
			if rng.Intn(2) == 0 {
				batch[i].Status = providers.MachineRunning
			}
			// A later writer may omit the assigned machine identity.
			batch[i].MachineID = ""
		}
		seq := req.Version + 1
		if err := req.Apply(reqEvent(seq, EventRequestObserved, ObservedPayload{Machines: batch})); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if len(req.Machines) != 3 {
			t.Fatalf("round %d: expected 3 machines, got %d", round, len(req.Machines))
		}
	}

	for i, m := range req.Machines {
		if want := fmt.Sprintf("m%d", i+1); m.MachineID != want {
			t.Errorf("machine %d lost its identity: got %q want %q", i, m.MachineID, want)
		}
	}
}
