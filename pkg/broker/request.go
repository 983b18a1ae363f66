package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetbroker/fleetbroker/pkg/providers"
	"github.com/fleetbroker/fleetbroker/pkg/stores"
)

// RequestKind distinguishes provisioning from return requests.
type RequestKind string

const (
	KindProvision RequestKind = "provision"
	KindReturn    RequestKind = "return"
)

// RequestState is the lifecycle state of a request aggregate.
type RequestState string

const (
	StatePending         RequestState = "Pending"
	StateSubmitting      RequestState = "Submitting"
	StateInProgress      RequestState = "InProgress"
	StateCompleted       RequestState = "Completed"
	StatePartiallyFailed RequestState = "PartiallyFailed"
	StateFailed          RequestState = "Failed"
	StateCancelling      RequestState = "Cancelling"
	StateCancelled       RequestState = "Cancelled"
)

// Terminal reports whether the state is final. Terminal requests are never
// mutated again.
func (s RequestState) Terminal() bool {
	switch s {
	case StateCompleted, StatePartiallyFailed, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Request event kinds.
const (
	EventRequestCreated         = "request.created"
	EventRequestSubmitted       = "request.submitted"
	EventRequestAccepted        = "request.accepted"
	EventRequestRejected        = "request.rejected"
	EventRequestObserved        = "request.observed"
	EventRequestCompleted       = "request.completed"
	EventRequestPartiallyFailed = "request.partially_failed"
	EventRequestFailed          = "request.failed"
	EventRequestCancelRequested = "request.cancel_requested"
	EventRequestCancelling      = "request.cancelling"
	EventRequestCancelled       = "request.cancelled"
)

// Machine event kinds.
const (
	EventMachineLaunched      = "machine.launched"
	EventMachineStatusChanged = "machine.status_changed"
	EventMachineTerminated    = "machine.terminated"
)

// CreatedPayload is the body of request.created.
type CreatedPayload struct {
	Kind       RequestKind       `json:"kind"`
	TemplateID string            `json:"template_id,omitempty"`
	Count      int               `json:"count"`
	MachineIDs []string          `json:"machine_ids,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Deadline   time.Time         `json:"deadline"`
}

// SubmittedPayload is the body of request.submitted.
type SubmittedPayload struct {
	ProviderInstance string `json:"provider_instance"`
}

// AcceptedPayload is the body of request.accepted.
type AcceptedPayload struct {
	ProviderRequestID string `json:"provider_request_id"`
}

// RejectedPayload is the body of request.rejected.
type RejectedPayload struct {
	Message string `json:"message"`
}

// ObservedPayload is the body of request.observed.
type ObservedPayload struct {
	Machines []MachineResult `json:"machines"`
	Message  string          `json:"message,omitempty"`
}

// TerminalPayload is the body of the terminal request events.
type TerminalPayload struct {
	Reason    string `json:"reason,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// MachineLaunchedPayload is the body of machine.launched.
type MachineLaunchedPayload struct {
	RequestID        string            `json:"request_id"`
	TemplateID       string            `json:"template_id"`
	ProviderInstance string            `json:"provider_instance"`
	InstanceID       string            `json:"instance_id"`
	PrivateIP        string            `json:"private_ip,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// MachineStatusPayload is the body of machine.status_changed.
type MachineStatusPayload struct {
	Status          providers.MachineState `json:"status"`
	Message         string                 `json:"message,omitempty"`
	PrivateIP       string                 `json:"private_ip,omitempty"`
	ReturnRequestID string                 `json:"return_request_id,omitempty"`
}

// MachineResult is one compute unit's outcome within a request.
type MachineResult struct {
	MachineID  string                 `json:"machine_id"`
	InstanceID string                 `json:"instance_id"`
	Status     providers.MachineState `json:"status"`
	PrivateIP  string                 `json:"private_ip,omitempty"`
	Message    string                 `json:"message,omitempty"`
}

// Request is the aggregate root of one provisioning or return operation.
// Its state is derived solely from its ordered event log; Apply is the only
// mutator and advances Version by exactly one per event.
type Request struct {
	ID                string
	Kind              RequestKind
	TemplateID        string
	Count             int
	MachineIDs        []string
	Tags              map[string]string
	ProviderInstance  string
	ProviderRequestID string
	State             RequestState
	Machines          []MachineResult
	Reason            string
	LastError         string
	CancelRequested   bool
	CancelRequestedAt time.Time
	CancellingSince   time.Time
	Deadline          time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Version           int64

	machineIndex map[string]int // instance id -> index into Machines
}

// ReplayRequest rebuilds a request aggregate from its event log.
func ReplayRequest(id string, events []stores.Event) (*Request, error) {
	if len(events) == 0 {
		return nil, NewPermanentError(fmt.Sprintf("request %s has no events", id), nil).
			WithCode(ErrCodeNotFound).WithRequest(id)
	}
	req := &Request{ID: id, machineIndex: make(map[string]int)}
	for _, ev := range events {
		if err := req.Apply(ev); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// Apply applies one event to the aggregate. The event's sequence must be
// exactly Version+1; any other sequence is rejected. Transitions outside
// the state machine's edges fail with an invalid-transition error, except
// observations and cancel flags arriving after the state already moved on,
// which are applied as no-ops.
func (r *Request) Apply(ev stores.Event) error {
	if ev.Sequence != r.Version+1 {
		return NewConflictError(fmt.Sprintf("event sequence %d applied to request %s at version %d",
			ev.Sequence, r.ID, r.Version), nil).WithCode(ErrCodeInvalidTransition).WithRequest(r.ID)
	}

	switch ev.Kind {
	case EventRequestCreated:
		if r.Version != 0 {
			return r.invalidTransition(ev.Kind)
		}
		var p CreatedPayload
		if err := unmarshalPayload(ev.Payload, &p); err != nil {
			return err
		}
		r.Kind = p.Kind
		r.TemplateID = p.TemplateID
		r.Count = p.Count
		r.MachineIDs = p.MachineIDs
		r.Tags = p.Tags
		r.Deadline = p.Deadline
		r.State = StatePending
		r.CreatedAt = ev.Timestamp

	case EventRequestSubmitted:
		if r.State != StatePending {
			return r.invalidTransition(ev.Kind)
		}
		var p SubmittedPayload
		if err := unmarshalPayload(ev.Payload, &p); err != nil {
			return err
		}
		r.ProviderInstance = p.ProviderInstance
		r.State = StateSubmitting

	case EventRequestAccepted:
		if r.State != StateSubmitting {
			return r.invalidTransition(ev.Kind)
		}
		var p AcceptedPayload
		if err := unmarshalPayload(ev.Payload, &p); err != nil {
			return err
		}
		r.ProviderRequestID = p.ProviderRequestID
		r.State = StateInProgress

	case EventRequestRejected:
		if r.State != StateSubmitting {
			return r.invalidTransition(ev.Kind)
		}
		var p RejectedPayload
		if err := unmarshalPayload(ev.Payload, &p); err != nil {
			return err
		}
		r.Reason = "provider rejected the request"
		r.LastError = p.Message
		r.State = StateFailed

	case EventRequestObserved:
		// A stale observation after the state moved on is a no-op, not an
		// invalid transition.
		if r.State != StateInProgress {
			break
		}
		var p ObservedPayload
		if err := unmarshalPayload(ev.Payload, &p); err != nil {
			return err
		}
		r.mergeMachines(p.Machines)
		if p.Message != "" {
			r.LastError = p.Message
		}

	case EventRequestCompleted:
		if r.State != StateInProgress {
			return r.invalidTransition(ev.Kind)
		}
		r.State = StateCompleted

	case EventRequestPartiallyFailed:
		if r.State != StateInProgress {
			return r.invalidTransition(ev.Kind)
		}
		var p TerminalPayload
		if err := unmarshalPayload(ev.Payload, &p); err != nil {
			return err
		}
		r.Reason = p.Reason
		if p.LastError != "" {
			r.LastError = p.LastError
		}
		r.State = StatePartiallyFailed

	case EventRequestFailed:
		switch r.State {
		case StatePending, StateSubmitting, StateInProgress:
		default:
			return r.invalidTransition(ev.Kind)
		}
		var p TerminalPayload
		if err := unmarshalPayload(ev.Payload, &p); err != nil {
			return err
		}
		r.Reason = p.Reason
		if p.LastError != "" {
			r.LastError = p.LastError
		}
		r.State = StateFailed

	case EventRequestCancelRequested:
		// The flag is only meaningful before a terminal state; a late
		// cancel echo is a no-op.
		if !r.State.Terminal() && r.State != StateCancelling {
			r.CancelRequested = true
			r.CancelRequestedAt = ev.Timestamp
		}

	case EventRequestCancelling:
		if r.State != StateInProgress {
			return r.invalidTransition(ev.Kind)
		}
		r.State = StateCancelling
		r.CancellingSince = ev.Timestamp

	case EventRequestCancelled:
		if r.State != StateCancelling {
			return r.invalidTransition(ev.Kind)
		}
		r.State = StateCancelled

	default:
		return NewPermanentError(fmt.Sprintf("unknown event kind %s for request %s", ev.Kind, r.ID), nil).
			WithCode(ErrCodeInvalidTransition).WithRequest(r.ID)
	}

	r.Version = ev.Sequence
	r.UpdatedAt = ev.Timestamp
	return nil
}

// Open reports whether the request still needs reconciliation.
func (r *Request) Open() bool {
	return !r.State.Terminal()
}

// RunningCount returns how many machines reached running status.
func (r *Request) RunningCount() int {
	n := 0
	for _, m := range r.Machines {
		if m.Status == providers.MachineRunning {
			n++
		}
	}
	return n
}

// TerminatedCount returns how many machines reached terminated status.
func (r *Request) TerminatedCount() int {
	n := 0
	for _, m := range r.Machines {
		if m.Status == providers.MachineTerminated {
			n++
		}
	}
	return n
}

// InstanceIDs returns the provider instance ids observed so far.
func (r *Request) InstanceIDs() []string {
	ids := make([]string, 0, len(r.Machines))
	for _, m := range r.Machines {
		ids = append(ids, m.InstanceID)
	}
	return ids
}

// mergeMachines folds observed per-unit results into the aggregate, keyed
// by provider instance id.
func (r *Request) mergeMachines(observed []MachineResult) {
	if r.machineIndex == nil {
		r.machineIndex = make(map[string]int, len(r.Machines))
		for i, m := range r.Machines {
			r.machineIndex[m.InstanceID] = i
		}
	}
	for _, m := range observed {
		if i, ok := r.machineIndex[m.InstanceID]; ok {
			if m.MachineID == "" {
				m.MachineID = r.Machines[i].MachineID
			}
			r.Machines[i] = m
			continue
		}
		r.machineIndex[m.InstanceID] = len(r.Machines)
		r.Machines = append(r.Machines, m)
	}
}

func (r *Request) invalidTransition(kind string) error {
	return NewPermanentError(fmt.Sprintf("event %s is not valid in state %s", kind, r.State), nil).
		WithCode(ErrCodeInvalidTransition).WithRequest(r.ID)
}

func unmarshalPayload(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return NewPermanentError("failed to decode event payload", err).WithCode(ErrCodeStorage)
	}
	return nil
}

func marshalPayload(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Payload structs are plain data; Marshal cannot fail on them.
		return nil
	}
	return data
}
