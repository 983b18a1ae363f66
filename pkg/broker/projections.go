package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetbroker/fleetbroker/pkg/providers"
	"github.com/fleetbroker/fleetbroker/pkg/stores"
)

// RequestStatus is the read-side view of one request.
type RequestStatus struct {
	RequestID  string          `json:"request_id"`
	Kind       RequestKind     `json:"kind"`
	TemplateID string          `json:"template_id,omitempty"`
	State      RequestState    `json:"state"`
	Count      int             `json:"count"`
	Machines   []MachineResult `json:"machines,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Version    int64           `json:"version"`
}

// MachineRecord is the read-side view of one machine.
type MachineRecord struct {
	MachineID        string                 `json:"machine_id"`
	RequestID        string                 `json:"request_id"`
	ReturnRequestID  string                 `json:"return_request_id,omitempty"`
	TemplateID       string                 `json:"template_id"`
	ProviderInstance string                 `json:"provider_instance"`
	InstanceID       string                 `json:"instance_id"`
	Status           providers.MachineState `json:"status"`
	PrivateIP        string                 `json:"private_ip,omitempty"`
	Message          string                 `json:"message,omitempty"`
	Tags             map[string]string      `json:"tags,omitempty"`
	UpdatedAt        time.Time              `json:"updated_at"`
	Version          int64                  `json:"version"`
}

// MachineFilter narrows ListMachines results. Zero fields match anything.
type MachineFilter struct {
	RequestID  string
	TemplateID string
	Status     providers.MachineState
}

// Projections is the read side: current request status and the machine
// inventory, derived from the event log. Reads take a shared lock and never
// touch the provider; the whole view can be rebuilt by replay from
// sequence 0.
type Projections struct {
	mu       sync.RWMutex
	requests map[string]*Request
	machines map[string]*MachineRecord
	lastID   int64
}

// NewProjections creates an empty projection set.
func NewProjections() *Projections {
	return &Projections{
		requests: make(map[string]*Request),
		machines: make(map[string]*MachineRecord),
	}
}

// ApplyEvents folds freshly appended events into the view. Events must
// arrive in global order per aggregate; events at or below the last seen
// global ID are skipped so replays after a rebuild are harmless.
func (p *Projections) ApplyEvents(events []stores.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ev := range events {
		if ev.ID != 0 && ev.ID <= p.lastID {
			continue
		}
		p.applyLocked(ev)
		if ev.ID > p.lastID {
			p.lastID = ev.ID
		}
	}
}

// Rebuild resets the view and replays the full log from the store.
func (p *Projections) Rebuild(ctx context.Context, store stores.Store) error {
	events, err := store.ReadAllSince(ctx, 0)
	if err != nil {
		return NewTransientError("failed to read event log for rebuild", err).WithCode(ErrCodeStorage)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = make(map[string]*Request)
	p.machines = make(map[string]*MachineRecord)
	p.lastID = 0
	for _, ev := range events {
		p.applyLocked(ev)
		if ev.ID > p.lastID {
			p.lastID = ev.ID
		}
	}
	return nil
}

func (p *Projections) applyLocked(ev stores.Event) {
	switch ev.AggregateType {
	case stores.AggregateRequest:
		req, ok := p.requests[ev.AggregateID]
		if !ok {
			req = &Request{ID: ev.AggregateID}
			p.requests[ev.AggregateID] = req
		}
		// A projection never rejects persisted history; decode errors
		// would have failed the append.
		_ = req.Apply(ev)

	case stores.AggregateMachine:
		p.applyMachineLocked(ev)
	}
}

func (p *Projections) applyMachineLocked(ev stores.Event) {
	switch ev.Kind {
	case EventMachineLaunched:
		var payload MachineLaunchedPayload
		if err := unmarshalPayload(ev.Payload, &payload); err != nil {
			return
		}
		p.machines[ev.AggregateID] = &MachineRecord{
			MachineID:        ev.AggregateID,
			RequestID:        payload.RequestID,
			TemplateID:       payload.TemplateID,
			ProviderInstance: payload.ProviderInstance,
			InstanceID:       payload.InstanceID,
			Status:           providers.MachineRunning,
			PrivateIP:        payload.PrivateIP,
			Tags:             payload.Tags,
			UpdatedAt:        ev.Timestamp,
			Version:          ev.Sequence,
		}

	case EventMachineStatusChanged:
		rec, ok := p.machines[ev.AggregateID]
		if !ok {
			return
		}
		var payload MachineStatusPayload
		if err := unmarshalPayload(ev.Payload, &payload); err != nil {
			return
		}
		rec.Status = payload.Status
		rec.Message = payload.Message
		if payload.PrivateIP != "" {
			rec.PrivateIP = payload.PrivateIP
		}
		if payload.ReturnRequestID != "" {
			rec.ReturnRequestID = payload.ReturnRequestID
		}
		rec.UpdatedAt = ev.Timestamp
		rec.Version = ev.Sequence

	case EventMachineTerminated:
		rec, ok := p.machines[ev.AggregateID]
		if !ok {
			return
		}
		rec.Status = providers.MachineTerminated
		rec.UpdatedAt = ev.Timestamp
		rec.Version = ev.Sequence
	}
}

// Request returns the current status of one request.
func (p *Projections) Request(requestID string) (RequestStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	req, ok := p.requests[requestID]
	if !ok {
		return RequestStatus{}, false
	}
	return requestStatus(req), true
}

// OpenRequests returns the IDs of every non-terminal request.
func (p *Projections) OpenRequests() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]string, 0)
	for id, req := range p.requests {
		if req.Open() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Machine returns the inventory record for one machine.
func (p *Projections) Machine(machineID string) (MachineRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.machines[machineID]
	if !ok {
		return MachineRecord{}, false
	}
	return copyMachineRecord(rec), true
}

// Machines returns inventory records matching the filter, sorted by
// machine ID.
func (p *Projections) Machines(filter MachineFilter) []MachineRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]MachineRecord, 0)
	for _, rec := range p.machines {
		if filter.RequestID != "" && rec.RequestID != filter.RequestID && rec.ReturnRequestID != filter.RequestID {
			continue
		}
		if filter.TemplateID != "" && rec.TemplateID != filter.TemplateID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, copyMachineRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out
}

// MachineCounts returns the machine count per status, for the metrics
// gauge.
func (p *Projections) MachineCounts() map[providers.MachineState]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[providers.MachineState]int)
	for _, rec := range p.machines {
		out[rec.Status]++
	}
	return out
}

func requestStatus(req *Request) RequestStatus {
	machines := make([]MachineResult, len(req.Machines))
	copy(machines, req.Machines)
	return RequestStatus{
		RequestID:  req.ID,
		Kind:       req.Kind,
		TemplateID: req.TemplateID,
		State:      req.State,
		Count:      req.Count,
		Machines:   machines,
		Reason:     req.Reason,
		LastError:  req.LastError,
		CreatedAt:  req.CreatedAt,
		UpdatedAt:  req.UpdatedAt,
		Version:    req.Version,
	}
}

func copyMachineRecord(rec *MachineRecord) MachineRecord {
	cp := *rec
	cp.Tags = make(map[string]string, len(rec.Tags))
	for k, v := range rec.Tags {
		cp.Tags[k] = v
	}
	return cp
}
