package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// SimConfig scripts the behavior of a SimProvider.
type SimConfig struct {
	// PollsUntilRunning is how many DescribeCapacity calls a unit stays
	// pending before it is reported running (0 = running on first poll).
	PollsUntilRunning int

	// FailUnits is the number of requested units that never start; they
	// are reported failed once the rest are running.
	FailUnits int

	// StallUnits is the number of requested units that stay pending
	// forever, forcing the broker's polling window to expire.
	StallUnits int

	// RejectCreate makes CreateCapacity fail synchronously.
	RejectCreate bool

	// TransientDescribeErrors makes the first N DescribeCapacity calls
	// per request fail with a retryable error.
	TransientDescribeErrors int

	// ProbeErr is returned by Probe when set.
	ProbeErr error
}

// ErrSimRejected is the synchronous rejection error of the sim provider.
var ErrSimRejected = errors.New("sim provider rejected the request")

// ErrSimTransient is the scripted transient describe error.
var ErrSimTransient = errors.New("sim provider transient error")

// simRequest is the sim-side state of one submitted request.
type simRequest struct {
	instanceIDs    []string
	terminate      bool
	polls          int
	transientLeft  int
	failUnits      int
	stallUnits     int
	untilRunning   int
}

// SimProvider is an in-memory provider used by the test suite and the CLI
// development mode. Behavior is scripted through SimConfig.
type SimProvider struct {
	config SimConfig

	mu       sync.Mutex
	seq      int
	requests map[string]*simRequest
}

// NewSimProvider creates a sim provider with the given scripted behavior.
func NewSimProvider(cfg SimConfig) *SimProvider {
	return &SimProvider{
		config:   cfg,
		requests: make(map[string]*simRequest),
	}
}

// CreateCapacity submits a provisioning request.
func (p *SimProvider) CreateCapacity(_ context.Context, payload Payload) (string, error) {
	if p.config.RejectCreate {
		return "", ErrSimRejected
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	reqID := fmt.Sprintf("sim-req-%d", p.seq)
	ids := make([]string, payload.Count)
	for i := range ids {
		ids[i] = fmt.Sprintf("sim-i-%d-%d", p.seq, i)
	}
	p.requests[reqID] = &simRequest{
		instanceIDs:   ids,
		transientLeft: p.config.TransientDescribeErrors,
		failUnits:     p.config.FailUnits,
		stallUnits:    p.config.StallUnits,
		untilRunning:  p.config.PollsUntilRunning,
	}
	return reqID, nil
}

// TerminateCapacity submits a termination request for the given instances.
func (p *SimProvider) TerminateCapacity(_ context.Context, instanceIDs []string) (string, error) {
	if p.config.RejectCreate {
		return "", ErrSimRejected
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	reqID := fmt.Sprintf("sim-term-%d", p.seq)
	p.requests[reqID] = &simRequest{
		instanceIDs:   append([]string(nil), instanceIDs...),
		terminate:     true,
		transientLeft: p.config.TransientDescribeErrors,
		untilRunning:  p.config.PollsUntilRunning,
	}
	return reqID, nil
}

// DescribeCapacity reports the scripted state of a request.
func (p *SimProvider) DescribeCapacity(_ context.Context, providerRequestID string) (Observation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req, ok := p.requests[providerRequestID]
	if !ok {
		return Observation{}, fmt.Errorf("unknown sim request %s", providerRequestID)
	}

	if req.transientLeft > 0 {
		req.transientLeft--
		return Observation{}, ErrSimTransient
	}

	req.polls++
	settled := req.polls > req.untilRunning

	obs := Observation{ProviderRequestID: providerRequestID}
	done := true
	for i, id := range req.instanceIDs {
		m := MachineObservation{InstanceID: id}
		switch {
		case req.terminate:
			if settled {
				m.State = MachineTerminated
			} else {
				m.State = MachineTerminating
				done = false
			}
		case i < req.stallUnits:
			m.State = MachinePending
			done = false
		case i < req.stallUnits+req.failUnits:
			if settled {
				m.State = MachineFailed
				m.Message = "sim unit failed to launch"
			} else {
				m.State = MachinePending
				done = false
			}
		default:
			if settled {
				m.State = MachineRunning
			} else {
				m.State = MachinePending
				done = false
			}
		}
		obs.Machines = append(obs.Machines, m)
	}
	obs.Done = done
	return obs, nil
}

// TerminatedInstances returns every instance ID submitted for termination,
// in submission order.
func (p *SimProvider) TerminatedInstances() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
	for i := 1; i <= p.seq; i++ {
		req, ok := p.requests[fmt.Sprintf("sim-term-%d", i)]
		if !ok {
			continue
		}
		ids = append(ids, req.instanceIDs...)
	}
	return ids
}

// Probe returns the scripted probe error.
func (p *SimProvider) Probe(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config.ProbeErr
}

// SetProbeErr changes the scripted probe outcome at runtime.
func (p *SimProvider) SetProbeErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.config.ProbeErr = err
}
