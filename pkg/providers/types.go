// Package providers holds the provider abstraction: the Provider interface
// each configured cloud identity implements, the registry that selects among
// instances by capability and health, and the circuit-breaker health monitor.
package providers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fleetbroker/fleetbroker/pkg/templates"
)

// HealthStatus represents the health of a provider instance.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// MachineState is the provider-observed state of one compute unit.
type MachineState string

const (
	MachinePending     MachineState = "pending"
	MachineRunning     MachineState = "running"
	MachineTerminating MachineState = "terminating"
	MachineTerminated  MachineState = "terminated"
	MachineFailed      MachineState = "failed"
)

// Terminal reports whether the machine state is final.
func (s MachineState) Terminal() bool {
	return s == MachineRunning || s == MachineTerminated || s == MachineFailed
}

// Payload is the concrete provider call produced by the spec renderer.
type Payload struct {
	// TemplateID is the template the payload was rendered from.
	TemplateID string `json:"template_id"`

	// API is the provider API the payload targets.
	API templates.APIKind `json:"api"`

	// Spec is the provider-API-shaped request body.
	Spec json.RawMessage `json:"spec"`

	// Count is the total requested capacity.
	Count int `json:"count"`

	// OnDemandCount and SpotCount split Count for fleet APIs.
	OnDemandCount int `json:"on_demand_count"`
	SpotCount     int `json:"spot_count"`

	// Tags are applied to the provider request.
	Tags map[string]string `json:"tags,omitempty"`
}

// MachineObservation is one compute unit as seen in a DescribeCapacity poll.
type MachineObservation struct {
	// InstanceID is the provider-assigned instance identifier.
	InstanceID string `json:"instance_id"`

	// State is the observed lifecycle state.
	State MachineState `json:"state"`

	// PrivateIP is the instance address, when known.
	PrivateIP string `json:"private_ip,omitempty"`

	// Message carries provider detail for failed units.
	Message string `json:"message,omitempty"`
}

// Observation is the result of polling a provider-side request.
type Observation struct {
	// ProviderRequestID echoes the polled request.
	ProviderRequestID string `json:"provider_request_id"`

	// Machines are the units observed so far.
	Machines []MachineObservation `json:"machines"`

	// Done reports whether the provider considers the request finished
	// (all units placed or the request terminally failed provider-side).
	Done bool `json:"done"`

	// Failed reports a whole-operation terminal failure.
	Failed bool `json:"failed"`

	// Message carries provider detail for terminal failures.
	Message string `json:"message,omitempty"`
}

// Provider is one configured cloud identity capable of fulfilling
// provisioning calls. Implementations must be safe for concurrent use.
type Provider interface {
	// CreateCapacity submits the rendered payload and returns the
	// provider-side request identifier.
	CreateCapacity(ctx context.Context, payload Payload) (string, error)

	// TerminateCapacity requests termination of the given instances and
	// returns a provider-side request identifier for the termination.
	TerminateCapacity(ctx context.Context, instanceIDs []string) (string, error)

	// DescribeCapacity polls the state of a previously submitted request.
	DescribeCapacity(ctx context.Context, providerRequestID string) (Observation, error)

	// Probe performs a cheap liveness call against the provider API.
	Probe(ctx context.Context) error
}

// InstanceConfig identifies and configures one provider instance.
type InstanceConfig struct {
	// Type is the provider type (e.g. "aws", "sim").
	Type string `json:"type" yaml:"type" validate:"required"`

	// Profile is the credential profile name.
	Profile string `json:"profile" yaml:"profile" validate:"required"`

	// Region is the provider region.
	Region string `json:"region" yaml:"region" validate:"required"`

	// Capabilities is the set of provider APIs this instance supports.
	Capabilities []templates.APIKind `json:"capabilities" yaml:"capabilities" validate:"min=1"`
}

// ID returns the canonical instance identifier, type:profile:region.
func (c InstanceConfig) ID() string {
	return c.Type + ":" + c.Profile + ":" + c.Region
}

// InstanceHealth is a point-in-time health snapshot of one instance,
// returned by the GetProviderHealth query.
type InstanceHealth struct {
	// ID is the instance identifier.
	ID string `json:"id"`

	// Status is the current health classification.
	Status HealthStatus `json:"status"`

	// Failures is the consecutive failure count.
	Failures int `json:"failures"`

	// CoolDownUntil is set while the circuit breaker is open.
	CoolDownUntil *time.Time `json:"cool_down_until,omitempty"`

	// Capabilities is the set of supported provider APIs.
	Capabilities []templates.APIKind `json:"capabilities"`
}
