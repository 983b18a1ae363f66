package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetbroker/fleetbroker/pkg/policy"
	"github.com/fleetbroker/fleetbroker/pkg/providers"
	"github.com/fleetbroker/fleetbroker/pkg/render"
	"github.com/fleetbroker/fleetbroker/pkg/stores"
	"github.com/fleetbroker/fleetbroker/pkg/telemetry"
	"github.com/fleetbroker/fleetbroker/pkg/templates"
)

// Options collects the broker's dependencies.
type Options struct {
	Templates *templates.Store
	Renderer  *render.Renderer
	Registry  *providers.Registry
	Store     stores.Store
	Policy    *policy.Engine
	Logger    *telemetry.Logger
	Metrics   *telemetry.Metrics
	Tracer    *telemetry.Tracer
}

// Broker is the command/query boundary of the orchestration engine.
// Commands append events through the aggregate; queries read projections
// and never touch a provider.
type Broker struct {
	config      Config
	log         *telemetry.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	templates   *templates.Store
	renderer    *render.Renderer
	registry    *providers.Registry
	store       stores.Store
	policy      *policy.Engine
	projections *Projections

	locks *keyedMutex
	now   func() time.Time
	newID func() string
}

// NewBroker wires a broker from its dependencies.
func NewBroker(cfg Config, opts Options) (*Broker, error) {
	if opts.Templates == nil || opts.Renderer == nil || opts.Registry == nil || opts.Store == nil {
		return nil, fmt.Errorf("templates, renderer, registry, and store are required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	return &Broker{
		config:      cfg.withDefaults(),
		log:         log.NewComponentLogger("broker"),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		templates:   opts.Templates,
		renderer:    opts.Renderer,
		registry:    opts.Registry,
		store:       opts.Store,
		policy:      opts.Policy,
		projections: NewProjections(),
		locks:       newKeyedMutex(),
		now:         time.Now,
		newID:       func() string { return uuid.NewString() },
	}, nil
}

// Recover rebuilds the projections from the event log, typically at
// startup. Open requests resume on the next reconcile tick.
func (b *Broker) Recover(ctx context.Context) error {
	if err := b.projections.Rebuild(ctx, b.store); err != nil {
		return err
	}
	open := b.projections.OpenRequests()
	if len(open) > 0 {
		b.log.Infof("recovered %d open requests", len(open))
	}
	return nil
}

// RequestMachines provisions count machines from a template. It resolves
// and admits the request, selects a healthy provider, renders the payload,
// and submits the provider call before returning; the reconciliation loop
// drives the request to a terminal state afterwards.
func (b *Broker) RequestMachines(ctx context.Context, templateID string, count int, tags map[string]string) (string, error) {
	tpl, err := b.templates.Resolve(ctx, templateID)
	if err != nil {
		if errors.Is(err, templates.ErrTemplateNotFound) {
			return "", NewPermanentError(fmt.Sprintf("template %s not found", templateID), err).
				WithCode(ErrCodeNotFound).WithOperation("RequestMachines")
		}
		return "", NewPermanentError("failed to resolve template", err).
			WithCode(ErrCodeValidation).WithOperation("RequestMachines")
	}

	if err := b.admit(ctx, policy.AdmissionInput{
		Kind:        string(KindProvision),
		TemplateID:  tpl.TemplateID,
		ProviderAPI: string(tpl.ProviderAPI),
		Count:       count,
		MaxNumber:   tpl.MaxNumber,
		Tags:        tags,
	}); err != nil {
		return "", err
	}

	requestID := b.newID()
	b.locks.Lock(requestID)
	defer b.locks.Unlock(requestID)

	req := &Request{ID: requestID, machineIndex: make(map[string]int)}
	if err := b.append(ctx, req, stores.NewEvent{
		Kind: EventRequestCreated,
		Payload: marshalPayload(CreatedPayload{
			Kind:       KindProvision,
			TemplateID: tpl.TemplateID,
			Count:      count,
			Tags:       tags,
			Deadline:   b.now().Add(b.config.ProvisioningTimeout),
		}),
	}); err != nil {
		return "", err
	}
	if b.metrics != nil {
		b.metrics.RecordRequestStarted(string(KindProvision), tpl.TemplateID)
	}

	if err := b.submitProvision(ctx, req, tpl); err != nil {
		return requestID, err
	}
	return requestID, nil
}

// ReturnMachines terminates the named machines under a new return request.
// All machines must live on the same provider instance.
func (b *Broker) ReturnMachines(ctx context.Context, machineIDs []string) (string, error) {
	if err := b.admit(ctx, policy.AdmissionInput{
		Kind:  string(KindReturn),
		Count: len(machineIDs),
	}); err != nil {
		return "", err
	}

	records := make([]MachineRecord, 0, len(machineIDs))
	providerInstance := ""
	for _, id := range machineIDs {
		rec, ok := b.projections.Machine(id)
		if !ok {
			return "", NewPermanentError(fmt.Sprintf("machine %s not found", id), nil).
				WithCode(ErrCodeNotFound).WithOperation("ReturnMachines")
		}
		if rec.Status == providers.MachineTerminated || rec.Status == providers.MachineTerminating {
			return "", NewPermanentError(fmt.Sprintf("machine %s is already %s", id, rec.Status), nil).
				WithCode(ErrCodeValidation).WithOperation("ReturnMachines")
		}
		if providerInstance == "" {
			providerInstance = rec.ProviderInstance
		} else if rec.ProviderInstance != providerInstance {
			return "", NewPermanentError("machines span multiple provider instances; return them separately", nil).
				WithCode(ErrCodeValidation).WithOperation("ReturnMachines")
		}
		records = append(records, rec)
	}

	requestID := b.newID()
	b.locks.Lock(requestID)
	defer b.locks.Unlock(requestID)

	req := &Request{ID: requestID, machineIndex: make(map[string]int)}
	if err := b.append(ctx, req, stores.NewEvent{
		Kind: EventRequestCreated,
		Payload: marshalPayload(CreatedPayload{
			Kind:       KindReturn,
			Count:      len(records),
			MachineIDs: machineIDs,
			Deadline:   b.now().Add(b.config.ProvisioningTimeout),
		}),
	}); err != nil {
		return "", err
	}
	if b.metrics != nil {
		b.metrics.RecordRequestStarted(string(KindReturn), "")
	}

	if err := b.submitReturn(ctx, req, providerInstance, records); err != nil {
		return requestID, err
	}
	return requestID, nil
}

// ReturnMachinesByRequest returns every non-terminated machine created by
// an earlier provisioning request.
func (b *Broker) ReturnMachinesByRequest(ctx context.Context, requestID string) (string, error) {
	if _, ok := b.projections.Request(requestID); !ok {
		return "", NewPermanentError(fmt.Sprintf("request %s not found", requestID), nil).
			WithCode(ErrCodeNotFound).WithOperation("ReturnMachinesByRequest")
	}

	machineIDs := make([]string, 0)
	for _, rec := range b.projections.Machines(MachineFilter{RequestID: requestID}) {
		if rec.Status != providers.MachineTerminated && rec.Status != providers.MachineTerminating {
			machineIDs = append(machineIDs, rec.MachineID)
		}
	}
	if len(machineIDs) == 0 {
		return "", NewPermanentError(fmt.Sprintf("request %s has no returnable machines", requestID), nil).
			WithCode(ErrCodeValidation).WithOperation("ReturnMachinesByRequest")
	}
	return b.ReturnMachines(ctx, machineIDs)
}

// CancelRequest flags an open request for cooperative cancellation. The
// reconciliation loop observes the flag at its next pass, transitions the
// request to Cancelling, and issues a best-effort terminate.
func (b *Broker) CancelRequest(ctx context.Context, requestID string) error {
	b.locks.Lock(requestID)
	defer b.locks.Unlock(requestID)

	req, err := b.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.State.Terminal() || req.State == StateCancelling {
		return NewPermanentError(fmt.Sprintf("request %s is %s and cannot be cancelled", requestID, req.State), nil).
			WithCode(ErrCodeInvalidTransition).WithRequest(requestID).WithOperation("CancelRequest")
	}
	if req.CancelRequested {
		return nil
	}

	return b.append(ctx, req, stores.NewEvent{Kind: EventRequestCancelRequested})
}

// GetRequestStatus returns the projected status of one request.
func (b *Broker) GetRequestStatus(_ context.Context, requestID string) (RequestStatus, error) {
	status, ok := b.projections.Request(requestID)
	if !ok {
		return RequestStatus{}, NewPermanentError(fmt.Sprintf("request %s not found", requestID), nil).
			WithCode(ErrCodeNotFound).WithOperation("GetRequestStatus")
	}
	return status, nil
}

// ListMachines returns the machine inventory matching the filter.
func (b *Broker) ListMachines(_ context.Context, filter MachineFilter) []MachineRecord {
	return b.projections.Machines(filter)
}

// ListTemplates returns the configured templates.
func (b *Broker) ListTemplates(ctx context.Context) ([]*templates.Template, error) {
	return b.templates.List(ctx)
}

// GetProviderHealth returns the health snapshot of every provider instance.
func (b *Broker) GetProviderHealth(_ context.Context) []providers.InstanceHealth {
	return b.registry.Health()
}

// submitProvision drives a freshly created provisioning request through
// provider selection, rendering, and the create call.
func (b *Broker) submitProvision(ctx context.Context, req *Request, tpl *templates.Template) error {
	log := b.log.WithRequestID(req.ID).WithTemplateID(tpl.TemplateID)

	instanceID, provider, err := b.registry.Select(ctx, tpl.ProviderAPI)
	if err != nil {
		ferr := NewPermanentError("no healthy provider instance available", err).
			WithCode(ErrCodeNoHealthyProvider).WithRequest(req.ID).WithOperation("RequestMachines")
		b.failRequest(ctx, req, "no healthy provider instance", err.Error())
		return ferr
	}

	payload, err := b.renderPayload(ctx, req, tpl)
	if err != nil {
		b.failRequest(ctx, req, "payload rendering failed", err.Error())
		return err
	}

	if err := b.append(ctx, req, stores.NewEvent{
		Kind:    EventRequestSubmitted,
		Payload: marshalPayload(SubmittedPayload{ProviderInstance: instanceID}),
	}); err != nil {
		return err
	}

	providerRequestID, err := b.callCreate(ctx, instanceID, provider, payload)
	if err != nil {
		if appendErr := b.append(ctx, req, stores.NewEvent{
			Kind:    EventRequestRejected,
			Payload: marshalPayload(RejectedPayload{Message: err.Error()}),
		}); appendErr != nil {
			return appendErr
		}
		b.finishRequest(req)
		return NewPermanentError("provider rejected the request", err).
			WithCode(ErrCodeProviderRejected).WithRequest(req.ID).WithOperation("RequestMachines")
	}

	log.WithProviderInstance(instanceID).Infof("request accepted as %s", providerRequestID)
	return b.append(ctx, req, stores.NewEvent{
		Kind:    EventRequestAccepted,
		Payload: marshalPayload(AcceptedPayload{ProviderRequestID: providerRequestID}),
	})
}

// submitReturn drives a freshly created return request through the
// terminate call.
func (b *Broker) submitReturn(ctx context.Context, req *Request, instanceID string, records []MachineRecord) error {
	provider, err := b.registry.Get(instanceID)
	if err != nil {
		ferr := NewPermanentError("provider instance not registered", err).
			WithCode(ErrCodeNoHealthyProvider).WithRequest(req.ID).WithOperation("ReturnMachines")
		b.failRequest(ctx, req, "provider instance not registered", err.Error())
		return ferr
	}

	if err := b.append(ctx, req, stores.NewEvent{
		Kind:    EventRequestSubmitted,
		Payload: marshalPayload(SubmittedPayload{ProviderInstance: instanceID}),
	}); err != nil {
		return err
	}

	instanceIDs := make([]string, len(records))
	for i, rec := range records {
		instanceIDs[i] = rec.InstanceID
	}
	providerRequestID, err := b.callTerminate(ctx, instanceID, provider, instanceIDs)
	if err != nil {
		if appendErr := b.append(ctx, req, stores.NewEvent{
			Kind:    EventRequestRejected,
			Payload: marshalPayload(RejectedPayload{Message: err.Error()}),
		}); appendErr != nil {
			return appendErr
		}
		b.finishRequest(req)
		return NewPermanentError("provider rejected the termination", err).
			WithCode(ErrCodeProviderRejected).WithRequest(req.ID).WithOperation("ReturnMachines")
	}

	// Seed the aggregate with the machines being returned and flip the
	// inventory records to terminating.
	observed := make([]MachineResult, len(records))
	for i, rec := range records {
		observed[i] = MachineResult{
			MachineID:  rec.MachineID,
			InstanceID: rec.InstanceID,
			Status:     providers.MachineTerminating,
			PrivateIP:  rec.PrivateIP,
		}
	}
	if err := b.append(ctx, req, stores.NewEvent{
		Kind:    EventRequestAccepted,
		Payload: marshalPayload(AcceptedPayload{ProviderRequestID: providerRequestID}),
	}, stores.NewEvent{
		Kind:    EventRequestObserved,
		Payload: marshalPayload(ObservedPayload{Machines: observed}),
	}); err != nil {
		return err
	}

	for _, rec := range records {
		if err := b.appendMachine(ctx, rec.MachineID, rec.Version, stores.NewEvent{
			Kind: EventMachineStatusChanged,
			Payload: marshalPayload(MachineStatusPayload{
				Status:          providers.MachineTerminating,
				ReturnRequestID: req.ID,
			}),
		}); err != nil {
			return err
		}
	}
	return nil
}

// renderPayload renders the provider payload, falling back to the legacy
// non-templated path when the template opts in and rendering failed on an
// undefined variable.
func (b *Broker) renderPayload(ctx context.Context, req *Request, tpl *templates.Template) (providers.Payload, error) {
	onDemand, spot := render.SplitCapacity(req.Count, tpl.OnDemandTargetCapacityRatio)
	rctx := render.Context{
		RequestID:     req.ID,
		Count:         req.Count,
		MinCount:      1,
		MaxCount:      tpl.MaxNumber,
		OnDemandCount: onDemand,
		SpotCount:     spot,
		Timestamp:     req.CreatedAt,
		Tags:          req.Tags,
		Variables:     tpl.Variables,
	}

	payload, err := b.renderer.Render(ctx, tpl, rctx)
	if err == nil {
		return payload, nil
	}

	var undef *render.UndefinedVariableError
	if errors.As(err, &undef) {
		if tpl.AllowLegacyFallback {
			b.log.WithRequestID(req.ID).WithTemplateID(tpl.TemplateID).
				Warnf("falling back to legacy payload: undefined variable %s", undef.Variable)
			return b.renderer.RenderLegacy(tpl, rctx)
		}
		return providers.Payload{}, NewPermanentError("template rendering failed", err).
			WithCode(ErrCodeUndefinedVariable).WithRequest(req.ID)
	}

	var perr *render.PathError
	if errors.As(err, &perr) {
		return providers.Payload{}, NewPermanentError("template rendering failed", err).
			WithCode(ErrCodePath).WithRequest(req.ID)
	}
	return providers.Payload{}, NewPermanentError("template rendering failed", err).
		WithCode(ErrCodeValidation).WithRequest(req.ID)
}

// admit runs the admission policy when one is configured.
func (b *Broker) admit(ctx context.Context, input policy.AdmissionInput) error {
	if b.policy == nil {
		return nil
	}
	decision, err := b.policy.EvaluateAdmission(ctx, input)
	if err != nil {
		return NewTransientError("admission evaluation failed", err).WithCode(ErrCodePolicyDenied)
	}
	if !decision.Allowed {
		denials := decision.Denials()
		msg := "request denied by policy"
		if len(denials) > 0 {
			msg = denials[0].Message
		}
		return NewPermanentError(msg, nil).WithCode(ErrCodePolicyDenied)
	}
	return nil
}

// callCreate submits the create call, recording the outcome with the
// health monitor and metrics.
func (b *Broker) callCreate(ctx context.Context, instanceID string, provider providers.Provider, payload providers.Payload) (string, error) {
	start := b.now()
	sctx := ctx
	var span trace.Span
	if b.tracer != nil {
		sctx, span = b.tracer.StartProviderSpan(ctx, "CreateCapacity", instanceID)
	}
	providerRequestID, err := provider.CreateCapacity(sctx, payload)
	if span != nil {
		telemetry.RecordError(span, err)
		span.End()
	}
	if b.metrics != nil {
		b.metrics.RecordProviderCall(instanceID, "create", time.Since(start), err)
	}
	b.registry.RecordOutcome(instanceID, err == nil)
	return providerRequestID, err
}

// callTerminate submits the terminate call, recording the outcome.
func (b *Broker) callTerminate(ctx context.Context, instanceID string, provider providers.Provider, instanceIDs []string) (string, error) {
	start := b.now()
	sctx := ctx
	var span trace.Span
	if b.tracer != nil {
		sctx, span = b.tracer.StartProviderSpan(ctx, "TerminateCapacity", instanceID)
	}
	providerRequestID, err := provider.TerminateCapacity(sctx, instanceIDs)
	if span != nil {
		telemetry.RecordError(span, err)
		span.End()
	}
	if b.metrics != nil {
		b.metrics.RecordProviderCall(instanceID, "terminate", time.Since(start), err)
	}
	b.registry.RecordOutcome(instanceID, err == nil)
	return providerRequestID, err
}

// failRequest force-fails a request that cannot proceed, logging rather
// than surfacing append errors since the command error is already decided.
func (b *Broker) failRequest(ctx context.Context, req *Request, reason, lastError string) {
	if err := b.append(ctx, req, stores.NewEvent{
		Kind:    EventRequestFailed,
		Payload: marshalPayload(TerminalPayload{Reason: reason, LastError: lastError}),
	}); err != nil {
		b.log.WithError(err).WithRequestID(req.ID).Error("failed to record request failure")
		return
	}
	b.finishRequest(req)
}

// finishRequest records terminal-state metrics.
func (b *Broker) finishRequest(req *Request) {
	if b.metrics == nil || !req.State.Terminal() {
		return
	}
	b.metrics.RecordRequestCompleted(string(req.Kind), string(req.State), req.UpdatedAt.Sub(req.CreatedAt))
}

// append writes events for the request aggregate and applies them to the
// aggregate and the projections.
func (b *Broker) append(ctx context.Context, req *Request, events ...stores.NewEvent) error {
	stored, err := b.store.Append(ctx, stores.AggregateRequest, req.ID, req.Version, events)
	if err != nil {
		return b.classifyAppendError(req.ID, err)
	}
	for _, ev := range stored {
		if err := req.Apply(ev); err != nil {
			return err
		}
		if b.metrics != nil {
			b.metrics.RecordEventAppended(stores.AggregateRequest, ev.Kind)
		}
	}
	b.projections.ApplyEvents(stored)
	return nil
}

// appendMachine writes events for a machine aggregate.
func (b *Broker) appendMachine(ctx context.Context, machineID string, expectedVersion int64, events ...stores.NewEvent) error {
	stored, err := b.store.Append(ctx, stores.AggregateMachine, machineID, expectedVersion, events)
	if err != nil {
		return b.classifyAppendError(machineID, err)
	}
	if b.metrics != nil {
		for _, ev := range stored {
			b.metrics.RecordEventAppended(stores.AggregateMachine, ev.Kind)
		}
	}
	b.projections.ApplyEvents(stored)
	return nil
}

func (b *Broker) classifyAppendError(aggregateID string, err error) error {
	if errors.Is(err, stores.ErrConcurrencyConflict) {
		if b.metrics != nil {
			b.metrics.RecordConcurrencyConflict()
		}
		return NewConflictError("event append version conflict", err).WithRequest(aggregateID)
	}
	return NewTransientError("event store append failed", err).
		WithCode(ErrCodeStorage).WithRequest(aggregateID)
}

// loadRequest replays a request aggregate from the event log.
func (b *Broker) loadRequest(ctx context.Context, requestID string) (*Request, error) {
	events, err := b.store.ReadAggregate(ctx, stores.AggregateRequest, requestID)
	if err != nil {
		return nil, NewTransientError("failed to read request events", err).
			WithCode(ErrCodeStorage).WithRequest(requestID)
	}
	if len(events) == 0 {
		return nil, NewPermanentError(fmt.Sprintf("request %s not found", requestID), nil).
			WithCode(ErrCodeNotFound).WithRequest(requestID)
	}
	return ReplayRequest(requestID, events)
}

// keyedMutex serializes work per aggregate ID: at most one active mutation
// per request at a time.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*entryLock)}
}

func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entryLock{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// TryLock acquires the key's lock without blocking. Returns false when the
// key is already held.
func (k *keyedMutex) TryLock(key string) bool {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entryLock{}
		k.locks[key] = e
	}
	if !e.mu.TryLock() {
		k.mu.Unlock()
		return false
	}
	e.refs++
	k.mu.Unlock()
	return true
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	e := k.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}
