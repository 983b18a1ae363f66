package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fleetbroker/fleetbroker/pkg/providers"
	"github.com/fleetbroker/fleetbroker/pkg/stores"
	"github.com/fleetbroker/fleetbroker/pkg/telemetry"
)

// Run drives the reconciliation loop until the context is cancelled. Each
// tick polls every open request; requests already being mutated by a
// command or a previous tick are skipped.
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	b.log.Infof("reconciliation loop started, interval %s", b.config.PollInterval)
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			b.log.Info("reconciliation loop stopped")
			return ctx.Err()
		case <-ticker.C:
			b.reconcileTick(ctx, &wg)
		}
	}
}

// ReconcileOnce runs a single reconciliation pass over every open request,
// synchronously. Used at startup after Recover and by tests.
func (b *Broker) ReconcileOnce(ctx context.Context) {
	for _, requestID := range b.projections.OpenRequests() {
		if !b.locks.TryLock(requestID) {
			continue
		}
		if err := b.reconcileRequest(ctx, requestID); err != nil {
			b.log.WithError(err).WithRequestID(requestID).Warn("reconcile pass failed")
		}
		b.locks.Unlock(requestID)
	}
	b.publishMachineMetrics()
}

func (b *Broker) reconcileTick(ctx context.Context, wg *sync.WaitGroup) {
	for _, requestID := range b.projections.OpenRequests() {
		if !b.locks.TryLock(requestID) {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer b.locks.Unlock(id)
			if err := b.reconcileRequest(ctx, id); err != nil {
				b.log.WithError(err).WithRequestID(id).Warn("reconcile pass failed")
			}
		}(requestID)
	}
	b.publishMachineMetrics()
}

// reconcileRequest advances one open request: it honors a pending cancel
// flag first, then polls the provider and folds the observation into the
// event log. The caller holds the request's lock.
func (b *Broker) reconcileRequest(ctx context.Context, requestID string) error {
	sctx := ctx
	var span trace.Span
	if b.tracer != nil {
		sctx, span = b.tracer.StartReconcileSpan(ctx, requestID)
		defer span.End()
	}

	req, err := b.loadRequest(sctx, requestID)
	if err != nil {
		if span != nil {
			telemetry.RecordError(span, err)
		}
		return err
	}
	if req.State.Terminal() {
		return nil
	}

	switch {
	case req.State == StateCancelling:
		err = b.advanceCancellation(sctx, req)
	case req.CancelRequested && req.State == StateInProgress:
		err = b.beginCancellation(sctx, req)
	case req.State == StateInProgress:
		err = b.pollRequest(sctx, req)
	default:
		// Pending or Submitting means a command died mid-submit. The
		// request cannot make progress on its own; fail it at deadline.
		if b.now().After(req.Deadline) {
			b.failRequest(sctx, req, "request never reached the provider", "")
		}
	}
	if err != nil && span != nil {
		telemetry.RecordError(span, err)
	}
	return err
}

// beginCancellation transitions an in-progress request to Cancelling and
// issues a best-effort terminate for whatever has been observed so far.
func (b *Broker) beginCancellation(ctx context.Context, req *Request) error {
	if err := b.append(ctx, req, stores.NewEvent{Kind: EventRequestCancelling}); err != nil {
		return err
	}
	b.log.WithRequestID(req.ID).Info("cancelling request")
	return b.advanceCancellation(ctx, req)
}

// advanceCancellation tries to terminate the request's provider-side
// capacity. Termination acknowledged, or the grace window elapsed, settles
// the request as Cancelled.
func (b *Broker) advanceCancellation(ctx context.Context, req *Request) error {
	acknowledged := false
	if req.ProviderRequestID == "" {
		// The request never reached the provider; nothing to reclaim.
		acknowledged = true
	} else if provider, err := b.registry.Get(req.ProviderInstance); err == nil {
		acknowledged = b.terminateForCancellation(ctx, req, provider)
	}

	if !acknowledged && b.now().Before(req.CancellingSince.Add(b.config.CancelGraceTimeout)) {
		return nil
	}
	if !acknowledged {
		b.log.WithRequestID(req.ID).Warn("cancellation grace window elapsed; settling without provider ack")
	}

	if err := b.append(ctx, req, stores.NewEvent{Kind: EventRequestCancelled}); err != nil {
		return err
	}
	b.finishRequest(req)

	// Flip observed machines to terminating in the inventory.
	for _, m := range req.Machines {
		if m.MachineID == "" || m.Status == providers.MachineTerminated {
			continue
		}
		rec, ok := b.projections.Machine(m.MachineID)
		if !ok || rec.Status == providers.MachineTerminating {
			continue
		}
		if err := b.appendMachine(ctx, m.MachineID, rec.Version, stores.NewEvent{
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

// terminateForCancellation issues the best-effort terminate for a request
// being cancelled. A cancel that lands before the first poll leaves the
// request with no unit ids, so the provider is described first to learn
// what it already holds. Returns true once the terminate is acknowledged or
// the provider reports nothing left to reclaim.
func (b *Broker) terminateForCancellation(ctx context.Context, req *Request, provider providers.Provider) bool {
	instanceIDs := req.InstanceIDs()
	if len(instanceIDs) == 0 {
		obs, err := provider.DescribeCapacity(ctx, req.ProviderRequestID)
		b.registry.RecordOutcome(req.ProviderInstance, err == nil)
		if err != nil {
			b.log.WithError(err).WithRequestID(req.ID).Warn("cancellation describe attempt failed")
			return false
		}
		for _, m := range obs.Machines {
			if m.State == providers.MachineTerminated || m.State == providers.MachineFailed {
				continue
			}
			instanceIDs = append(instanceIDs, m.InstanceID)
		}
		if len(instanceIDs) == 0 {
			return true
		}
	}

	if _, err := b.callTerminate(ctx, req.ProviderInstance, provider, instanceIDs); err != nil {
		b.log.WithError(err).WithRequestID(req.ID).Warn("cancellation terminate attempt failed")
		return false
	}
	return true
}

// pollRequest describes the provider-side request with bounded retries and
// folds the result into the event log.
func (b *Broker) pollRequest(ctx context.Context, req *Request) error {
	provider, err := b.registry.Get(req.ProviderInstance)
	if err != nil {
		b.failRequest(ctx, req, "provider instance no longer registered", err.Error())
		return nil
	}

	obs, err := b.describeWithRetry(ctx, req, provider)
	if err != nil {
		if b.now().After(req.Deadline) {
			b.settleAtDeadline(ctx, req, err.Error())
			return nil
		}
		// Transient; the next tick retries.
		return nil
	}

	if err := b.applyObservation(ctx, req, obs); err != nil {
		return err
	}

	switch {
	case obs.Failed:
		b.settleRequest(ctx, req, obs.Message)
	case obs.Done:
		b.settleRequest(ctx, req, "")
	case b.now().After(req.Deadline):
		b.settleAtDeadline(ctx, req, "")
	}
	return nil
}

// describeWithRetry polls DescribeCapacity with exponential backoff on
// transient errors, up to MaxPollRetries attempts beyond the first.
func (b *Broker) describeWithRetry(ctx context.Context, req *Request, provider providers.Provider) (providers.Observation, error) {
	var lastErr error
	for attempt := 0; attempt <= b.config.MaxPollRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return providers.Observation{}, ctx.Err()
			case <-time.After(b.backoff(attempt)):
			}
		}

		start := time.Now()
		obs, err := provider.DescribeCapacity(ctx, req.ProviderRequestID)
		elapsed := time.Since(start)
		b.registry.RecordOutcome(req.ProviderInstance, err == nil)
		if b.metrics != nil {
			result := "success"
			if err != nil {
				result = "error"
			}
			b.metrics.RecordPoll(result, elapsed)
		}
		if err == nil {
			return obs, nil
		}
		lastErr = err
		b.log.WithError(err).WithRequestID(req.ID).
			Debugf("describe attempt %d failed", attempt+1)
	}
	return providers.Observation{}, NewTransientError("provider describe failed", lastErr).
		WithCode(ErrCodeProviderTransient).WithRequest(req.ID).WithOperation("DescribeCapacity")
}

// backoff returns the wait before retry attempt n, growing exponentially
// from BackoffBase and capped at BackoffCap.
func (b *Broker) backoff(attempt int) time.Duration {
	d := b.config.BackoffBase << (attempt - 1)
	if d > b.config.BackoffCap || d <= 0 {
		return b.config.BackoffCap
	}
	return d
}

// applyObservation assigns machine identities to newly observed units,
// appends the observation to the request aggregate when it changes
// anything, and emits per-machine inventory events.
func (b *Broker) applyObservation(ctx context.Context, req *Request, obs providers.Observation) error {
	known := make(map[string]MachineResult, len(req.Machines))
	for _, m := range req.Machines {
		known[m.InstanceID] = m
	}

	results := make([]MachineResult, 0, len(obs.Machines))
	changed := false
	for _, o := range obs.Machines {
		result := MachineResult{
			MachineID:  b.newID(),
			InstanceID: o.InstanceID,
			Status:     o.State,
			PrivateIP:  o.PrivateIP,
			Message:    o.Message,
		}
		prev, seen := known[o.InstanceID]
		if seen {
			result.MachineID = prev.MachineID
			if prev.Status != o.State || prev.PrivateIP != o.PrivateIP || prev.Message != o.Message {
				changed = true
			}
		} else {
			changed = true
		}
		results = append(results, result)
	}
	if !changed {
		return nil
	}

	if err := b.append(ctx, req, stores.NewEvent{
		Kind:    EventRequestObserved,
		Payload: marshalPayload(ObservedPayload{Machines: results, Message: obs.Message}),
	}); err != nil {
		return err
	}

	for _, result := range results {
		prev, seen := known[result.InstanceID]
		if err := b.emitMachineEvents(ctx, req, prev, seen, result); err != nil {
			return err
		}
	}
	return nil
}

// emitMachineEvents keeps the machine inventory in step with one observed
// unit. A unit enters the inventory when it first reaches running.
func (b *Broker) emitMachineEvents(ctx context.Context, req *Request, prev MachineResult, seen bool, cur MachineResult) error {
	rec, exists := b.projections.Machine(cur.MachineID)

	if !exists {
		if cur.Status != providers.MachineRunning {
			return nil
		}
		log := b.log.WithRequestID(req.ID).WithMachineID(cur.MachineID)
		log.Infof("machine launched on %s", cur.InstanceID)
		return b.appendMachine(ctx, cur.MachineID, 0, stores.NewEvent{
			Kind: EventMachineLaunched,
			Payload: marshalPayload(MachineLaunchedPayload{
				RequestID:        req.ID,
				TemplateID:       req.TemplateID,
				ProviderInstance: req.ProviderInstance,
				InstanceID:       cur.InstanceID,
				PrivateIP:        cur.PrivateIP,
				Tags:             req.Tags,
			}),
		})
	}

	if seen && prev.Status == cur.Status && prev.PrivateIP == cur.PrivateIP && prev.Message == cur.Message {
		return nil
	}
	if rec.Status == cur.Status && rec.PrivateIP == cur.PrivateIP {
		return nil
	}

	if cur.Status == providers.MachineTerminated {
		return b.appendMachine(ctx, cur.MachineID, rec.Version, stores.NewEvent{
			Kind: EventMachineTerminated,
		})
	}
	return b.appendMachine(ctx, cur.MachineID, rec.Version, stores.NewEvent{
		Kind: EventMachineStatusChanged,
		Payload: marshalPayload(MachineStatusPayload{
			Status:    cur.Status,
			Message:   cur.Message,
			PrivateIP: cur.PrivateIP,
		}),
	})
}

// settleRequest finalizes a request the provider reports as done, choosing
// the terminal state from the per-unit outcomes.
func (b *Broker) settleRequest(ctx context.Context, req *Request, message string) {
	var succeeded int
	switch req.Kind {
	case KindReturn:
		succeeded = req.TerminatedCount()
	default:
		succeeded = req.RunningCount()
	}

	var ev stores.NewEvent
	switch {
	case succeeded >= req.Count:
		ev = stores.NewEvent{Kind: EventRequestCompleted}
	case succeeded > 0:
		ev = stores.NewEvent{
			Kind: EventRequestPartiallyFailed,
			Payload: marshalPayload(TerminalPayload{
				Reason:    fmt.Sprintf("%d of %d machines succeeded", succeeded, req.Count),
				LastError: message,
			}),
		}
	default:
		ev = stores.NewEvent{
			Kind: EventRequestFailed,
			Payload: marshalPayload(TerminalPayload{
				Reason:    "no machines succeeded",
				LastError: message,
			}),
		}
	}

	if err := b.append(ctx, req, ev); err != nil {
		b.log.WithError(err).WithRequestID(req.ID).Error("failed to settle request")
		return
	}
	b.log.WithRequestID(req.ID).Infof("request settled as %s", req.State)
	b.finishRequest(req)
}

// settleAtDeadline finalizes a request whose provisioning deadline passed
// before the provider reported completion.
func (b *Broker) settleAtDeadline(ctx context.Context, req *Request, lastError string) {
	var succeeded int
	switch req.Kind {
	case KindReturn:
		succeeded = req.TerminatedCount()
	default:
		succeeded = req.RunningCount()
	}

	var ev stores.NewEvent
	if succeeded > 0 {
		ev = stores.NewEvent{
			Kind: EventRequestPartiallyFailed,
			Payload: marshalPayload(TerminalPayload{
				Reason:    fmt.Sprintf("deadline exceeded with %d of %d machines", succeeded, req.Count),
				LastError: lastError,
			}),
		}
	} else {
		ev = stores.NewEvent{
			Kind: EventRequestFailed,
			Payload: marshalPayload(TerminalPayload{
				Reason:    "deadline exceeded before any machine succeeded",
				LastError: lastError,
			}),
		}
	}

	if err := b.append(ctx, req, ev); err != nil {
		b.log.WithError(err).WithRequestID(req.ID).Error("failed to settle request at deadline")
		return
	}
	b.log.WithRequestID(req.ID).Warnf("request settled as %s at deadline", req.State)
	b.finishRequest(req)
}

// publishMachineMetrics exports the machine inventory counts by status.
func (b *Broker) publishMachineMetrics() {
	if b.metrics == nil {
		return
	}
	for status, count := range b.projections.MachineCounts() {
		b.metrics.SetMachineCount(string(status), count)
	}
}
