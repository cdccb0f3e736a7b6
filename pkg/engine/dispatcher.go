package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultReadinessTimeout is applied when the caller supplies none.
const DefaultReadinessTimeout = 10 * time.Minute

// defaultConnectionCacheSize bounds the connection-data cache.
const defaultConnectionCacheSize = 1024

// IdempotencyKey derives the deterministic request key from
// (manifestID, generation, componentName). Repeated dispatch for the
// same generation therefore lands on the same key and is a no-op.
func IdempotencyKey(manifestID string, generation int64, component string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s/%d/%s", manifestID, generation, component))
	return hex.EncodeToString(sum[:])
}

// dispatchPayload is the envelope submitted to a backend.
type dispatchPayload struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Tier       Tier           `json:"tier"`
	Repository string         `json:"repository,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Traits     []TraitRef     `json:"traits,omitempty"`
}

// Dispatcher submits exactly one idempotent provisioning request per
// component per manifest generation to the backend selected by tier,
// tracks completion through the request journal, and exposes connection
// data of Ready components to the resolver.
type Dispatcher struct {
	backends map[BackendKind]Backend
	journal  RequestJournal
	events   EventPublisher
	logger   zerolog.Logger
	cache    *lru.Cache[string, json.RawMessage]

	// timeout is the default readiness timeout for new requests.
	timeout time.Duration

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithReadinessTimeout sets the default readiness timeout.
func WithReadinessTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) { dp.timeout = d }
}

// WithClock replaces the dispatcher clock.
func WithClock(now func() time.Time) DispatcherOption {
	return func(dp *Dispatcher) { dp.now = now }
}

// NewDispatcher creates a dispatcher over the given backends.
func NewDispatcher(backends []Backend, journal RequestJournal, events EventPublisher, logger zerolog.Logger, opts ...DispatcherOption) (*Dispatcher, error) {
	byKind := make(map[BackendKind]Backend, len(backends))
	for _, b := range backends {
		if err := b.Kind().Validate(); err != nil {
			return nil, err
		}
		if _, dup := byKind[b.Kind()]; dup {
			return nil, fmt.Errorf("duplicate backend for kind %s", b.Kind())
		}
		byKind[b.Kind()] = b
	}

	cache, err := lru.New[string, json.RawMessage](defaultConnectionCacheSize)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		backends: byKind,
		journal:  journal,
		events:   events,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		cache:    cache,
		timeout:  DefaultReadinessTimeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch builds the backend payload for a component and submits it
// under the generation's idempotency key. If a request already exists
// for the key, the existing request is returned untouched.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	manifestID string,
	generation int64,
	c *ComponentDecl,
	tier Tier,
	backend BackendKind,
	refs []ResolvedReference,
	repository string,
	provenance Provenance,
) (*ProvisioningRequest, error) {
	key := IdempotencyKey(manifestID, generation, c.Name)

	existing, err := d.journal.GetRequest(ctx, key)
	if err == nil {
		return existing, nil
	}
	if CodeOf(err) != ErrCodeNotFound {
		return nil, err
	}

	b, ok := d.backends[backend]
	if !ok {
		return nil, NewInternalError(
			fmt.Sprintf("no backend registered for kind %s", backend), nil).WithComponent(c.Name)
	}

	payload, err := buildPayload(c, tier, refs, repository)
	if err != nil {
		return nil, NewInternalError("failed to build payload", err).WithComponent(c.Name)
	}

	handle, err := b.Submit(ctx, key, payload)
	if err != nil {
		return nil, NewBackendError(c.Name, "backend submit failed", err).WithManifest(manifestID)
	}

	req := &ProvisioningRequest{
		ID:             uuid.New().String(),
		ManifestID:     manifestID,
		Generation:     generation,
		ComponentName:  c.Name,
		Tier:           tier,
		Backend:        backend,
		Payload:        payload,
		IdempotencyKey: key,
		Provenance:     provenance,
		Status:         RequestStatusPending,
		Handle:         handle,
		Timeout:        d.timeout,
		SubmittedAt:    d.now(),
	}
	if err := d.journal.SaveRequest(ctx, req); err != nil {
		return nil, err
	}

	d.logger.Info().
		Str("manifest_id", manifestID).
		Int64("generation", generation).
		Str("component", c.Name).
		Str("backend", string(backend)).
		Str("provenance", string(provenance)).
		Msg("Provisioning request submitted")
	d.publish(ctx, manifestID, c.Name, "component.dispatched",
		fmt.Sprintf("Submitted %s claim for %s", backend, c.Name), "info")

	return req, nil
}

// Poll refreshes a request's status from its backend. Ready requests get
// their connection data journaled and cached; Pending requests past
// their readiness timeout are marked Stalled. Poll never blocks waiting
// for readiness; the pass exits and is re-triggered instead.
func (d *Dispatcher) Poll(ctx context.Context, req *ProvisioningRequest) (*ProvisioningRequest, error) {
	if req.Status.IsTerminal() {
		return req, nil
	}

	b, ok := d.backends[req.Backend]
	if !ok {
		return nil, NewInternalError(
			fmt.Sprintf("no backend registered for kind %s", req.Backend), nil).WithComponent(req.ComponentName)
	}

	status, err := b.GetStatus(ctx, req.Handle)
	if err != nil {
		return nil, NewBackendError(req.ComponentName, "backend status failed", err).WithManifest(req.ManifestID)
	}

	switch status.State {
	case RequestStatusReady:
		now := d.now()
		req.Status = RequestStatusReady
		req.ConnectionData = status.ConnectionData
		req.ReadyAt = &now
		d.cache.Add(req.IdempotencyKey, status.ConnectionData)
		d.publish(ctx, req.ManifestID, req.ComponentName, "component.ready",
			fmt.Sprintf("Component %s is ready", req.ComponentName), "info")

	case RequestStatusFailed:
		req.Status = RequestStatusFailed
		req.FailureReason = status.Reason
		d.publish(ctx, req.ManifestID, req.ComponentName, "component.failed",
			fmt.Sprintf("Component %s failed: %s", req.ComponentName, status.Reason), "error")

	default:
		timeout := req.Timeout
		if timeout <= 0 {
			timeout = d.timeout
		}
		if d.now().Sub(req.SubmittedAt) > timeout {
			req.Status = RequestStatusStalled
			d.logger.Warn().
				Str("manifest_id", req.ManifestID).
				Str("component", req.ComponentName).
				Dur("timeout", timeout).
				Msg("Provisioning request stalled")
			d.publish(ctx, req.ManifestID, req.ComponentName, "component.stalled",
				fmt.Sprintf("Component %s exceeded its readiness timeout", req.ComponentName), "warning")
		}
	}

	if err := d.journal.SaveRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// ConnectionData implements ConnectionSource over the journal and the
// LRU cache. It is read-only: resolution never triggers a backend call.
func (d *Dispatcher) ConnectionData(ctx context.Context, manifestID string, generation int64, component string) (json.RawMessage, bool, error) {
	key := IdempotencyKey(manifestID, generation, component)

	if data, ok := d.cache.Get(key); ok {
		return data, true, nil
	}

	req, err := d.journal.GetRequest(ctx, key)
	if err != nil {
		if CodeOf(err) == ErrCodeNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	if req.Status != RequestStatusReady {
		return nil, false, nil
	}

	d.cache.Add(key, req.ConnectionData)
	return req.ConnectionData, true, nil
}

// buildPayload merges declared properties with resolved reference values
// and the repository identity into the backend envelope.
func buildPayload(c *ComponentDecl, tier Tier, refs []ResolvedReference, repository string) (json.RawMessage, error) {
	props := make(map[string]any, len(c.Properties)+len(refs))
	for k, v := range c.Properties {
		props[k] = v
	}
	for _, ref := range refs {
		var v any
		if err := json.Unmarshal(ref.ResolvedValue, &v); err != nil {
			return nil, fmt.Errorf("connection data for %s is not valid JSON: %w", ref.ToComponent, err)
		}
		props[ref.PropertyPath] = v
	}

	p := dispatchPayload{
		Name:       c.Name,
		Type:       c.Type,
		Tier:       tier,
		Properties: props,
		Traits:     c.Traits,
	}
	if tier == TierFoundational {
		p.Repository = repository
	}
	return json.Marshal(p)
}

func (d *Dispatcher) publish(ctx context.Context, manifestID, component, eventType, message, level string) {
	if d.events == nil {
		return
	}
	_ = d.events.Publish(ctx, &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  d.now(),
		ManifestID: manifestID,
		Component:  component,
		Message:    message,
		Level:      level,
	})
}
