package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options tunes the orchestrator. Zero values fall back to defaults.
type Options struct {
	// Holder identifies this orchestrator instance for lease ownership.
	Holder string

	// LeaseTTL is the bounded hold time of the per-manifest lease.
	LeaseTTL time.Duration

	// ConflictRetries bounds re-read-and-retry on manifest write conflicts.
	ConflictRetries int

	// BackoffBase is the base delay for rescheduling incomplete passes.
	BackoffBase time.Duration

	// BackoffCap caps the reschedule delay.
	BackoffCap time.Duration
}

func (o *Options) defaults() {
	if o.Holder == "" {
		o.Holder = uuid.New().String()
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.ConflictRetries <= 0 {
		o.ConflictRetries = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = time.Minute
	}
}

// Deps are the collaborators an Orchestrator is built from.
type Deps struct {
	Store      ManifestStore
	Leases     LeaseManager
	Journal    RequestJournal
	Classifier *Classifier
	Dispatcher *Dispatcher
	Policies   PolicyEvaluator
	Events     EventPublisher
	Logger     zerolog.Logger
}

// Orchestrator drives dependency-ordered provisioning for manifests. One
// reconciliation pass is a pure function from (Manifest, generation) to
// (dispatched requests, proposed mutations); all manifest writes go
// through ApplyMutation under the per-manifest lease.
type Orchestrator struct {
	store      ManifestStore
	leases     LeaseManager
	journal    RequestJournal
	classifier *Classifier
	resolver   *Resolver
	orderer    *Orderer
	dispatcher *Dispatcher
	guard      *LoopGuard
	policies   PolicyEvaluator
	events     EventPublisher
	logger     zerolog.Logger
	opts       Options
}

// New creates an orchestrator from its collaborators.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Store == nil || deps.Leases == nil || deps.Journal == nil ||
		deps.Classifier == nil || deps.Dispatcher == nil {
		return nil, NewInternalError("orchestrator requires store, leases, journal, classifier, and dispatcher", nil)
	}
	opts.defaults()

	logger := deps.Logger.With().Str("component", "orchestrator").Logger()
	return &Orchestrator{
		store:      deps.Store,
		leases:     deps.Leases,
		journal:    deps.Journal,
		classifier: deps.Classifier,
		resolver:   NewResolver(deps.Dispatcher, deps.Logger),
		orderer:    NewOrderer(deps.Classifier),
		dispatcher: deps.Dispatcher,
		guard:      NewLoopGuard(deps.Events, deps.Logger),
		policies:   deps.Policies,
		events:     deps.Events,
		logger:     logger,
		opts:       opts,
	}, nil
}

// Reconcile runs one reconciliation pass for a manifest. Passes for
// different manifests run fully in parallel; passes for the same
// manifest are serialized by the lease. Waiting for readiness is a
// non-blocking poll: an incomplete pass returns and the caller
// reschedules it on the next event or after NextBackoff.
func (o *Orchestrator) Reconcile(ctx context.Context, manifestID string) (*PassResult, error) {
	ok, err := o.leases.Acquire(ctx, manifestID, o.opts.Holder, o.opts.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewLeaseHeldError(manifestID, "another pass")
	}
	defer func() {
		_ = o.leases.Release(context.WithoutCancel(ctx), manifestID, o.opts.Holder)
	}()

	m, generation, err := o.store.GetManifest(ctx, manifestID)
	if err != nil {
		return nil, err
	}

	result := &PassResult{
		PassID:     uuid.New().String(),
		ManifestID: manifestID,
		Generation: generation,
		StartedAt:  time.Now(),
	}
	defer func() { result.Duration = time.Since(result.StartedAt) }()

	o.publish(ctx, manifestID, "", "pass.started",
		fmt.Sprintf("Reconciliation pass started at generation %d", generation), "info")

	// Refresh the status of every request already submitted for this
	// generation before resolving references against it.
	status, err := o.pollGeneration(ctx, manifestID, generation)
	if err != nil {
		return result, err
	}

	order, err := o.orderer.Order(m)
	if err != nil {
		// A cycle aborts the entire pass: partial provisioning against
		// a cycle risks permanently-pending components.
		if oerr, okErr := err.(*OrchestratorError); okErr {
			result.Errors = append(result.Errors, oerr)
		}
		o.publish(ctx, manifestID, "", "pass.aborted", err.Error(), "error")
		return result, err
	}
	result.Ordered = order.Components
	result.Errors = append(result.Errors, order.Rejected...)

	blocked, err := o.policyBlocked(ctx, m, order, result)
	if err != nil {
		return result, err
	}

	resolution, err := o.resolver.Resolve(ctx, m, generation)
	if err != nil {
		return result, err
	}
	result.Errors = append(result.Errors, resolution.Errors...)
	dangling := make(map[string]bool)
	for _, e := range resolution.Errors {
		dangling[e.Component] = true
	}

	for i, name := range order.Components {
		// Cancellation on a newer generation: finish nothing new for
		// the stale one; a fresh pass will pick up the rest.
		current, gerr := o.store.GetGeneration(ctx, manifestID)
		if gerr != nil {
			return result, gerr
		}
		if current != generation {
			result.StaleGeneration = true
			result.Deferred = append(result.Deferred, order.Components[i:]...)
			o.logger.Info().
				Str("manifest_id", manifestID).
				Int64("stale", generation).
				Int64("current", current).
				Msg("Newer generation observed mid-pass, deferring remaining components")
			break
		}

		if dangling[name] || blocked[name] {
			result.Deferred = append(result.Deferred, name)
			continue
		}
		if len(resolution.PendingFor(name)) > 0 {
			result.Deferred = append(result.Deferred, name)
			continue
		}

		if req, exists := status[name]; exists {
			o.account(result, req)
			continue
		}

		c := m.Component(name)
		req, derr := o.dispatcher.Dispatch(ctx, manifestID, generation, c,
			order.Tiers[name], o.classifier.BackendFor(c.Type),
			resolution.ResolvedFor(name), resolution.Repositories[name],
			ProvenanceManifestDriven)
		if derr != nil {
			if oerr, okErr := derr.(*OrchestratorError); okErr {
				result.Errors = append(result.Errors, oerr)
				continue
			}
			return result, derr
		}
		result.Dispatched = append(result.Dispatched, name)

		// One immediate poll so fast backends complete within the pass.
		req, derr = o.dispatcher.Poll(ctx, req)
		if derr != nil {
			if oerr, okErr := derr.(*OrchestratorError); okErr {
				result.Errors = append(result.Errors, oerr)
				continue
			}
			return result, derr
		}
		o.account(result, req)
	}

	o.publish(ctx, manifestID, "", "pass.completed",
		fmt.Sprintf("Pass dispatched %d, ready %d, deferred %d, stalled %d",
			len(result.Dispatched), len(result.Ready), len(result.Deferred), len(result.Stalled)), "info")
	return result, nil
}

// SubmitManifestChange is the single entry point for external creation
// flows: the command surface submits with api-driven provenance, the
// drift analyzer with analyzer-driven provenance. The loop guard and the
// existence reconciler decide whether the change reaches the manifest.
func (o *Orchestrator) SubmitManifestChange(ctx context.Context, manifestID string, decl ComponentDecl, provenance Provenance) (*Mutation, error) {
	if err := provenance.Validate(); err != nil {
		return nil, NewValidationError("invalid provenance", err)
	}
	if decl.Name == "" {
		return nil, NewValidationError("component name is required", nil)
	}

	mut := o.guard.Propose(manifestID, decl, provenance)
	if o.guard.Evaluate(ctx, mut) == MutationSkippedLoop {
		return mut, nil
	}

	ok, err := o.leases.Acquire(ctx, manifestID, o.opts.Holder, o.opts.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewLeaseHeldError(manifestID, "another pass")
	}
	defer func() {
		_ = o.leases.Release(context.WithoutCancel(ctx), manifestID, o.opts.Holder)
	}()

	for attempt := 0; ; attempt++ {
		m, generation, err := o.store.GetManifest(ctx, manifestID)
		if err != nil {
			if CodeOf(err) == ErrCodeNotFound {
				// First api-driven component for an application creates
				// its manifest.
				if _, perr := o.store.PutManifest(ctx, &Manifest{
					ID:         manifestID,
					Name:       manifestID,
					Components: []ComponentDecl{decl},
				}); perr != nil {
					return nil, perr
				}
				o.guard.MarkApplied(ctx, mut)
				return mut, nil
			}
			return nil, err
		}

		if o.guard.ReconcileExistence(ctx, mut, m) == MutationSkippedDuplicate {
			return mut, nil
		}

		diff := &ManifestDiff{AddComponents: []ComponentDecl{decl}}
		if _, err := o.store.ApplyMutation(ctx, manifestID, generation, diff); err != nil {
			if IsConflict(err) && attempt < o.opts.ConflictRetries {
				o.logger.Debug().
					Str("manifest_id", manifestID).
					Int("attempt", attempt+1).
					Msg("Manifest write conflict, re-reading")
				continue
			}
			return nil, err
		}

		o.guard.MarkApplied(ctx, mut)
		o.logger.Info().
			Str("manifest_id", manifestID).
			Str("component", decl.Name).
			Str("provenance", string(provenance)).
			Msg("Component added to manifest")
		return mut, nil
	}
}

// NextBackoff returns the reschedule delay for an incomplete pass:
// exponential from BackoffBase with +-25% jitter, capped at BackoffCap.
func (o *Orchestrator) NextBackoff(attempt int) time.Duration {
	delay := time.Duration(float64(o.opts.BackoffBase) * math.Pow(2, float64(attempt)))
	if delay > o.opts.BackoffCap {
		delay = o.opts.BackoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
	return delay + jitter
}

// pollGeneration refreshes all journaled requests for a generation and
// indexes them by component name.
func (o *Orchestrator) pollGeneration(ctx context.Context, manifestID string, generation int64) (map[string]*ProvisioningRequest, error) {
	reqs, err := o.journal.ListRequests(ctx, manifestID, generation)
	if err != nil {
		return nil, err
	}

	status := make(map[string]*ProvisioningRequest, len(reqs))
	for i := range reqs {
		req := &reqs[i]
		if !req.Status.IsTerminal() {
			req, err = o.dispatcher.Poll(ctx, req)
			if err != nil {
				return nil, err
			}
		}
		status[req.ComponentName] = req
	}
	return status, nil
}

// policyBlocked evaluates admission policies and returns the set of
// components blocked by an error-severity violation.
func (o *Orchestrator) policyBlocked(ctx context.Context, m *Manifest, order *OrderResult, result *PassResult) (map[string]bool, error) {
	blocked := make(map[string]bool)
	if o.policies == nil {
		return blocked, nil
	}

	violations, err := o.policies.Evaluate(ctx, m, order.Tiers)
	if err != nil {
		return nil, err
	}
	for _, v := range violations {
		result.Errors = append(result.Errors, v)
		if v.Component != "" {
			blocked[v.Component] = true
		}
		o.publish(ctx, m.ID, v.Component, "policy.violation", v.Message, "warning")
	}
	return blocked, nil
}

// account files a polled request into the pass result buckets.
func (o *Orchestrator) account(result *PassResult, req *ProvisioningRequest) {
	switch req.Status {
	case RequestStatusReady:
		result.Ready = append(result.Ready, req.ComponentName)
	case RequestStatusStalled:
		result.Stalled = append(result.Stalled, req.ComponentName)
		result.Errors = append(result.Errors, NewStalledError(req.ComponentName).WithManifest(req.ManifestID))
	case RequestStatusFailed:
		result.Errors = append(result.Errors,
			NewBackendError(req.ComponentName, req.FailureReason, nil).WithManifest(req.ManifestID))
	default:
		result.Deferred = append(result.Deferred, req.ComponentName)
	}
}

func (o *Orchestrator) publish(ctx context.Context, manifestID, component, eventType, message, level string) {
	if o.events == nil {
		return
	}
	_ = o.events.Publish(ctx, &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now(),
		ManifestID: manifestID,
		Component:  component,
		Message:    message,
		Level:      level,
	})
}
