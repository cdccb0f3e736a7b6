package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type testHarness struct {
	orch     *Orchestrator
	store    *memStore
	journal  *memJournal
	leases   *MemoryLeaseManager
	events   *eventRecorder
	infra    *fakeBackend
	services *fakeBackend
	workload *fakeBackend
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	h := &testHarness{
		store:    newMemStore(),
		journal:  newMemJournal(),
		leases:   NewMemoryLeaseManager(),
		events:   &eventRecorder{},
		infra:    newFakeBackend(BackendInfraClaim),
		services: newFakeBackend(BackendCompositeService),
		workload: newFakeBackend(BackendWorkloadClaim),
	}

	dispatcher, err := NewDispatcher(
		[]Backend{h.infra, h.services, h.workload}, h.journal, h.events, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}

	h.orch, err = New(Deps{
		Store:      h.store,
		Leases:     h.leases,
		Journal:    h.journal,
		Classifier: NewClassifier(zerolog.Nop()),
		Dispatcher: dispatcher,
		Events:     h.events,
		Logger:     zerolog.Nop(),
	}, Options{Holder: "test"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return h
}

func (h *testHarness) put(t *testing.T, m *Manifest) {
	t.Helper()
	if _, err := h.store.PutManifest(context.Background(), m); err != nil {
		t.Fatalf("PutManifest failed: %v", err)
	}
}

func contains(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

func TestReconcileConvergesAcrossPasses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.put(t, &Manifest{
		ID:   "app",
		Name: "app",
		Components: []ComponentDecl{
			{Name: "api", Type: "webservice", Properties: map[string]any{
				"cache": "session-cache",
			}},
			{Name: "session-cache", Type: "cache"},
		},
	})

	// First pass: the cache dispatches and completes; the api defers
	// because its reference was unresolved when the pass resolved.
	r1, err := h.orch.Reconcile(ctx, "app")
	if err != nil {
		t.Fatalf("pass 1 failed: %v", err)
	}
	if r1.Ordered[0] != "session-cache" || r1.Ordered[1] != "api" {
		t.Fatalf("order = %v, want cache before api", r1.Ordered)
	}
	if !contains(r1.Dispatched, "session-cache") || contains(r1.Dispatched, "api") {
		t.Fatalf("pass 1 dispatched = %v, want only session-cache", r1.Dispatched)
	}
	if !contains(r1.Deferred, "api") {
		t.Fatalf("pass 1 deferred = %v, want api", r1.Deferred)
	}
	if r1.Complete() {
		t.Error("pass 1 must not be complete")
	}

	// Second pass: the cache is Ready, the reference resolves, the api
	// dispatches with the cache's connection data merged in.
	r2, err := h.orch.Reconcile(ctx, "app")
	if err != nil {
		t.Fatalf("pass 2 failed: %v", err)
	}
	if !contains(r2.Dispatched, "api") {
		t.Fatalf("pass 2 dispatched = %v, want api", r2.Dispatched)
	}
	if !r2.Complete() {
		t.Fatalf("pass 2 should converge: ready=%v ordered=%v", r2.Ready, r2.Ordered)
	}

	// Third pass: steady state, nothing new dispatches.
	r3, err := h.orch.Reconcile(ctx, "app")
	if err != nil {
		t.Fatalf("pass 3 failed: %v", err)
	}
	if len(r3.Dispatched) != 0 {
		t.Fatalf("steady-state pass dispatched %v", r3.Dispatched)
	}
	key := IdempotencyKey("app", r1.Generation, "session-cache")
	if got := h.infra.submitCount(key); got != 1 {
		t.Fatalf("cache submitted %d times, want exactly 1", got)
	}
}

func TestReconcileCycleDispatchesNothing(t *testing.T) {
	h := newHarness(t)
	h.put(t, &Manifest{
		ID: "app",
		Components: []ComponentDecl{
			{Name: "a", Type: "webservice", Properties: map[string]any{"cache": "b"}},
			{Name: "b", Type: "webservice", Properties: map[string]any{"cache": "a"}},
			{Name: "unrelated", Type: "database"},
		},
	})

	result, err := h.orch.Reconcile(context.Background(), "app")
	if err == nil || !IsCycle(err) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if len(result.Dispatched) != 0 {
		t.Fatalf("cycle must dispatch nothing, got %v", result.Dispatched)
	}
	reqs, _ := h.journal.ListRequests(context.Background(), "app", result.Generation)
	if len(reqs) != 0 {
		t.Fatalf("journal has %d requests after cycle abort, want 0", len(reqs))
	}
	if got := h.events.byType("pass.aborted"); len(got) != 1 {
		t.Errorf("pass.aborted events = %d, want 1", len(got))
	}
}

func TestReconcileDanglingReferenceDefersOnlyThatComponent(t *testing.T) {
	h := newHarness(t)
	h.put(t, &Manifest{
		ID: "app",
		Components: []ComponentDecl{
			{Name: "db", Type: "database"},
			{Name: "api", Type: "webservice", Properties: map[string]any{
				"database": "no-such-db",
			}},
		},
	})

	result, err := h.orch.Reconcile(context.Background(), "app")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if !contains(result.Dispatched, "db") {
		t.Errorf("unaffected component must dispatch, got %v", result.Dispatched)
	}
	if contains(result.Dispatched, "api") {
		t.Error("component with dangling reference must not dispatch")
	}
	if !contains(result.Deferred, "api") {
		t.Errorf("deferred = %v, want api", result.Deferred)
	}

	found := false
	for _, e := range result.Errors {
		if e.Code == ErrCodeDanglingReference && e.Component == "api" {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %v, want DANGLING_REFERENCE for api", result.Errors)
	}
}

func TestReconcileBackendFailureIsComponentScoped(t *testing.T) {
	h := newHarness(t)
	h.infra.failNames["db"] = true
	h.put(t, &Manifest{
		ID: "app",
		Components: []ComponentDecl{
			{Name: "db", Type: "database"},
			{Name: "worker", Type: "worker"},
		},
	})

	result, err := h.orch.Reconcile(context.Background(), "app")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if !contains(result.Ready, "worker") {
		t.Errorf("independent worker should be ready, got ready=%v", result.Ready)
	}
	found := false
	for _, e := range result.Errors {
		if e.Code == ErrCodeBackendFailed && e.Component == "db" {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %v, want BACKEND_FAILED for db", result.Errors)
	}
}

func TestReconcileLeaseHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.put(t, &Manifest{ID: "app", Components: []ComponentDecl{{Name: "db", Type: "database"}}})

	ok, err := h.leases.Acquire(ctx, "app", "other-holder", time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-acquire failed: ok=%v err=%v", ok, err)
	}

	_, err = h.orch.Reconcile(ctx, "app")
	if CodeOf(err) != ErrCodeLeaseHeld {
		t.Fatalf("expected LEASE_HELD, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("lease contention must be retryable")
	}
}

type staleStore struct {
	*memStore
	genCalls int
}

func (s *staleStore) GetGeneration(ctx context.Context, id string) (int64, error) {
	gen, err := s.memStore.GetGeneration(ctx, id)
	s.genCalls++
	if s.genCalls > 1 {
		return gen + 1, err
	}
	return gen, err
}

func TestReconcileStaleGenerationStopsNewDispatches(t *testing.T) {
	h := newHarness(t)
	store := &staleStore{memStore: h.store}
	ctx := context.Background()
	h.put(t, &Manifest{
		ID: "app",
		Components: []ComponentDecl{
			{Name: "db-one", Type: "database"},
			{Name: "db-two", Type: "database"},
		},
	})

	dispatcher, err := NewDispatcher(
		[]Backend{h.infra, h.services, h.workload}, h.journal, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	orch, err := New(Deps{
		Store:      store,
		Leases:     NewMemoryLeaseManager(),
		Journal:    h.journal,
		Classifier: NewClassifier(zerolog.Nop()),
		Dispatcher: dispatcher,
		Logger:     zerolog.Nop(),
	}, Options{Holder: "test"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	result, err := orch.Reconcile(ctx, "app")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !result.StaleGeneration {
		t.Fatal("expected StaleGeneration")
	}
	if len(result.Dispatched) != 1 || result.Dispatched[0] != "db-one" {
		t.Errorf("dispatched = %v, want only db-one", result.Dispatched)
	}
	if !contains(result.Deferred, "db-two") {
		t.Errorf("deferred = %v, want db-two", result.Deferred)
	}
}

func TestSubmitManifestChangeAPIProvenance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.put(t, &Manifest{ID: "app", Name: "app"})

	mut, err := h.orch.SubmitManifestChange(ctx, "app",
		ComponentDecl{Name: "api", Type: "webservice"}, ProvenanceAPIDriven)
	if err != nil {
		t.Fatalf("SubmitManifestChange failed: %v", err)
	}
	if mut.State != MutationApplied {
		t.Fatalf("state = %s, want %s", mut.State, MutationApplied)
	}

	m, gen, err := h.store.GetManifest(ctx, "app")
	if err != nil {
		t.Fatalf("GetManifest failed: %v", err)
	}
	if m.Component("api") == nil {
		t.Fatal("component not added to manifest")
	}
	if gen != 2 {
		t.Errorf("generation = %d, want 2", gen)
	}
}

func TestSubmitManifestChangeLoopTermination(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.put(t, &Manifest{ID: "app", Name: "app"})
	decl := ComponentDecl{Name: "api", Type: "webservice"}

	// Derived provenances terminate at the guard without touching the
	// manifest, for any provenance value.
	for _, p := range []Provenance{ProvenanceManifestDriven, ProvenanceAnalyzerDriven} {
		mut, err := h.orch.SubmitManifestChange(ctx, "app", decl, p)
		if err != nil {
			t.Fatalf("SubmitManifestChange(%s) failed: %v", p, err)
		}
		if mut.State != MutationSkippedLoop {
			t.Fatalf("state for %s = %s, want %s", p, mut.State, MutationSkippedLoop)
		}
	}
	if _, gen, _ := h.store.GetManifest(ctx, "app"); gen != 1 {
		t.Fatalf("generation = %d, derived writes must not mutate", gen)
	}

	// The api-driven write lands once; replaying it is a duplicate no-op.
	if _, err := h.orch.SubmitManifestChange(ctx, "app", decl, ProvenanceAPIDriven); err != nil {
		t.Fatalf("api-driven submit failed: %v", err)
	}
	dup, err := h.orch.SubmitManifestChange(ctx, "app", decl, ProvenanceAPIDriven)
	if err != nil {
		t.Fatalf("duplicate submit failed: %v", err)
	}
	if dup.State != MutationSkippedDuplicate {
		t.Fatalf("duplicate state = %s, want %s", dup.State, MutationSkippedDuplicate)
	}
	if _, gen, _ := h.store.GetManifest(ctx, "app"); gen != 2 {
		t.Fatalf("generation = %d, want exactly one applied write", gen)
	}
}

func TestSubmitManifestChangeConflictRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.put(t, &Manifest{ID: "app", Name: "app"})
	h.store.conflictsLeft = 2

	mut, err := h.orch.SubmitManifestChange(ctx, "app",
		ComponentDecl{Name: "api", Type: "webservice"}, ProvenanceAPIDriven)
	if err != nil {
		t.Fatalf("SubmitManifestChange failed after conflicts: %v", err)
	}
	if mut.State != MutationApplied {
		t.Fatalf("state = %s, want %s", mut.State, MutationApplied)
	}

	m, _, _ := h.store.GetManifest(ctx, "app")
	if m.Component("api") == nil {
		t.Fatal("component not added after retry")
	}
}

func TestSubmitManifestChangeCreatesManifest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	mut, err := h.orch.SubmitManifestChange(ctx, "fresh-app",
		ComponentDecl{Name: "api", Type: "webservice"}, ProvenanceAPIDriven)
	if err != nil {
		t.Fatalf("SubmitManifestChange failed: %v", err)
	}
	if mut.State != MutationApplied {
		t.Fatalf("state = %s, want %s", mut.State, MutationApplied)
	}

	m, _, err := h.store.GetManifest(ctx, "fresh-app")
	if err != nil {
		t.Fatalf("manifest not created: %v", err)
	}
	if m.Component("api") == nil {
		t.Fatal("component missing from created manifest")
	}
}

func TestSubmitManifestChangeValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.SubmitManifestChange(ctx, "app",
		ComponentDecl{Name: "api", Type: "webservice"}, Provenance("bogus")); CodeOf(err) != ErrCodeValidation {
		t.Errorf("expected VALIDATION_ERROR for bad provenance, got %v", err)
	}
	if _, err := h.orch.SubmitManifestChange(ctx, "app",
		ComponentDecl{Type: "webservice"}, ProvenanceAPIDriven); CodeOf(err) != ErrCodeValidation {
		t.Errorf("expected VALIDATION_ERROR for empty name, got %v", err)
	}
}

func TestNextBackoffBounds(t *testing.T) {
	h := newHarness(t)

	for attempt := 0; attempt < 10; attempt++ {
		d := h.orch.NextBackoff(attempt)
		if d <= 0 {
			t.Fatalf("backoff(%d) = %v, must be positive", attempt, d)
		}
		if d > time.Minute+time.Minute/4 {
			t.Fatalf("backoff(%d) = %v, exceeds cap plus jitter", attempt, d)
		}
	}
}
