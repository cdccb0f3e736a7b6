package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestDispatcher(t *testing.T, backends []Backend, journal RequestJournal, events EventPublisher, opts ...DispatcherOption) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(backends, journal, events, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	return d
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	k1 := IdempotencyKey("app", 3, "api")
	k2 := IdempotencyKey("app", 3, "api")
	if k1 != k2 {
		t.Fatal("idempotency key must be deterministic")
	}
	if IdempotencyKey("app", 4, "api") == k1 {
		t.Error("generation must change the key")
	}
	if IdempotencyKey("app", 3, "worker") == k1 {
		t.Error("component must change the key")
	}
	if len(k1) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(k1))
	}
}

func TestDispatchIdempotent(t *testing.T) {
	backend := newFakeBackend(BackendInfraClaim)
	journal := newMemJournal()
	d := newTestDispatcher(t, []Backend{backend}, journal, nil)
	ctx := context.Background()

	c := &ComponentDecl{Name: "db", Type: "database"}
	req1, err := d.Dispatch(ctx, "app", 1, c, TierInfrastructural, BackendInfraClaim, nil, "", ProvenanceManifestDriven)
	if err != nil {
		t.Fatalf("first Dispatch failed: %v", err)
	}
	req2, err := d.Dispatch(ctx, "app", 1, c, TierInfrastructural, BackendInfraClaim, nil, "", ProvenanceManifestDriven)
	if err != nil {
		t.Fatalf("second Dispatch failed: %v", err)
	}

	if req1.IdempotencyKey != req2.IdempotencyKey {
		t.Error("re-dispatch must reuse the idempotency key")
	}
	if got := backend.submitCount(req1.IdempotencyKey); got != 1 {
		t.Fatalf("backend received %d submits, want exactly 1", got)
	}

	// A new generation is a new request.
	req3, err := d.Dispatch(ctx, "app", 2, c, TierInfrastructural, BackendInfraClaim, nil, "", ProvenanceManifestDriven)
	if err != nil {
		t.Fatalf("Dispatch at generation 2 failed: %v", err)
	}
	if req3.IdempotencyKey == req1.IdempotencyKey {
		t.Error("new generation must produce a new key")
	}
}

func TestDispatchPayloadMergesReferencesAndRepository(t *testing.T) {
	backend := newFakeBackend(BackendWorkloadClaim)
	d := newTestDispatcher(t, []Backend{backend}, newMemJournal(), nil)

	c := &ComponentDecl{
		Name: "api",
		Type: "webservice",
		Properties: map[string]any{
			"replicas": 2,
			"database": "db", // symbolic reference, replaced below
		},
	}
	refs := []ResolvedReference{{
		FromComponent: "api",
		PropertyPath:  "database",
		ToComponent:   "db",
		ResolvedValue: json.RawMessage(`{"host":"db","port":5432}`),
	}}

	req, err := d.Dispatch(context.Background(), "app", 1, c, TierFoundational, BackendWorkloadClaim, refs, "api", ProvenanceManifestDriven)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	var payload struct {
		Name       string         `json:"name"`
		Repository string         `json:"repository"`
		Properties map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if payload.Repository != "api" {
		t.Errorf("repository = %q, want api", payload.Repository)
	}
	db, ok := payload.Properties["database"].(map[string]any)
	if !ok {
		t.Fatalf("database property = %v, want resolved connection object", payload.Properties["database"])
	}
	if db["host"] != "db" {
		t.Errorf("resolved host = %v", db["host"])
	}
	if payload.Properties["replicas"] != float64(2) {
		t.Errorf("replicas = %v, want 2", payload.Properties["replicas"])
	}
}

func TestDispatchOmitsRepositoryForInfrastructure(t *testing.T) {
	backend := newFakeBackend(BackendInfraClaim)
	d := newTestDispatcher(t, []Backend{backend}, newMemJournal(), nil)

	c := &ComponentDecl{Name: "db", Type: "database"}
	req, err := d.Dispatch(context.Background(), "app", 1, c, TierInfrastructural, BackendInfraClaim, nil, "db", ProvenanceManifestDriven)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if _, ok := payload["repository"]; ok {
		t.Error("infrastructure payload must not carry a repository")
	}
}

func TestPollReadyCachesConnectionData(t *testing.T) {
	backend := newFakeBackend(BackendInfraClaim)
	journal := newMemJournal()
	events := &eventRecorder{}
	d := newTestDispatcher(t, []Backend{backend}, journal, events)
	ctx := context.Background()

	c := &ComponentDecl{Name: "db", Type: "database"}
	req, err := d.Dispatch(ctx, "app", 1, c, TierInfrastructural, BackendInfraClaim, nil, "", ProvenanceManifestDriven)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if req.Status != RequestStatusPending {
		t.Fatalf("status after dispatch = %s, want pending", req.Status)
	}

	req, err = d.Poll(ctx, req)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if req.Status != RequestStatusReady {
		t.Fatalf("status = %s, want ready", req.Status)
	}
	if req.ReadyAt == nil {
		t.Error("ReadyAt must be set")
	}

	data, ready, err := d.ConnectionData(ctx, "app", 1, "db")
	if err != nil {
		t.Fatalf("ConnectionData failed: %v", err)
	}
	if !ready {
		t.Fatal("expected ready connection data")
	}
	var conn map[string]any
	if err := json.Unmarshal(data, &conn); err != nil {
		t.Fatalf("connection data not valid JSON: %v", err)
	}
	if conn["host"] != "db" {
		t.Errorf("host = %v", conn["host"])
	}

	if got := events.byType("component.ready"); len(got) != 1 {
		t.Errorf("component.ready events = %d, want 1", len(got))
	}
}

func TestPollFailureRecordsReason(t *testing.T) {
	backend := newFakeBackend(BackendInfraClaim)
	backend.failNames["db"] = true
	d := newTestDispatcher(t, []Backend{backend}, newMemJournal(), nil)
	ctx := context.Background()

	c := &ComponentDecl{Name: "db", Type: "database"}
	req, _ := d.Dispatch(ctx, "app", 1, c, TierInfrastructural, BackendInfraClaim, nil, "", ProvenanceManifestDriven)

	req, err := d.Poll(ctx, req)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if req.Status != RequestStatusFailed {
		t.Fatalf("status = %s, want failed", req.Status)
	}
	if req.FailureReason != "scripted failure" {
		t.Errorf("reason = %q", req.FailureReason)
	}
}

func TestPollStallsAfterTimeout(t *testing.T) {
	backend := newFakeBackend(BackendInfraClaim)
	backend.readyAfter = 100 // never ready in this test
	journal := newMemJournal()

	clock := time.Now()
	d := newTestDispatcher(t, []Backend{backend}, journal, nil,
		WithReadinessTimeout(time.Minute),
		WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	c := &ComponentDecl{Name: "db", Type: "database"}
	req, _ := d.Dispatch(ctx, "app", 1, c, TierInfrastructural, BackendInfraClaim, nil, "", ProvenanceManifestDriven)

	req, err := d.Poll(ctx, req)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if req.Status != RequestStatusPending {
		t.Fatalf("status before timeout = %s, want pending", req.Status)
	}

	clock = clock.Add(2 * time.Minute)
	req, err = d.Poll(ctx, req)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if req.Status != RequestStatusStalled {
		t.Fatalf("status after timeout = %s, want stalled", req.Status)
	}
	if req.Status.IsTerminal() {
		t.Error("stalled must not be terminal")
	}

	// Clearing a stall makes the next poll a fresh attempt.
	if err := journal.ClearStalled(ctx, req.IdempotencyKey); err != nil {
		t.Fatalf("ClearStalled failed: %v", err)
	}
	cleared, err := journal.GetRequest(ctx, req.IdempotencyKey)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if cleared.Status != RequestStatusPending {
		t.Errorf("status after clear = %s, want pending", cleared.Status)
	}
}

func TestConnectionDataNotReadyOrAbsent(t *testing.T) {
	backend := newFakeBackend(BackendInfraClaim)
	backend.readyAfter = 100
	d := newTestDispatcher(t, []Backend{backend}, newMemJournal(), nil)
	ctx := context.Background()

	// No request at all.
	if _, ready, err := d.ConnectionData(ctx, "app", 1, "ghost"); err != nil || ready {
		t.Fatalf("absent request: ready=%v err=%v, want false nil", ready, err)
	}

	c := &ComponentDecl{Name: "db", Type: "database"}
	if _, err := d.Dispatch(ctx, "app", 1, c, TierInfrastructural, BackendInfraClaim, nil, "", ProvenanceManifestDriven); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if _, ready, err := d.ConnectionData(ctx, "app", 1, "db"); err != nil || ready {
		t.Fatalf("pending request: ready=%v err=%v, want false nil", ready, err)
	}
}

func TestNewDispatcherRejectsDuplicateKinds(t *testing.T) {
	b1 := newFakeBackend(BackendInfraClaim)
	b2 := newFakeBackend(BackendInfraClaim)
	if _, err := NewDispatcher([]Backend{b1, b2}, newMemJournal(), nil, zerolog.Nop()); err == nil {
		t.Fatal("expected duplicate-kind error")
	}
}
