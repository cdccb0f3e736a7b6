package local

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/openmast/openmast/pkg/engine"
)

func TestSubmitIsIdempotent(t *testing.T) {
	b, err := New(engine.BackendInfraClaim)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	payload := json.RawMessage(`{"name":"main-db","type":"postgres-database"}`)

	h1, err := b.Submit(ctx, "key-1", payload)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	h2, err := b.Submit(ctx, "key-1", payload)
	if err != nil {
		t.Fatalf("duplicate Submit failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("duplicate submission returned a new handle: %s vs %s", h1, h2)
	}

	h3, err := b.Submit(ctx, "key-2", payload)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if h3 == h1 {
		t.Error("distinct keys must get distinct handles")
	}
}

func TestSubmitRequiresKey(t *testing.T) {
	b, err := New(engine.BackendWorkloadClaim)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := b.Submit(context.Background(), "", nil); err == nil {
		t.Fatal("expected error for empty idempotency key")
	}
}

func TestReadinessAfterPolls(t *testing.T) {
	b, err := New(engine.BackendCompositeService, WithReadyAfter(2))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	handle, err := b.Submit(ctx, "key-1", json.RawMessage(`{"name":"chat"}`))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		status, err := b.GetStatus(ctx, handle)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if status.State != engine.RequestStatusPending {
			t.Fatalf("poll %d: state = %s, want pending", i+1, status.State)
		}
	}

	status, err := b.GetStatus(ctx, handle)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != engine.RequestStatusReady {
		t.Fatalf("state = %s, want ready", status.State)
	}

	var conn map[string]string
	if err := json.Unmarshal(status.ConnectionData, &conn); err != nil {
		t.Fatalf("connection data is not valid JSON: %v", err)
	}
	if conn["name"] != "chat" {
		t.Errorf("connection name = %q, want chat", conn["name"])
	}
	if !strings.HasPrefix(conn["endpoint"], "local://composite-service/") {
		t.Errorf("unexpected endpoint %q", conn["endpoint"])
	}
}

func TestFailureInjection(t *testing.T) {
	b, err := New(engine.BackendInfraClaim, WithFailure(func(payload json.RawMessage) (string, bool) {
		return "quota exceeded", strings.Contains(string(payload), "big-db")
	}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	handle, err := b.Submit(ctx, "key-1", json.RawMessage(`{"name":"big-db"}`))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	status, err := b.GetStatus(ctx, handle)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != engine.RequestStatusFailed {
		t.Fatalf("state = %s, want failed", status.State)
	}
	if status.Reason != "quota exceeded" {
		t.Errorf("reason = %q, want quota exceeded", status.Reason)
	}

	ok, err := b.Submit(ctx, "key-2", json.RawMessage(`{"name":"small-db"}`))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	status, err = b.GetStatus(ctx, ok)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.State != engine.RequestStatusReady {
		t.Fatalf("state = %s, want ready for unmatched payload", status.State)
	}
}

func TestUnknownHandle(t *testing.T) {
	b, err := New(engine.BackendWorkloadClaim)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = b.GetStatus(context.Background(), "no-such-handle")
	if err == nil {
		t.Fatal("expected error for unknown handle")
	}
	if engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("code = %s, want NOT_FOUND", engine.CodeOf(err))
	}
}

func TestNewSetCoversAllKinds(t *testing.T) {
	backends, err := NewSet()
	if err != nil {
		t.Fatalf("NewSet failed: %v", err)
	}

	kinds := make(map[engine.BackendKind]bool)
	for _, b := range backends {
		kinds[b.Kind()] = true
	}
	for _, want := range []engine.BackendKind{
		engine.BackendInfraClaim,
		engine.BackendCompositeService,
		engine.BackendWorkloadClaim,
	} {
		if !kinds[want] {
			t.Errorf("NewSet missing backend kind %s", want)
		}
	}
}

func TestInvalidKindRejected(t *testing.T) {
	if _, err := New(engine.BackendKind("mystery")); err == nil {
		t.Fatal("expected error for invalid backend kind")
	}
}
