package local

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openmast/openmast/pkg/engine"
)

// ConnectionDataFunc builds the connection data returned once a request
// reaches Ready. It receives the request payload.
type ConnectionDataFunc func(payload json.RawMessage) json.RawMessage

// FailureFunc inspects a request payload at submission time and returns a
// failure reason for requests that should fail instead of becoming Ready.
type FailureFunc func(payload json.RawMessage) (reason string, fail bool)

// Option configures a local backend.
type Option func(*Backend)

// WithReadyAfter sets how many status polls a request stays Pending before
// it becomes Ready. Zero means ready on the first poll.
func WithReadyAfter(polls int) Option {
	return func(b *Backend) {
		b.readyAfter = polls
	}
}

// WithConnectionData overrides the default connection data builder.
func WithConnectionData(fn ConnectionDataFunc) Option {
	return func(b *Backend) {
		b.connData = fn
	}
}

// WithFailure installs a failure rule evaluated at submission time.
func WithFailure(fn FailureFunc) Option {
	return func(b *Backend) {
		b.failure = fn
	}
}

// WithLogger sets the backend logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

type request struct {
	key        string
	payload    json.RawMessage
	polls      int
	failReason string
	failed     bool
	createdAt  time.Time
}

// Backend is an in-memory implementation of engine.Backend for one kind.
// Submitting the same idempotency key twice returns the original handle.
type Backend struct {
	kind       engine.BackendKind
	readyAfter int
	connData   ConnectionDataFunc
	failure    FailureFunc
	logger     zerolog.Logger

	mu       sync.Mutex
	requests map[string]*request // by idempotency key
	handles  map[string]string   // handle to idempotency key
}

// New creates a local backend serving the given kind.
func New(kind engine.BackendKind, opts ...Option) (*Backend, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	b := &Backend{
		kind:     kind,
		logger:   zerolog.Nop(),
		requests: make(map[string]*request),
		handles:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.connData == nil {
		b.connData = defaultConnectionData(kind)
	}
	return b, nil
}

// NewSet creates one local backend per kind, all with the same options.
func NewSet(opts ...Option) ([]engine.Backend, error) {
	kinds := []engine.BackendKind{
		engine.BackendInfraClaim,
		engine.BackendCompositeService,
		engine.BackendWorkloadClaim,
	}

	backends := make([]engine.Backend, 0, len(kinds))
	for _, kind := range kinds {
		b, err := New(kind, opts...)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, nil
}

// Kind implements engine.Backend.
func (b *Backend) Kind() engine.BackendKind {
	return b.kind
}

// Submit implements engine.Backend. A repeated idempotency key is a safe
// no-op returning the existing handle.
func (b *Backend) Submit(_ context.Context, idempotencyKey string, payload json.RawMessage) (string, error) {
	if idempotencyKey == "" {
		return "", engine.NewValidationError("idempotency key is required", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if req, ok := b.requests[idempotencyKey]; ok {
		for handle, key := range b.handles {
			if key == req.key {
				b.logger.Debug().
					Str("backend", string(b.kind)).
					Str("idempotency_key", idempotencyKey).
					Msg("duplicate submission, returning existing handle")
				return handle, nil
			}
		}
	}

	req := &request{
		key:       idempotencyKey,
		payload:   payload,
		createdAt: time.Now(),
	}
	if b.failure != nil {
		if reason, fail := b.failure(payload); fail {
			req.failed = true
			req.failReason = reason
		}
	}

	handle := uuid.New().String()
	b.requests[idempotencyKey] = req
	b.handles[handle] = idempotencyKey

	b.logger.Debug().
		Str("backend", string(b.kind)).
		Str("idempotency_key", idempotencyKey).
		Str("handle", handle).
		Msg("provisioning request accepted")

	return handle, nil
}

// GetStatus implements engine.Backend.
func (b *Backend) GetStatus(_ context.Context, handle string) (*engine.BackendStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key, ok := b.handles[handle]
	if !ok {
		return nil, engine.NewNotFoundError("request handle", handle)
	}
	req := b.requests[key]

	if req.failed {
		return &engine.BackendStatus{
			State:  engine.RequestStatusFailed,
			Reason: req.failReason,
		}, nil
	}

	req.polls++
	if req.polls <= b.readyAfter {
		return &engine.BackendStatus{State: engine.RequestStatusPending}, nil
	}

	return &engine.BackendStatus{
		State:          engine.RequestStatusReady,
		ConnectionData: b.connData(req.payload),
	}, nil
}

// defaultConnectionData derives endpoint-style connection data from the
// payload's component name.
func defaultConnectionData(kind engine.BackendKind) ConnectionDataFunc {
	return func(payload json.RawMessage) json.RawMessage {
		name := "unknown"
		var fields map[string]any
		if err := json.Unmarshal(payload, &fields); err == nil {
			if n, ok := fields["name"].(string); ok && n != "" {
				name = n
			}
		}

		data, _ := json.Marshal(map[string]string{
			"name":     name,
			"kind":     string(kind),
			"endpoint": fmt.Sprintf("local://%s/%s", kind, name),
		})
		return data
	}
}
