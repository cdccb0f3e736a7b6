package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// memStore is an in-memory ManifestStore with optimistic concurrency.
type memStore struct {
	mu          sync.Mutex
	manifests   map[string]*Manifest
	generations map[string]int64

	// conflictsLeft forces that many CONFLICT errors on ApplyMutation
	// before accepting a write.
	conflictsLeft int
}

func newMemStore() *memStore {
	return &memStore{
		manifests:   make(map[string]*Manifest),
		generations: make(map[string]int64),
	}
}

func (s *memStore) GetManifest(_ context.Context, id string) (*Manifest, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[id]
	if !ok {
		return nil, 0, NewNotFoundError("manifest", id)
	}
	cp := *m
	cp.Components = append([]ComponentDecl(nil), m.Components...)
	return &cp, s.generations[id], nil
}

func (s *memStore) GetGeneration(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.generations[id]
	if !ok {
		return 0, NewNotFoundError("manifest", id)
	}
	return gen, nil
}

func (s *memStore) ApplyMutation(_ context.Context, id string, generation int64, diff *ManifestDiff) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.manifests[id]
	if !ok {
		return 0, NewNotFoundError("manifest", id)
	}
	if s.conflictsLeft > 0 {
		s.conflictsLeft--
		s.generations[id]++
		return 0, NewConflictError(id, generation, s.generations[id])
	}
	if s.generations[id] != generation {
		return 0, NewConflictError(id, generation, s.generations[id])
	}

	m.Components = append(m.Components, diff.AddComponents...)
	for _, upd := range diff.UpdateComponents {
		for i := range m.Components {
			if m.Components[i].Name == upd.Name {
				m.Components[i] = upd
			}
		}
	}
	for _, name := range diff.RemoveComponents {
		for i := range m.Components {
			if m.Components[i].Name == name {
				m.Components = append(m.Components[:i], m.Components[i+1:]...)
				break
			}
		}
	}

	s.generations[id]++
	return s.generations[id], nil
}

func (s *memStore) PutManifest(_ context.Context, m *Manifest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[m.ID] = m
	s.generations[m.ID]++
	return s.generations[m.ID], nil
}

func (s *memStore) ListManifests(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.manifests))
	for id := range s.manifests {
		ids = append(ids, id)
	}
	return ids, nil
}

// memJournal is an in-memory RequestJournal.
type memJournal struct {
	mu       sync.Mutex
	requests map[string]*ProvisioningRequest
}

func newMemJournal() *memJournal {
	return &memJournal{requests: make(map[string]*ProvisioningRequest)}
}

func (j *memJournal) GetRequest(_ context.Context, key string) (*ProvisioningRequest, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	req, ok := j.requests[key]
	if !ok {
		return nil, NewNotFoundError("request", key)
	}
	cp := *req
	return &cp, nil
}

func (j *memJournal) SaveRequest(_ context.Context, req *ProvisioningRequest) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *req
	j.requests[req.IdempotencyKey] = &cp
	return nil
}

func (j *memJournal) ListRequests(_ context.Context, manifestID string, generation int64) ([]ProvisioningRequest, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []ProvisioningRequest
	for _, req := range j.requests {
		if req.ManifestID == manifestID && req.Generation == generation {
			out = append(out, *req)
		}
	}
	return out, nil
}

func (j *memJournal) ClearStalled(_ context.Context, key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	req, ok := j.requests[key]
	if !ok {
		return NewNotFoundError("request", key)
	}
	if req.Status == RequestStatusStalled {
		req.Status = RequestStatusPending
		req.SubmittedAt = time.Now()
	}
	return nil
}

// fakeBackend is a scriptable Backend. Submissions become Ready after
// readyAfter polls (0 means immediately), unless the component name is
// in failNames.
type fakeBackend struct {
	kind       BackendKind
	readyAfter int
	failNames  map[string]bool

	mu      sync.Mutex
	submits map[string]int // handle -> submit count
	polls   map[string]int
	payload map[string]json.RawMessage
}

func newFakeBackend(kind BackendKind) *fakeBackend {
	return &fakeBackend{
		kind:      kind,
		failNames: make(map[string]bool),
		submits:   make(map[string]int),
		polls:     make(map[string]int),
		payload:   make(map[string]json.RawMessage),
	}
}

func (b *fakeBackend) Kind() BackendKind { return b.kind }

func (b *fakeBackend) Submit(_ context.Context, key string, payload json.RawMessage) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits[key]++
	b.payload[key] = payload
	return key, nil
}

func (b *fakeBackend) GetStatus(_ context.Context, handle string) (*BackendStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var env struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(b.payload[handle], &env)
	if b.failNames[env.Name] {
		return &BackendStatus{State: RequestStatusFailed, Reason: "scripted failure"}, nil
	}

	b.polls[handle]++
	if b.polls[handle] <= b.readyAfter {
		return &BackendStatus{State: RequestStatusPending}, nil
	}
	conn := json.RawMessage(fmt.Sprintf(`{"host":%q,"port":5432}`, env.Name))
	return &BackendStatus{State: RequestStatusReady, ConnectionData: conn}, nil
}

func (b *fakeBackend) submitCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits[key]
}

// eventRecorder captures published events.
type eventRecorder struct {
	mu     sync.Mutex
	events []*Event
}

func (r *eventRecorder) Publish(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) byType(eventType string) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// staticSource is a ConnectionSource over a fixed map of ready components.
type staticSource struct {
	data map[string]json.RawMessage
}

func (s *staticSource) ConnectionData(_ context.Context, _ string, _ int64, component string) (json.RawMessage, bool, error) {
	d, ok := s.data[component]
	return d, ok, nil
}
