// Package backend is the reference tenantsync backend: tenants addressed by
// subdomain and one revisioned JSON document per (tenant, entity key).
package backend

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/agentworkforce/tenantsync/internal/entities"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrRevisionConflict = errors.New("revision conflict")
	ErrSubdomainTaken   = errors.New("subdomain taken")
	ErrNotImplemented   = errors.New("not implemented")
)

type ConflictError struct {
	ExpectedRevision string
	CurrentRevision  string
}

func (e *ConflictError) Error() string {
	return "revision conflict"
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRevisionConflict
}

var subdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Subdomain string    `json:"subdomain"`
	CreatedAt time.Time `json:"createdAt"`
}

type Entity struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Revision  string          `json:"revision"`
	UpdatedAt time.Time       `json:"updatedAt"`
	RequestID string          `json:"requestId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type WriteRequest struct {
	TenantID  string
	Key       string
	Value     json.RawMessage
	RequestID string
	SessionID string
	// IfMatch, when set, must equal the current revision ("0" for a key
	// that was never written).
	IfMatch       string
	CorrelationID string
}

type WriteResult struct {
	Key      string `json:"key"`
	TenantID string `json:"tenantId"`
	Revision string `json:"revision"`
}

// ChangeEvent is emitted after every committed write.
type ChangeEvent struct {
	TenantID  string
	Key       string
	Revision  string
	RequestID string
	SessionID string
}

type StoreOptions struct {
	StateBackend StateBackend
	Registry     *entities.Registry
	Logger       *zap.Logger
	OnChange     func(ChangeEvent)
}

type tenantState struct {
	Tenant   Tenant            `json:"tenant"`
	Entities map[string]Entity `json:"entities"`
}

type persistedState struct {
	RevCounter uint64                  `json:"revCounter"`
	Tenants    map[string]*tenantState `json:"tenants"`
}

type Store struct {
	mu           sync.RWMutex
	tenants      map[string]*tenantState
	bySubdomain  map[string]string
	revCounter   uint64
	stateBackend StateBackend
	registry     *entities.Registry
	logger       *zap.Logger
	onChange     func(ChangeEvent)
	now          func() time.Time
}

func NewStore() *Store {
	s, _ := NewStoreWithOptions(StoreOptions{})
	return s
}

// NewStoreWithOptions builds a store and loads any state the backend holds.
func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	registry := opts.Registry
	if registry == nil {
		registry = entities.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		tenants:      map[string]*tenantState{},
		bySubdomain:  map[string]string{},
		stateBackend: opts.StateBackend,
		registry:     registry,
		logger:       logger,
		onChange:     opts.OnChange,
		now:          time.Now,
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return s, nil
}

// SetOnChange replaces the change callback.
func (s *Store) SetOnChange(fn func(ChangeEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Store) Registry() *entities.Registry {
	return s.registry
}

func normalizeSubdomain(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

func (s *Store) CreateTenant(t Tenant) (Tenant, error) {
	t.Name = strings.TrimSpace(t.Name)
	t.Subdomain = normalizeSubdomain(t.Subdomain)
	t.ID = strings.TrimSpace(t.ID)
	if t.Name == "" || !subdomainPattern.MatchString(t.Subdomain) || strings.Contains(t.ID, "/") {
		return Tenant{}, ErrInvalidInput
	}
	if t.ID == "" {
		t.ID = strings.ToLower(ulid.Make().String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tenants[t.ID]; exists {
		return Tenant{}, fmt.Errorf("%w: tenant %s exists", ErrInvalidInput, t.ID)
	}
	if _, taken := s.bySubdomain[t.Subdomain]; taken {
		return Tenant{}, ErrSubdomainTaken
	}
	t.CreatedAt = s.now().UTC()
	s.tenants[t.ID] = &tenantState{Tenant: t, Entities: map[string]Entity{}}
	s.bySubdomain[t.Subdomain] = t.ID
	if err := s.saveLocked(); err != nil {
		s.logger.Error("persist state failed", zap.Error(err))
	}
	return t, nil
}

// ListTenants returns every tenant sorted by name, then id.
func (s *Store) ListTenants() []Tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tenant, 0, len(s.tenants))
	for _, ts := range s.tenants {
		out = append(out, ts.Tenant)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) GetTenant(tenantID string) (Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tenants[tenantID]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return ts.Tenant, nil
}

func (s *Store) ResolveSubdomain(slug string) (Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySubdomain[normalizeSubdomain(slug)]
	if !ok {
		return Tenant{}, ErrNotFound
	}
	return s.tenants[id].Tenant, nil
}

// Bundle returns the entities of one tier. Bootstrap and plain secondary
// keys fall back to their default; catalog keys are only included once
// written so clients fetch them individually.
func (s *Store) Bundle(tenantID string, tier entities.Tier) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	out := map[string]json.RawMessage{}
	for _, spec := range s.registry.ByTier(tier) {
		if entity, ok := ts.Entities[spec.Key]; ok {
			out[spec.Key] = cloneRaw(entity.Value)
			continue
		}
		if spec.Catalog {
			continue
		}
		out[spec.Key] = cloneRaw(spec.Default)
	}
	return out, nil
}

// Get returns the stored entity, or ErrNotFound when it was never written.
func (s *Store) Get(tenantID, key string) (Entity, error) {
	if _, ok := s.registry.Lookup(key); !ok {
		return Entity{}, fmt.Errorf("%w: unknown entity %q", ErrInvalidInput, key)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tenants[tenantID]
	if !ok {
		return Entity{}, ErrNotFound
	}
	entity, ok := ts.Entities[key]
	if !ok {
		return Entity{}, ErrNotFound
	}
	entity.Value = cloneRaw(entity.Value)
	return entity, nil
}

// Put stores a new revision of an entity and emits a ChangeEvent.
func (s *Store) Put(req WriteRequest) (WriteResult, error) {
	if req.TenantID == "" || req.Key == "" {
		return WriteResult{}, ErrInvalidInput
	}
	if _, ok := s.registry.Lookup(req.Key); !ok {
		return WriteResult{}, fmt.Errorf("%w: unknown entity %q", ErrInvalidInput, req.Key)
	}
	if len(req.Value) == 0 || !json.Valid(req.Value) {
		return WriteResult{}, fmt.Errorf("%w: value is not valid json", ErrInvalidInput)
	}

	s.mu.Lock()
	ts, ok := s.tenants[req.TenantID]
	if !ok {
		s.mu.Unlock()
		return WriteResult{}, ErrNotFound
	}
	existing, exists := ts.Entities[req.Key]
	if req.IfMatch != "" {
		current := "0"
		if exists {
			current = existing.Revision
		}
		if req.IfMatch != current {
			s.mu.Unlock()
			return WriteResult{}, &ConflictError{ExpectedRevision: req.IfMatch, CurrentRevision: current}
		}
	}
	revision := s.nextRevisionLocked()
	ts.Entities[req.Key] = Entity{
		Key:       req.Key,
		Value:     cloneRaw(req.Value),
		Revision:  revision,
		UpdatedAt: s.now().UTC(),
		RequestID: req.RequestID,
		SessionID: req.SessionID,
	}
	if err := s.saveLocked(); err != nil {
		s.logger.Error("persist state failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("key", req.Key),
			zap.String("correlation_id", req.CorrelationID),
			zap.Error(err),
		)
	}
	onChange := s.onChange
	s.mu.Unlock()

	if onChange != nil {
		onChange(ChangeEvent{
			TenantID:  req.TenantID,
			Key:       req.Key,
			Revision:  revision,
			RequestID: req.RequestID,
			SessionID: req.SessionID,
		})
	}
	return WriteResult{Key: req.Key, TenantID: req.TenantID, Revision: revision}, nil
}

func (s *Store) nextRevisionLocked() string {
	s.revCounter++
	return fmt.Sprintf("rev_%d", s.revCounter)
}

func (s *Store) load() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil || snapshot == nil {
		return err
	}
	for id, ts := range snapshot.Tenants {
		if ts == nil {
			continue
		}
		if ts.Entities == nil {
			ts.Entities = map[string]Entity{}
		}
		s.tenants[id] = ts
		s.bySubdomain[ts.Tenant.Subdomain] = id
	}
	s.revCounter = snapshot.RevCounter
	return nil
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	return s.stateBackend.Save(&persistedState{
		RevCounter: s.revCounter,
		Tenants:    s.tenants,
	})
}

// Close releases the state backend.
func (s *Store) Close() error {
	if closer, ok := s.stateBackend.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
