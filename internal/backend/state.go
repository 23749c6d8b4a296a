package backend

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// StateBackend persists the whole store snapshot. Load returns nil, nil
// when nothing has been saved yet.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type StateBackendFactory func(dsn string) (StateBackend, error)

// customStateBackends holds factories added with RegisterStateBackendFactory,
// keyed by lowercase scheme. They shadow the built-in schemes.
var customStateBackends sync.Map

func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme != "" && factory != nil {
		customStateBackends.Store(scheme, factory)
	}
}

func fileStateFactory(dsn string) (StateBackend, error) {
	path := dsn
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		path = filepath.Join(u.Host, u.Path)
	}
	if strings.TrimSpace(path) == "" {
		return nil, ErrInvalidInput
	}
	return NewJSONFileStateBackend(path), nil
}

func memoryStateFactory(string) (StateBackend, error) {
	return NewInMemoryStateBackend(), nil
}

func postgresStateFactory(dsn string) (StateBackend, error) {
	return NewPostgresStateBackend(dsn)
}

func unimplementedStateFactory(dsn string) (StateBackend, error) {
	scheme, _, _ := strings.Cut(dsn, ":")
	return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
}

var builtinStateBackends = map[string]StateBackendFactory{
	"":           fileStateFactory,
	"file":       fileStateFactory,
	"memory":     memoryStateFactory,
	"mem":        memoryStateFactory,
	"inmem":      memoryStateFactory,
	"postgres":   postgresStateFactory,
	"postgresql": postgresStateFactory,
	"mysql":      unimplementedStateFactory,
	"sqlite":     unimplementedStateFactory,
}

// BuildStateBackendFromDSN returns nil for an empty dsn, which keeps the
// store in memory only. A bare path selects the JSON file backend.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if v, ok := customStateBackends.Load(scheme); ok {
		return v.(StateBackendFactory)(dsn)
	}
	factory, ok := builtinStateBackends[scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
	return factory(dsn)
}

func decodeSnapshot(data []byte) (*persistedState, error) {
	snapshot := &persistedState{}
	if err := json.Unmarshal(data, snapshot); err != nil {
		return nil, fmt.Errorf("decode state snapshot: %w", err)
	}
	return snapshot, nil
}

// InMemoryStateBackend keeps the last snapshot encoded, so callers never
// share maps with it.
type InMemoryStateBackend struct {
	mu      sync.Mutex
	encoded []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	b.mu.Lock()
	encoded := b.encoded
	b.mu.Unlock()
	if encoded == nil {
		return nil, nil
	}
	return decodeSnapshot(encoded)
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.encoded = encoded
	b.mu.Unlock()
	return nil
}

// JSONFileStateBackend writes the snapshot as indented JSON, replacing the
// file atomically.
type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	data, err := os.ReadFile(b.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return decodeSnapshot(data)
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if state == nil {
		return nil
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(b.Path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, werr := f.Write(data)
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return werr
	}
	return os.Rename(tmp, b.Path)
}
