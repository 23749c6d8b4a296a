package cache

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
)

type BackendFactory func(dsn string) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

// RegisterBackendFactory makes scheme resolvable by BuildBackendFromDSN.
// Registered factories take precedence over the built-in schemes.
func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildBackendFromDSN opens the backend named by dsn. A bare path selects
// the file backend.
func BuildBackendFromDSN(dsn string) (Backend, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, "", ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, "", err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		backend, err := factory(dsn)
		return backend, scheme, err
	}
	switch scheme {
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, "", err
		}
		backend, err := NewFileBackend(path)
		return backend, "file", err
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), "memory", nil
	case "postgres", "postgresql":
		backend, err := NewPostgresBackend(dsn)
		return backend, "postgres", err
	case "badger":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, "", err
		}
		backend, err := NewBadgerBackend(path)
		return backend, "badger", err
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, "", err
		}
		backend, err := NewSQLiteBackend(path)
		return backend, "sqlite", err
	case "redis", "mysql":
		return nil, "", fmt.Errorf("%w: cache backend %s", ErrNotImplemented, scheme)
	default:
		return nil, "", fmt.Errorf("unsupported cache backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		// scheme://relative/dir keeps the first segment.
		path = filepath.Join(host, path)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
