// Package params provides access to hierarchical key-value parameter stores
// used for remote template overrides. Keys are path-structured as
// {prefix}/{templateId}/{fieldName}; the template store reads every key under
// a template's prefix and merges the values onto the resolved template.
package params

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store is the interface a parameter backend must satisfy.
type Store interface {
	// GetPrefix returns all keys under the given prefix, with the prefix and
	// the separating slash stripped from the returned keys.
	GetPrefix(ctx context.Context, prefix string) (map[string]string, error)

	// Put sets a single parameter value.
	Put(ctx context.Context, key, value string) error
}

// MemoryStore is an in-memory parameter store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory parameter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Put sets a single parameter value.
func (s *MemoryStore) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// GetPrefix returns all keys under the given prefix.
func (s *MemoryStore) GetPrefix(_ context.Context, prefix string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string)
	p := strings.TrimSuffix(prefix, "/") + "/"
	for k, v := range s.values {
		if strings.HasPrefix(k, p) {
			out[strings.TrimPrefix(k, p)] = v
		}
	}
	return out, nil
}

// FileStore reads parameters from a flat YAML file mapping full key paths to
// values. The file is re-read on every GetPrefix so operator edits take
// effect without a restart.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed parameter store.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Put is not supported for file stores; the file is operator-managed.
func (s *FileStore) Put(_ context.Context, _, _ string) error {
	return fmt.Errorf("file parameter store is read-only")
}

// GetPrefix returns all keys under the given prefix.
func (s *FileStore) GetPrefix(_ context.Context, prefix string) (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read parameter file: %w", err)
	}

	var values map[string]string
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse parameter file: %w", err)
	}

	out := make(map[string]string)
	p := strings.TrimSuffix(prefix, "/") + "/"
	for k, v := range values {
		if strings.HasPrefix(k, p) {
			out[strings.TrimPrefix(k, p)] = v
		}
	}
	return out, nil
}
