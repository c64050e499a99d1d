package hostfunc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

const (
	DefaultMaxKeySize   = 256
	DefaultMaxValueSize = 1 << 20 // 1MB
	DefaultMaxEntries   = 10000
)

var (
	ErrKeyRequired   = errors.New("key required")
	ErrKeyTooLarge   = errors.New("key exceeds max size")
	ErrValueTooLarge = errors.New("value exceeds max size")
	ErrStoreFull     = errors.New("store is full")
	ErrValueTooDeep  = errors.New("value nested too deeply")
)

// maxCopyDepth bounds nested maps and lists held by the store.
const maxCopyDepth = 64

type StoreConfig struct {
	MaxKeySize   int
	MaxValueSize int
	MaxEntries   int
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxKeySize:   DefaultMaxKeySize,
		MaxValueSize: DefaultMaxValueSize,
		MaxEntries:   DefaultMaxEntries,
	}
}

// Store is the process-wide shared key-value state visible to scripts.
// Every mutation bumps a version so snapshots can be compared.
type Store struct {
	cfg     StoreConfig
	data    map[string]any
	version uint64
	mu      sync.RWMutex
}

func NewStore(cfg StoreConfig) *Store {
	return &Store{cfg: cfg, data: make(map[string]any)}
}

// Get returns a copy of the stored value. Mutating it leaves the store
// unchanged.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	val, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	// stored values were copied on Set, so they are acyclic and bounded
	out, _ := copyValue(val, 0)
	return out, true
}

func (s *Store) Set(key string, value any) error {
	if key == "" {
		return ErrKeyRequired
	}
	if s.cfg.MaxKeySize > 0 && len(key) > s.cfg.MaxKeySize {
		return ErrKeyTooLarge
	}
	if s.cfg.MaxValueSize > 0 {
		size, err := valueSize(value)
		if err != nil {
			return fmt.Errorf("value for %q: %w", key, err)
		}
		if size > s.cfg.MaxValueSize {
			return ErrValueTooLarge
		}
	}
	value, err := copyValue(value, 0)
	if err != nil {
		return fmt.Errorf("value for %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; !exists && s.cfg.MaxEntries > 0 && len(s.data) >= s.cfg.MaxEntries {
		return ErrStoreFull
	}
	s.data[key] = value
	s.version++
	return nil
}

func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return false
	}
	delete(s.data, key)
	s.version++
	return true
}

func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.data))
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot returns a copy of the store and the version it reflects.
// Later mutations are not visible through the returned map.
func (s *Store) Snapshot() (map[string]any, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		out[k], _ = copyValue(v, 0)
	}
	return out, s.version
}

// Register binds the shared_get, shared_set, shared_delete and shared_keys
// host functions to this store.
func (s *Store) Register(r *Registry) {
	r.Register("shared_get", s.getFunc)
	r.Register("shared_set", s.setFunc)
	r.Register("shared_delete", s.deleteFunc)
	r.Register("shared_keys", s.keysFunc)
}

func (s *Store) getFunc(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok {
		return nil, ErrKeyRequired
	}
	if val, ok := s.Get(key); ok {
		return val, nil
	}
	return args["default"], nil
}

func (s *Store) setFunc(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok {
		return nil, ErrKeyRequired
	}
	if err := s.Set(key, args["value"]); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Store) deleteFunc(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok {
		return nil, ErrKeyRequired
	}
	return s.Delete(key), nil
}

func (s *Store) keysFunc(ctx context.Context, args map[string]any) (any, error) {
	keys := s.Keys()
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out, nil
}

func valueSize(v any) (int, error) {
	if s, ok := v.(string); ok {
		return len(s), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// copyValue deep-copies the maps and lists scripts exchange. Other values
// are immutable or owned by the caller.
func copyValue(v any, depth int) (any, error) {
	if depth > maxCopyDepth {
		return nil, ErrValueTooDeep
	}
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			c, err := copyValue(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			c, err := copyValue(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case []byte:
		return slices.Clone(v), nil
	}
	return v, nil
}
