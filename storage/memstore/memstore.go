// Package memstore is the in-process storage.Store used when the relay runs
// without NATS.
package memstore

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"sync"

	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/storage"
)

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Store keeps values in a map. Updates to one key are serialized by a
// per-key lock; different keys proceed in parallel.
type Store struct {
	mu     sync.RWMutex
	values map[string][]byte

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		values: make(map[string][]byte),
		locks:  make(map[string]*keyLock),
	}
}

func (s *Store) lock(key string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, key)
		}
		s.locksMu.Unlock()
	}
}

func (s *Store) Backend() string { return "memory" }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "memstore", "Get", "lookup "+key)
	}
	return append([]byte(nil), v...), nil
}

func (s *Store) Update(ctx context.Context, key string, fn storage.UpdateFunc) error {
	unlock := s.lock(key)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	current, ok := s.values[key]
	s.mu.RUnlock()
	if ok {
		current = append([]byte(nil), current...)
	}

	next, err := fn(current)
	if stderrors.Is(err, storage.ErrSkipWrite) {
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.values[key] = append([]byte(nil), next...)
	s.mu.Unlock()
	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	unlock := s.lock(key)
	defer unlock()
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}
