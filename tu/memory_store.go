package tu

import (
	"context"

	"github.com/ghettovoice/siptu/internal/syncutil"
)

// MemorySessionStore is an in-process [SessionStore].
// The zero value is ready to use.
type MemorySessionStore struct {
	m syncutil.RWMap[string, *Handle]
}

// NewMemorySessionStore creates an empty in-memory store.
func NewMemorySessionStore() *MemorySessionStore { return new(MemorySessionStore) }

func (s *MemorySessionStore) Put(_ context.Context, key string, h *Handle) error {
	s.m.Set(key, h)
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, key string) (*Handle, bool, error) {
	h, ok := s.m.Get(key)
	return h, ok, nil
}

func (s *MemorySessionStore) Remove(_ context.Context, key string) error {
	s.m.Del(key)
	return nil
}

// Len returns the number of stored handles.
func (s *MemorySessionStore) Len() int { return s.m.Len() }
