package plans

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/platinummonkey/meterd/pkg/apperr"
)

// memStore is an in-memory Store for tests
type memStore struct {
	mu    sync.Mutex
	plans map[string]*Plan
	gets  atomic.Int64
	fail  error
}

func newMemStore(plans ...*Plan) *memStore {
	s := &memStore{plans: map[string]*Plan{}}
	for _, p := range plans {
		s.plans[p.ID] = p
	}
	return s
}

func (s *memStore) Get(ctx context.Context, id string) (*Plan, error) {
	s.gets.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	p, ok := s.plans[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "plans.get", fmt.Sprintf("plan %s not found", id))
	}
	return p, nil
}

func (s *memStore) List(ctx context.Context) ([]*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	return out, nil
}

func (s *memStore) Upsert(ctx context.Context, p *Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.plans[p.ID] = p
	return nil
}
