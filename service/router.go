package service

import (
	"cmp"
	"slices"
	"sync"
)

// Router maps instrument ids to their shards.
type Router struct {
	mu     sync.RWMutex
	shards map[uint64]*Shard
}

func NewRouter() *Router {
	return &Router{shards: make(map[uint64]*Shard)}
}

func (r *Router) Get(instrumentID uint64) (*Shard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shards[instrumentID]
	return s, ok
}

// GetOrOpen returns the instrument's shard, opening it with open when
// there is none. Concurrent callers share one open.
func (r *Router) GetOrOpen(instrumentID uint64, open func() (*Shard, error)) (*Shard, error) {
	if s, ok := r.Get(instrumentID); ok {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.shards[instrumentID]; ok {
		return s, nil
	}
	s, err := open()
	if err != nil {
		return nil, err
	}
	r.shards[instrumentID] = s
	return s, nil
}

// All returns every shard ordered by instrument id.
func (r *Router) All() []*Shard {
	r.mu.RLock()
	out := make([]*Shard, 0, len(r.shards))
	for _, s := range r.shards {
		out = append(out, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Shard) int {
		return cmp.Compare(a.cfg.inst.ID, b.cfg.inst.ID)
	})
	return out
}

func (r *Router) closeAll() {
	r.mu.Lock()
	shards := r.shards
	r.shards = make(map[uint64]*Shard)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range shards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
}
