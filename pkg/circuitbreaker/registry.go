package circuitbreaker

import "sync"

// Registry holds one breaker per key, created lazily. Keys are typically
// endpoint hosts, so the map stays small and is never pruned.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]*Breaker
	cfg   Config
}

// NewRegistry creates a registry whose breakers all share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		byKey: make(map[string]*Breaker),
		cfg:   cfg,
	}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b := r.byKey[key]
	r.mu.RUnlock()
	if b != nil {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b = r.byKey[key]; b == nil {
		b = New(r.cfg)
		r.byKey[key] = b
	}
	return b
}

// Stats is a point-in-time count of breakers by state.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}

// Stats counts the registered breakers by state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Total: len(r.byKey)}
	for _, b := range r.byKey {
		switch b.State() {
		case Open:
			s.Open++
		case HalfOpen:
			s.HalfOpen++
		default:
			s.Closed++
		}
	}
	return s
}
