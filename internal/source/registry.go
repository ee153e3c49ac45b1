package source

// Registry holds adapters in priority order. The first adapter whose Matches
// returns true claims the URL; resolution happens once at task-start time.
type Registry struct {
	adapters []Adapter
}

// NewRegistry creates a registry with the given adapters, probed in order.
func NewRegistry(adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters}
}

// Resolve returns the adapter claiming the URL.
func (r *Registry) Resolve(rawURL string) (Adapter, error) {
	for _, a := range r.adapters {
		if a.Matches(rawURL) {
			return a, nil
		}
	}
	return nil, ErrNoAdapter
}

// Get returns an adapter by key, for mirror lookups and the login flow.
func (r *Registry) Get(key string) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.Key() == key {
			return a, true
		}
	}
	return nil, false
}

// Keys lists the registered adapter keys in priority order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.adapters))
	for _, a := range r.adapters {
		keys = append(keys, a.Key())
	}
	return keys
}
