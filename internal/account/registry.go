package account

import (
	"sync"
	"time"
)

// Registry keeps the runtime view of configured accounts. Accounts are never
// deleted at runtime; disabling is sufficient.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]Account
	brokers  map[string]Broker
	toggled  map[string]time.Time
}

// NewRegistry seeds the registry from validated configuration.
func NewRegistry(file *ConfigFile) *Registry {
	r := &Registry{
		accounts: make(map[string]Account, len(file.Accounts)),
		brokers:  make(map[string]Broker, len(file.Brokers)),
		toggled:  make(map[string]time.Time),
	}
	for _, a := range file.Accounts {
		r.accounts[a.ID] = a
	}
	for _, b := range file.Brokers {
		r.brokers[b.Name] = b
	}
	return r
}

// Get returns the account by id.
func (r *Registry) Get(id string) (Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	return a, ok
}

// Broker returns the broker config by family name.
func (r *Registry) Broker(name string) (Broker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.brokers[name]
	return b, ok
}

// All returns a snapshot of every account.
func (r *Registry) All() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a)
	}
	return out
}

// Brokers returns a snapshot of every broker config.
func (r *Registry) Brokers() []Broker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Broker, 0, len(r.brokers))
	for _, b := range r.brokers {
		out = append(out, b)
	}
	return out
}

// SetEnabled toggles an account. Returns false if the account is unknown.
func (r *Registry) SetEnabled(id string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return false
	}
	a.Enabled = enabled
	r.accounts[id] = a
	r.toggled[id] = time.Now()
	return true
}
