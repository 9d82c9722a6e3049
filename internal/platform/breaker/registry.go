package breaker

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultProfile is the configuration key applied to services without a
// profile of their own.
const DefaultProfile = "default"

// Registry holds one breaker per downstream service. Breakers for configured
// services are created up front; unknown names get the default profile on
// first use.
type Registry struct {
	configs  map[string]Config
	opts     []Option
	logger   zerolog.Logger
	observer TransitionFunc

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry builds breakers for every name in services, using the profile
// of the same name from configs or the DefaultProfile entry. observer may be
// nil; transitions are always logged.
func NewRegistry(configs map[string]Config, services []string, logger zerolog.Logger, observer TransitionFunc, opts ...Option) *Registry {
	r := &Registry{
		configs:  make(map[string]Config, len(configs)),
		logger:   logger.With().Str("component", "breaker").Logger(),
		observer: observer,
		breakers: make(map[string]*Breaker),
	}
	for name, c := range configs {
		r.configs[strings.ToLower(name)] = c
	}
	r.opts = append(opts, WithTransitionFunc(r.transition))
	for _, name := range services {
		r.breakers[name] = New(name, r.configFor(name), r.opts...)
	}
	return r
}

func (r *Registry) configFor(name string) Config {
	if c, ok := r.configs[strings.ToLower(name)]; ok {
		return c
	}
	return r.configs[DefaultProfile]
}

func (r *Registry) transition(name string, from, to State) {
	evt := r.logger.Info()
	if to == StateOpen {
		evt = r.logger.Warn()
	}
	evt.Str("service", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state changed")
	if r.observer != nil {
		r.observer(name, from, to)
	}
}

// Get returns the breaker for a service.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.configFor(name), r.opts...)
	r.breakers[name] = b
	return b
}

// Snapshots returns the state of every breaker, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
