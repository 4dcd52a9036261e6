package catalogcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goliatone/go-catalog-cache/cache"
	"github.com/goliatone/go-catalog-cache/pkg/logging"
)

// Member is a cache bound to its owner, as registered with a Registry.
type Member interface {
	State() cache.State
	Invalidate()
	Reload(ctx context.Context) error
}

type boundMember struct {
	state      func() cache.State
	invalidate func()
	reload     func(ctx context.Context) error
}

func (m *boundMember) State() cache.State               { return m.state() }
func (m *boundMember) Invalidate()                      { m.invalidate() }
func (m *boundMember) Reload(ctx context.Context) error { return m.reload(ctx) }

var (
	// ErrUnknownMember is returned for names never registered.
	ErrUnknownMember = errors.New("unknown cache")
	// ErrDuplicateMember is returned when a name is registered twice.
	ErrDuplicateMember = errors.New("cache already registered")
)

// Registry groups the caches of one container and coordinates explicit
// invalidation and refresh. Invalidating a cache clears every cache that
// depends on it, transitively.
type Registry struct {
	mu         sync.RWMutex
	members    map[string]Member
	order      []string
	dependents map[string][]string
	logger     logging.Logger
}

// NewRegistry creates an empty registry. A nil logger discards output.
func NewRegistry(logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Registry{
		members:    map[string]Member{},
		dependents: map[string][]string{},
		logger:     logger,
	}
}

// Register adds m under name. Every name in dependsOn must already be
// registered, so registration order is also a valid load order.
func (r *Registry) Register(name string, m Member, dependsOn ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMember, name)
	}
	for _, dep := range dependsOn {
		if _, ok := r.members[dep]; !ok {
			return fmt.Errorf("%s depends on %w: %s", name, ErrUnknownMember, dep)
		}
	}
	r.members[name] = m
	r.order = append(r.order, name)
	for _, dep := range dependsOn {
		r.dependents[dep] = append(r.dependents[dep], name)
	}
	return nil
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// State returns the state of the named member.
func (r *Registry) State(name string) (cache.State, error) {
	r.mu.RLock()
	m, ok := r.members[name]
	r.mu.RUnlock()
	if !ok {
		return cache.StateEmpty, fmt.Errorf("%w: %s", ErrUnknownMember, name)
	}
	return m.State(), nil
}

// Invalidate clears name and everything depending on it. It returns the
// cleared names, name first.
func (r *Registry) Invalidate(name string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.members[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMember, name)
	}
	cleared := r.cascade(name)
	for _, n := range cleared {
		r.members[n].Invalidate()
	}
	r.logger.Debug("caches invalidated", "root", name, "count", len(cleared))
	return cleared, nil
}

// InvalidateAll clears every member.
func (r *Registry) InvalidateAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.order {
		r.members[n].Invalidate()
	}
	r.logger.Debug("all caches invalidated", "count", len(r.order))
}

// Refresh clears name and its dependents, then reloads name. Dependents
// reload lazily on their next read.
func (r *Registry) Refresh(ctx context.Context, name string) error {
	if _, err := r.Invalidate(name); err != nil {
		return err
	}
	r.mu.RLock()
	m := r.members[name]
	r.mu.RUnlock()
	if err := m.Reload(WithLoadTags(ctx, "refresh:"+name)); err != nil {
		return fmt.Errorf("refresh %s: %w", name, err)
	}
	return nil
}

// RefreshAll clears every member and reloads them in registration order,
// stopping at the first failure.
func (r *Registry) RefreshAll(ctx context.Context) error {
	r.InvalidateAll()
	ctx = WithLoadTags(ctx, "refresh:all")
	for _, n := range r.Names() {
		r.mu.RLock()
		m := r.members[n]
		r.mu.RUnlock()
		if err := m.Reload(ctx); err != nil {
			return fmt.Errorf("refresh %s: %w", n, err)
		}
	}
	return nil
}

// cascade returns name followed by its transitive dependents, breadth first,
// each once.
func (r *Registry) cascade(name string) []string {
	seen := map[string]bool{name: true}
	out := []string{name}
	for i := 0; i < len(out); i++ {
		for _, dep := range r.dependents[out[i]] {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
			}
		}
	}
	return out
}
