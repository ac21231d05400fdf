// Package extension holds the named response filters and header
// manipulators a proxy route can be configured with.
package extension

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrDuplicateName is returned when a name is registered twice.
var ErrDuplicateName = errors.New("extension: name already registered")

// HeaderManipulator mutates the headers sent back to the client.
type HeaderManipulator interface {
	Modify(h http.Header)
}

// ResponseFilter decides whether an upstream response is persisted.
type ResponseFilter interface {
	Test(res *http.Response) bool
}

// HeaderManipulatorFunc adapts a function to HeaderManipulator.
type HeaderManipulatorFunc func(h http.Header)

func (f HeaderManipulatorFunc) Modify(h http.Header) { f(h) }

// ResponseFilterFunc adapts a function to ResponseFilter.
type ResponseFilterFunc func(res *http.Response) bool

func (f ResponseFilterFunc) Test(res *http.Response) bool { return f(res) }

// Manipulators applies each manipulator in order.
type Manipulators []HeaderManipulator

func (m Manipulators) Apply(h http.Header) {
	for _, hm := range m {
		hm.Modify(h)
	}
}

// Filters is the conjunction of its members. An empty set accepts
// every response.
type Filters []ResponseFilter

func (f Filters) Allow(res *http.Response) bool {
	for _, rf := range f {
		if !rf.Test(res) {
			return false
		}
	}
	return true
}

// Registry maps case-insensitive names to extension constructors.
type Registry struct {
	mu           sync.RWMutex
	manipulators map[string]func() HeaderManipulator
	filters      map[string]func() ResponseFilter
	log          *zap.Logger
}

func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		manipulators: make(map[string]func() HeaderManipulator),
		filters:      make(map[string]func() ResponseFilter),
		log:          log,
	}
}

func (r *Registry) RegisterHeaderManipulator(name string, ctor func() HeaderManipulator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(name)
	if _, ok := r.manipulators[key]; ok {
		return fmt.Errorf("%w: header manipulator %q", ErrDuplicateName, name)
	}
	r.manipulators[key] = ctor
	return nil
}

func (r *Registry) RegisterResponseFilter(name string, ctor func() ResponseFilter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToLower(name)
	if _, ok := r.filters[key]; ok {
		return fmt.Errorf("%w: response filter %q", ErrDuplicateName, name)
	}
	r.filters[key] = ctor
	return nil
}

// HeaderManipulators resolves names in order. Unknown names are skipped
// and a name listed twice is resolved once.
func (r *Registry) HeaderManipulators(names []string) Manipulators {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out Manipulators
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if seen[key] {
			continue
		}
		seen[key] = true
		ctor, ok := r.manipulators[key]
		if !ok {
			r.log.Debug("unknown header manipulator", zap.String("name", name))
			continue
		}
		out = append(out, ctor())
	}
	return out
}

// ResponseFilters resolves names the same way HeaderManipulators does.
func (r *Registry) ResponseFilters(names []string) Filters {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out Filters
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if seen[key] {
			continue
		}
		seen[key] = true
		ctor, ok := r.filters[key]
		if !ok {
			r.log.Debug("unknown response filter", zap.String("name", name))
			continue
		}
		out = append(out, ctor())
	}
	return out
}

// Names lists registered manipulator and filter names.
func (r *Registry) Names() (manipulators, filters []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for k := range r.manipulators {
		manipulators = append(manipulators, k)
	}
	for k := range r.filters {
		filters = append(filters, k)
	}
	return manipulators, filters
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	r := NewRegistry(zap.L().Named("extension"))
	RegisterBuiltins(r)
	return r
})

// Default returns the process-wide registry with the built-ins registered.
func Default() *Registry {
	return defaultRegistry()
}
