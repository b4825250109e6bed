// Package services holds the builtin service handlers muxd can serve. A
// builtin is installed under whatever ServiceID the directory binds to its
// name.
package services

import (
	"fmt"
	"sync"

	"github.com/danmuck/muxsession/internal/directory"
	"github.com/danmuck/muxsession/internal/mux"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ServiceRegistry stores builtin handlers by name.
type ServiceRegistry struct {
	repo map[string]mux.Handler
	mu   sync.RWMutex
}

func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{repo: make(map[string]mux.Handler)}
}

// Defaults returns a registry with every builtin.
func Defaults() *ServiceRegistry {
	r := NewServiceRegistry()
	r.Register(EchoName, Echo())
	r.Register(CounterName, NewCounter())
	return r
}

func (sr *ServiceRegistry) Register(name string, h mux.Handler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.repo[name] = h
}

func (sr *ServiceRegistry) Get(name string) (mux.Handler, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	h, ok := sr.repo[name]
	return h, ok
}

// Names returns the registered names in order.
func (sr *ServiceRegistry) Names() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	names := maps.Keys(sr.repo)
	slices.Sort(names)
	return names
}

// Install registers each enabled builtin on m under the id bindings give
// its name. Unbound builtins are skipped; the installed names are returned.
func (sr *ServiceRegistry) Install(m *mux.ServiceMux, bindings directory.Bindings, enabled []string) ([]string, error) {
	var installed []string
	for _, name := range enabled {
		h, ok := sr.Get(name)
		if !ok {
			return installed, fmt.Errorf("services: unknown builtin %q", name)
		}
		id, ok := bindings[name]
		if !ok {
			continue
		}
		if err := m.Handle(id, h); err != nil {
			return installed, fmt.Errorf("services: install %q: %w", name, err)
		}
		installed = append(installed, name)
	}
	return installed, nil
}
