// Package directory resolves service names to ServiceIDs for the core
// registry service. Bindings are established outside the protocol.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/muxsession/internal/protocol/envelope"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	ErrInvalidBinding    = errors.New("directory: invalid binding")
	ErrUnsupportedFormat = errors.New("directory: unsupported file format")
	ErrReservedService   = errors.New("directory: service id 0 is reserved")
	ErrDuplicateService  = errors.New("directory: duplicate service name")
)

// Resolver maps a name to a ServiceID. found=false with a nil error means
// the name is unbound.
type Resolver interface {
	Resolve(ctx context.Context, name string) (id envelope.ServiceID, found bool, err error)
}

// ResolverFunc adapts a function into a Resolver.
type ResolverFunc func(ctx context.Context, name string) (envelope.ServiceID, bool, error)

func (f ResolverFunc) Resolve(ctx context.Context, name string) (envelope.ServiceID, bool, error) {
	return f(ctx, name)
}

// Bindings is a name -> ServiceID table.
type Bindings map[string]envelope.ServiceID

func (b Bindings) Validate() error {
	for name, id := range b {
		if err := validateBinding(name, id); err != nil {
			return err
		}
	}
	return nil
}

func validateBinding(name string, id envelope.ServiceID) error {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: name %q", ErrInvalidBinding, name)
	}
	if id == envelope.CoreService {
		return fmt.Errorf("%w: %q", ErrReservedService, name)
	}
	return nil
}

// Static is an in-memory Resolver that can be rebound at runtime.
type Static struct {
	mu       sync.RWMutex
	bindings Bindings
}

func NewStatic(b Bindings) (*Static, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	s := &Static{bindings: make(Bindings, len(b))}
	maps.Copy(s.bindings, b)
	return s, nil
}

func (s *Static) Resolve(ctx context.Context, name string) (envelope.ServiceID, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bindings[name]
	return id, ok, nil
}

func (s *Static) Bind(name string, id envelope.ServiceID) error {
	if err := validateBinding(name, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[name] = id
	return nil
}

func (s *Static) Unbind(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bindings[name]
	delete(s.bindings, name)
	return ok
}

// Replace swaps the whole table atomically.
func (s *Static) Replace(b Bindings) error {
	if err := b.Validate(); err != nil {
		return err
	}
	next := make(Bindings, len(b))
	maps.Copy(next, b)
	s.mu.Lock()
	s.bindings = next
	s.mu.Unlock()
	return nil
}

// Names returns bound names in sorted order.
func (s *Static) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := maps.Keys(s.bindings)
	slices.Sort(names)
	return names
}

func (s *Static) Snapshot() Bindings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.bindings)
}
