// Package destination resolves logical channel names to physical broker
// destinations.
package destination

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	errspkg "github.com/drblury/evalflow/internal/runtime/errors"
)

// Kind distinguishes broadcast topics from competing-consumer queues.
type Kind string

const (
	KindTopic Kind = "topic"
	KindQueue Kind = "queue"
)

// Destination is a physical broker channel.
type Destination struct {
	Logical  string
	Physical string
	Kind     Kind
}

// IsQueue reports whether consumers of the destination compete for messages.
func (d Destination) IsQueue() bool { return d.Kind == KindQueue }

// Scoped returns the destination used by one evaluation. Topics are shared
// and filtered by selector; queues get a per-correlation physical name so that
// competing consumers of different evaluations never take each other's
// messages.
func (d Destination) Scoped(correlationID string) Destination {
	if d.Kind != KindQueue || correlationID == "" {
		return d
	}
	d.Physical = d.Physical + "." + correlationID
	return d
}

func (d Destination) String() string {
	return fmt.Sprintf("%s://%s", d.Kind, d.Physical)
}

// Registry resolves logical names against a fixed mapping. Resolved values are
// cached for the lifetime of the registry.
type Registry struct {
	mu       sync.RWMutex
	mapping  map[string]string
	resolved map[string]Destination
}

// NewRegistry copies mapping; later changes to it are not observed.
func NewRegistry(mapping map[string]string) *Registry {
	copied := make(map[string]string, len(mapping))
	for logical, physical := range mapping {
		copied[logical] = physical
	}
	return &Registry{
		mapping:  copied,
		resolved: make(map[string]Destination, len(copied)),
	}
}

// Resolve returns the destination mapped to logicalName. Unknown names fail
// with a *errors.DestinationError.
func (r *Registry) Resolve(logicalName string) (Destination, error) {
	r.mu.RLock()
	dest, ok := r.resolved[logicalName]
	r.mu.RUnlock()
	if ok {
		return dest, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if dest, ok := r.resolved[logicalName]; ok {
		return dest, nil
	}
	physical, ok := r.mapping[logicalName]
	if !ok {
		return Destination{}, &errspkg.DestinationError{Name: logicalName}
	}
	dest = Parse(logicalName, physical)
	r.resolved[logicalName] = dest
	return dest, nil
}

// ResolveAll resolves every name, failing on the first unknown one.
func (r *Registry) ResolveAll(logicalNames ...string) ([]Destination, error) {
	out := make([]Destination, 0, len(logicalNames))
	for _, name := range logicalNames {
		dest, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		out = append(out, dest)
	}
	return out, nil
}

// Names returns the configured logical names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.mapping))
	for name := range r.mapping {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse builds a Destination from a physical name with an optional topic://
// or queue:// prefix. Unprefixed names are topics.
func Parse(logical, physical string) Destination {
	kind := KindTopic
	name := strings.TrimSpace(physical)
	if scheme, rest, found := strings.Cut(name, "://"); found {
		if Kind(scheme) == KindQueue {
			kind = KindQueue
		}
		name = rest
	}
	return Destination{Logical: logical, Physical: name, Kind: kind}
}
