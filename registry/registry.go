package registry

import (
	"fmt"
	"sort"
)

// Channel is a single named scalar animation control in [0,1], bound to one
// or more morph targets on the mesh. Priority channels (visemes, blinks,
// core speech shapes) are exempt from scheduler throttling.
type Channel struct {
	ID       string
	Priority bool
	Bindings []string
}

// Definition describes one channel at configuration time.
type Definition struct {
	ID       string
	Priority bool
	Bindings []string
}

// Registry maps channel identifiers to their mesh bindings. It is built once
// at startup from the mesh asset's channel set and never mutated afterwards.
type Registry struct {
	channels map[string]Channel
	aliases  map[string]string
	ordered  []string
	priority int
}

// New validates the channel definitions and producer alias table and builds
// an immutable registry. Aliases let producers address channels by their own
// naming scheme (e.g. ARKit blendshape names); every alias must resolve to a
// defined channel.
func New(defs []Definition, aliases map[string]string) (*Registry, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("registry: no channels defined")
	}
	channels := make(map[string]Channel, len(defs))
	ordered := make([]string, 0, len(defs))
	priority := 0
	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("registry: empty channel identifier")
		}
		if _, exists := channels[def.ID]; exists {
			return nil, fmt.Errorf("registry: duplicate channel %q", def.ID)
		}
		bindings := append([]string(nil), def.Bindings...)
		channels[def.ID] = Channel{ID: def.ID, Priority: def.Priority, Bindings: bindings}
		ordered = append(ordered, def.ID)
		if def.Priority {
			priority++
		}
	}
	sort.Strings(ordered)

	cloned := make(map[string]string, len(aliases))
	for alias, target := range aliases {
		if alias == "" {
			return nil, fmt.Errorf("registry: empty alias")
		}
		if _, ok := channels[target]; !ok {
			return nil, fmt.Errorf("registry: alias %q targets unknown channel %q", alias, target)
		}
		cloned[alias] = target
	}

	return &Registry{channels: channels, aliases: cloned, ordered: ordered, priority: priority}, nil
}

// Resolve maps a producer-side name to its canonical channel identifier.
// Names without an alias entry resolve to themselves so that unknown-channel
// handling stays in one place (the decoder).
func (r *Registry) Resolve(name string) string {
	if target, ok := r.aliases[name]; ok {
		return target
	}
	return name
}

func (r *Registry) Has(id string) bool {
	_, ok := r.channels[id]
	return ok
}

func (r *Registry) Lookup(id string) (Channel, bool) {
	ch, ok := r.channels[id]
	return ch, ok
}

func (r *Registry) IsPriority(id string) bool {
	ch, ok := r.channels[id]
	return ok && ch.Priority
}

func (r *Registry) Len() int {
	return len(r.channels)
}

// PriorityCount reports how many channels are flagged priority.
func (r *Registry) PriorityCount() int {
	return r.priority
}

// Channels returns the channel identifiers in a stable order.
func (r *Registry) Channels() []string {
	return append([]string(nil), r.ordered...)
}
