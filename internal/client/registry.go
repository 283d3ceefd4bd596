package client

import (
	"fmt"
	"sort"
	"sync/atomic"

	"aibridge/internal/model"
	"aibridge/internal/patch"
)

// Layers holds a client instance's patch layers, keyed by API kind.
type Layers map[patch.APIKind]*patch.ClientLayer

// Entry binds a model descriptor to the adapter instance that serves it,
// together with the client-level patch layers of that instance.
type Entry struct {
	Adapter    Adapter
	Descriptor *model.Descriptor
	Layers     Layers
}

// Layer returns the patch layer for an API kind, or nil.
func (e Entry) Layer(kind patch.APIKind) *patch.ClientLayer {
	return e.Layers[kind]
}

type snapshot struct {
	defaultClient string
	entries       map[string]Entry
	descriptors   []*model.Descriptor
}

// Registry maps qualified model ids to configured adapter instances. It
// is built once from configuration; resolution afterwards is a lock-free
// read. Reload replaces the whole snapshot atomically so concurrent
// readers never observe a half-updated registry.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// NewRegistry builds a registry from the given entries. The (client
// instance, model name) identity tuple must be unique.
func NewRegistry(defaultClient string, entries []Entry) (*Registry, error) {
	snap, err := buildSnapshot(defaultClient, entries)
	if err != nil {
		return nil, err
	}
	r := &Registry{}
	r.current.Store(snap)
	return r, nil
}

// Swap atomically replaces the registry contents. In-flight resolutions
// keep the snapshot they already resolved against.
func (r *Registry) Swap(defaultClient string, entries []Entry) error {
	snap, err := buildSnapshot(defaultClient, entries)
	if err != nil {
		return err
	}
	r.current.Store(snap)
	return nil
}

func buildSnapshot(defaultClient string, entries []Entry) (*snapshot, error) {
	snap := &snapshot{
		defaultClient: defaultClient,
		entries:       make(map[string]Entry, len(entries)),
		descriptors:   make([]*model.Descriptor, 0, len(entries)),
	}
	for _, e := range entries {
		if e.Adapter == nil || e.Descriptor == nil {
			return nil, fmt.Errorf("registry entry must carry both adapter and descriptor")
		}
		id := e.Descriptor.ID()
		if _, exists := snap.entries[id]; exists {
			return nil, fmt.Errorf("model %q registered twice", id)
		}
		snap.entries[id] = e
		snap.descriptors = append(snap.descriptors, e.Descriptor)
	}
	sort.Slice(snap.descriptors, func(i, j int) bool {
		return snap.descriptors[i].ID() < snap.descriptors[j].ID()
	})
	return snap, nil
}

// Resolve maps a qualified model id to its registry entry. An id without
// a client prefix resolves against the configured default client
// instance. Repeated calls return the same references.
func (r *Registry) Resolve(qualifiedID string) (Entry, error) {
	snap := r.current.Load()
	clientName, modelName, err := model.SplitID(qualifiedID, snap.defaultClient)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrUnknownModel, err)
	}
	entry, ok := snap.entries[model.JoinID(clientName, modelName)]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownModel, qualifiedID)
	}
	return entry, nil
}

// Descriptors lists every registered model, sorted by qualified id.
func (r *Registry) Descriptors() []*model.Descriptor {
	return r.current.Load().descriptors
}

// DefaultClient returns the client instance used for unqualified ids.
func (r *Registry) DefaultClient() string {
	return r.current.Load().defaultClient
}
