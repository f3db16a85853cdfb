package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rickgao/tickmux/internal/model"
)

// SubscribeResult reports the effect of a Subscribe call.
type SubscribeResult struct {
	IsNewInstrument bool          // Instrument had no prior entry; caller sends REG
	Group           model.GroupID // Group the instrument is registered under
}

// UnsubscribeResult reports the effect of an Unsubscribe call.
type UnsubscribeResult struct {
	InstrumentRemoved bool          // Last consumer left; caller sends REMOVE
	Group             model.GroupID // Released group (valid if InstrumentRemoved)
}

// Registration pairs a registered instrument with its group.
type Registration struct {
	Instrument model.Instrument
	Group      model.GroupID
}

// Registry tracks which consumers want which instrument and the group each
// instrument is registered under. C is the consumer handle type; the registry
// only holds non-owning references to it.
type Registry[C comparable] struct {
	mu    sync.Mutex
	alloc *Allocator

	// instrument → consumer set
	consumers map[model.Instrument]map[C]struct{}

	// instrument → group, and its inverse
	groups      map[model.Instrument]model.GroupID
	instruments map[model.GroupID]model.Instrument

	// consumer → instruments, so RemoveConsumer need not scan every instrument
	byConsumer map[C]map[model.Instrument]struct{}
}

// New creates an empty registry whose group ids are below ceiling.
func New[C comparable](ceiling int) *Registry[C] {
	return &Registry[C]{
		alloc:       NewAllocator(ceiling),
		consumers:   make(map[model.Instrument]map[C]struct{}),
		groups:      make(map[model.Instrument]model.GroupID),
		instruments: make(map[model.GroupID]model.Instrument),
		byConsumer:  make(map[C]map[model.Instrument]struct{}),
	}
}

// Subscribe adds c to the consumer set of inst. Subscribing the same pair
// twice is a no-op. When inst had no entry a group id is allocated and
// IsNewInstrument is reported; if no id is available ErrCapacity is returned
// and the registry is unchanged.
func (r *Registry[C]) Subscribe(inst model.Instrument, c C) (SubscribeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.consumers[inst]; ok {
		set[c] = struct{}{}
		r.indexLocked(c, inst)
		return SubscribeResult{Group: r.groups[inst]}, nil
	}

	group, err := r.alloc.Allocate()
	if err != nil {
		return SubscribeResult{}, err
	}

	r.consumers[inst] = map[C]struct{}{c: {}}
	r.groups[inst] = group
	r.instruments[group] = inst
	r.indexLocked(c, inst)

	return SubscribeResult{IsNewInstrument: true, Group: group}, nil
}

// Unsubscribe removes c from inst. When the consumer set becomes empty the
// instrument is removed and its group released in the same step. No-op if
// the pairing did not exist.
func (r *Registry[C]) Unsubscribe(inst model.Instrument, c C) UnsubscribeResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.unsubscribeLocked(inst, c)
}

// RemoveConsumer unsubscribes c from every instrument it was part of and
// returns the registrations that were removed entirely.
func (r *Registry[C]) RemoveConsumer(c C) []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Iterate a snapshot: unsubscribeLocked mutates byConsumer.
	owned := make([]model.Instrument, 0, len(r.byConsumer[c]))
	for inst := range r.byConsumer[c] {
		owned = append(owned, inst)
	}
	sortInstruments(owned)

	var removed []Registration
	for _, inst := range owned {
		res := r.unsubscribeLocked(inst, c)
		if res.InstrumentRemoved {
			removed = append(removed, Registration{Instrument: inst, Group: res.Group})
		}
	}
	return removed
}

// IsEmpty reports whether no instrument is registered.
func (r *Registry[C]) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consumers) == 0
}

// Len returns the number of registered instruments.
func (r *Registry[C]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consumers)
}

// ConsumerCount returns the number of distinct consumers with at least one
// subscription.
func (r *Registry[C]) ConsumerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConsumer)
}

// GroupsInUse returns the number of outstanding group ids.
func (r *Registry[C]) GroupsInUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alloc.InUse()
}

// SnapshotInstruments returns every registered instrument with its group,
// ordered by group id.
func (r *Registry[C]) SnapshotInstruments() []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Registration, 0, len(r.groups))
	for inst, group := range r.groups {
		out = append(out, Registration{Instrument: inst, Group: group})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// ResolveInstrument returns the instrument currently registered under group.
func (r *Registry[C]) ResolveInstrument(group model.GroupID) (model.Instrument, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instruments[group]
	return inst, ok
}

// ConsumersOf returns a copy of the consumer set of inst.
func (r *Registry[C]) ConsumersOf(inst model.Instrument) []C {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.consumersLocked(inst)
}

// Lookup resolves group and copies its consumer set under one lock, so the
// fan-out path never sees an instrument without its consumers.
func (r *Registry[C]) Lookup(group model.GroupID) (model.Instrument, []C, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instruments[group]
	if !ok {
		return "", nil, false
	}
	return inst, r.consumersLocked(inst), true
}

// Group returns the group inst is registered under.
func (r *Registry[C]) Group(inst model.Instrument) (model.GroupID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[inst]
	return g, ok
}

// InstrumentsOf returns the instruments c is subscribed to, sorted.
func (r *Registry[C]) InstrumentsOf(c C) []model.Instrument {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Instrument, 0, len(r.byConsumer[c]))
	for inst := range r.byConsumer[c] {
		out = append(out, inst)
	}
	sortInstruments(out)
	return out
}

// CheckInvariants verifies that all relations are mutually consistent.
func (r *Registry[C]) CheckInvariants() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.groups) != len(r.consumers) {
		return fmt.Errorf("instrument→group has %d entries, instrument→consumers has %d", len(r.groups), len(r.consumers))
	}
	if len(r.instruments) != len(r.groups) {
		return fmt.Errorf("group→instrument has %d entries, instrument→group has %d", len(r.instruments), len(r.groups))
	}
	if r.alloc.InUse() != len(r.groups) {
		return fmt.Errorf("allocator has %d ids outstanding, %d instruments registered", r.alloc.InUse(), len(r.groups))
	}

	for inst, set := range r.consumers {
		if len(set) == 0 {
			return fmt.Errorf("instrument %s has an empty consumer set", inst)
		}
		group, ok := r.groups[inst]
		if !ok {
			return fmt.Errorf("instrument %s has no group", inst)
		}
		if back := r.instruments[group]; back != inst {
			return fmt.Errorf("group %s maps to %q, want %q", group, back, inst)
		}
		for c := range set {
			if _, ok := r.byConsumer[c][inst]; !ok {
				return fmt.Errorf("consumer index missing %s", inst)
			}
		}
	}

	for c, owned := range r.byConsumer {
		if len(owned) == 0 {
			return fmt.Errorf("consumer index holds an empty entry")
		}
		for inst := range owned {
			if _, ok := r.consumers[inst][c]; !ok {
				return fmt.Errorf("consumer index references %s without membership", inst)
			}
		}
	}

	return nil
}

// unsubscribeLocked removes c from inst (caller must hold the lock).
func (r *Registry[C]) unsubscribeLocked(inst model.Instrument, c C) UnsubscribeResult {
	set, ok := r.consumers[inst]
	if !ok {
		return UnsubscribeResult{}
	}
	if _, member := set[c]; !member {
		return UnsubscribeResult{}
	}

	delete(set, c)
	if owned := r.byConsumer[c]; owned != nil {
		delete(owned, inst)
		if len(owned) == 0 {
			delete(r.byConsumer, c)
		}
	}

	if len(set) > 0 {
		return UnsubscribeResult{}
	}

	group := r.groups[inst]
	delete(r.consumers, inst)
	delete(r.groups, inst)
	delete(r.instruments, group)
	r.alloc.Release(group)

	return UnsubscribeResult{InstrumentRemoved: true, Group: group}
}

// indexLocked records inst under c in the consumer index.
func (r *Registry[C]) indexLocked(c C, inst model.Instrument) {
	owned, ok := r.byConsumer[c]
	if !ok {
		owned = make(map[model.Instrument]struct{})
		r.byConsumer[c] = owned
	}
	owned[inst] = struct{}{}
}

// consumersLocked copies the consumer set of inst.
func (r *Registry[C]) consumersLocked(inst model.Instrument) []C {
	set := r.consumers[inst]
	out := make([]C, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func sortInstruments(s []model.Instrument) {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
}
