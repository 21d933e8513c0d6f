package node

import (
	"sort"
	"sync"
)

// EntityDiff is the outcome of reconciling an old entity snapshot against a
// new one. Identity is the (kind, key) pair: a descriptor whose content
// changed but whose key is unchanged lands in Kept, never in Added/Removed.
type EntityDiff struct {
	// Added holds entities whose key appears only in the new snapshot.
	Added []EntityInfo

	// Removed holds entities whose key appears only in the old snapshot.
	Removed []EntityInfo

	// Kept holds entities present in both snapshots, carrying the NEW
	// descriptors so consumers can refresh names, icons and the like.
	Kept []EntityInfo
}

// Empty reports whether the diff changes nothing structurally (it may still
// carry descriptor updates in Kept).
func (d EntityDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// DiffEntities partitions old and new entity snapshots by (kind, key).
// Ordering of the result slices is stable (kind, then key) so downstream
// publishes and logs are deterministic.
func DiffEntities(old, latest []EntityInfo) EntityDiff {
	oldByKey := make(map[StateKey]EntityInfo, len(old))
	for _, e := range old {
		oldByKey[e.StateKey()] = e
	}

	var diff EntityDiff
	for _, e := range latest {
		if _, ok := oldByKey[e.StateKey()]; ok {
			diff.Kept = append(diff.Kept, e)
			delete(oldByKey, e.StateKey())
		} else {
			diff.Added = append(diff.Added, e)
		}
	}
	for _, e := range oldByKey {
		diff.Removed = append(diff.Removed, e)
	}

	sortEntities(diff.Added)
	sortEntities(diff.Removed)
	sortEntities(diff.Kept)
	return diff
}

// ServiceDiff is the outcome of reconciling device service listings.
// Identity is the service key, but unlike entities a content change at the
// same key re-registers the service: the stale descriptor is unregistered
// and the new one registered.
type ServiceDiff struct {
	Register   []ServiceInfo
	Unregister []ServiceInfo
}

// Empty reports whether the diff requires no (un)registrations.
func (d ServiceDiff) Empty() bool {
	return len(d.Register) == 0 && len(d.Unregister) == 0
}

// DiffServices computes which services to register and unregister when the
// device (re)lists its services.
func DiffServices(old, latest []ServiceInfo) ServiceDiff {
	oldByKey := make(map[uint32]ServiceInfo, len(old))
	for _, s := range old {
		oldByKey[s.Key] = s
	}

	var diff ServiceDiff
	for _, s := range latest {
		prev, ok := oldByKey[s.Key]
		switch {
		case !ok:
			diff.Register = append(diff.Register, s)
		case !servicesEqual(prev, s):
			diff.Unregister = append(diff.Unregister, prev)
			diff.Register = append(diff.Register, s)
		}
		delete(oldByKey, s.Key)
	}
	for _, s := range oldByKey {
		diff.Unregister = append(diff.Unregister, s)
	}

	sortServices(diff.Register)
	sortServices(diff.Unregister)
	return diff
}

func servicesEqual(a, b ServiceInfo) bool {
	if a.Key != b.Key || a.Name != b.Name || len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	return true
}

func sortEntities(entities []EntityInfo) {
	sort.Slice(entities, func(i, j int) bool {
		if entities[i].Kind != entities[j].Kind {
			return entities[i].Kind < entities[j].Kind
		}
		return entities[i].Key < entities[j].Key
	})
}

func sortServices(services []ServiceInfo) {
	sort.Slice(services, func(i, j int) bool {
		return services[i].Key < services[j].Key
	})
}

// Registrar tracks the current entity and service snapshots for one node and
// applies fresh listings against them. The previous snapshot may come from
// the persisted store (seeding) or from the last reconciliation; both diff
// identically.
type Registrar struct {
	mu       sync.RWMutex
	entities map[StateKey]EntityInfo
	services map[uint32]ServiceInfo
}

// NewRegistrar returns an empty registrar.
func NewRegistrar() *Registrar {
	return &Registrar{
		entities: make(map[StateKey]EntityInfo),
		services: make(map[uint32]ServiceInfo),
	}
}

// Seed replaces the current snapshots without producing a diff. Used at
// startup to prime the registrar from the persisted store before the first
// connection.
func (r *Registrar) Seed(entities []EntityInfo, services []ServiceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entities = make(map[StateKey]EntityInfo, len(entities))
	for _, e := range entities {
		r.entities[e.StateKey()] = e
	}
	r.services = make(map[uint32]ServiceInfo, len(services))
	for _, s := range services {
		r.services[s.Key] = s
	}
}

// ApplyEntities reconciles a fresh entity listing against the current
// snapshot, replaces the snapshot wholesale, and returns the diff.
func (r *Registrar) ApplyEntities(latest []EntityInfo) EntityDiff {
	r.mu.Lock()
	defer r.mu.Unlock()

	diff := DiffEntities(r.entitiesLocked(), latest)

	r.entities = make(map[StateKey]EntityInfo, len(latest))
	for _, e := range latest {
		r.entities[e.StateKey()] = e
	}
	return diff
}

// ApplyServices reconciles a fresh service listing against the current
// snapshot, replaces the snapshot wholesale, and returns the diff.
func (r *Registrar) ApplyServices(latest []ServiceInfo) ServiceDiff {
	r.mu.Lock()
	defer r.mu.Unlock()

	diff := DiffServices(r.servicesLocked(), latest)

	r.services = make(map[uint32]ServiceInfo, len(latest))
	for _, s := range latest {
		r.services[s.Key] = s
	}
	return diff
}

// Entity looks up the current descriptor for a state key.
func (r *Registrar) Entity(key StateKey) (EntityInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[key]
	return e, ok
}

// Entities returns the current entity snapshot, sorted by kind then key.
func (r *Registrar) Entities() []EntityInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entitiesLocked()
}

// Service looks up a service by its integer key.
func (r *Registrar) Service(key uint32) (ServiceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[key]
	return s, ok
}

// ServiceByName looks up a service by name. Names are device-chosen and
// unique in practice; on a duplicate the lowest key wins to stay
// deterministic.
func (r *Registrar) ServiceByName(name string) (ServiceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	found := ServiceInfo{}
	ok := false
	for _, s := range r.services {
		if s.Name != name {
			continue
		}
		if !ok || s.Key < found.Key {
			found = s
			ok = true
		}
	}
	return found, ok
}

// Services returns the current service snapshot, sorted by key.
func (r *Registrar) Services() []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.servicesLocked()
}

func (r *Registrar) entitiesLocked() []EntityInfo {
	entities := make([]EntityInfo, 0, len(r.entities))
	for _, e := range r.entities {
		entities = append(entities, e)
	}
	sortEntities(entities)
	return entities
}

func (r *Registrar) servicesLocked() []ServiceInfo {
	services := make([]ServiceInfo, 0, len(r.services))
	for _, s := range r.services {
		services = append(services, s)
	}
	sortServices(services)
	return services
}
