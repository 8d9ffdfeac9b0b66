// Package sa implements the storage authority: an in-memory object store
// indexed by type tag and id. It is the only shared mutable state in the
// server; every operation serializes on one lock. Reads hand back the live
// entity, so callers treat what they get as a snapshot and publish mutations
// through Put.
package sa

import (
	"sync"

	"github.com/jmhodges/clock"

	"github.com/pumice-ca/pumice/core"
	berrors "github.com/pumice-ca/pumice/errors"
)

// StorageAuthority holds all registrations, orders, authorizations, and
// certificates.
type StorageAuthority struct {
	mu      sync.Mutex
	clk     clock.Clock
	objects map[core.ObjectType]map[string]core.Object
}

// New constructs an empty StorageAuthority.
func New(clk clock.Clock) *StorageAuthority {
	return &StorageAuthority{
		clk:     clk,
		objects: make(map[core.ObjectType]map[string]core.Object),
	}
}

// Put stores an entity, replacing any previous entity of the same type and
// id.
func (sa *StorageAuthority) Put(obj core.Object) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.put(obj)
}

func (sa *StorageAuthority) put(obj core.Object) {
	byID := sa.objects[obj.TypeTag()]
	if byID == nil {
		byID = make(map[string]core.Object)
		sa.objects[obj.TypeTag()] = byID
	}
	byID[obj.ObjectID()] = obj
}

// Get retrieves the entity with the given type and id, or a berrors.NotFound
// error.
func (sa *StorageAuthority) Get(typ core.ObjectType, id string) (core.Object, error) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.get(typ, id)
}

func (sa *StorageAuthority) get(typ core.ObjectType, id string) (core.Object, error) {
	obj, ok := sa.objects[typ][id]
	if !ok {
		return nil, berrors.NotFoundError("no %s with id %q", typ, id)
	}
	return obj, nil
}

// GetRegistration retrieves a registration by id (account key thumbprint).
func (sa *StorageAuthority) GetRegistration(id string) (*core.Registration, error) {
	obj, err := sa.Get(core.ObjectTypeRegistration, id)
	if err != nil {
		return nil, err
	}
	return obj.(*core.Registration), nil
}

// GetOrder retrieves an order by id.
func (sa *StorageAuthority) GetOrder(id string) (*core.Order, error) {
	obj, err := sa.Get(core.ObjectTypeOrder, id)
	if err != nil {
		return nil, err
	}
	return obj.(*core.Order), nil
}

// GetAuthorization retrieves an authorization by id.
func (sa *StorageAuthority) GetAuthorization(id string) (*core.Authorization, error) {
	obj, err := sa.Get(core.ObjectTypeAuthorization, id)
	if err != nil {
		return nil, err
	}
	return obj.(*core.Authorization), nil
}

// GetCertificate retrieves a certificate by id.
func (sa *StorageAuthority) GetCertificate(id string) (*core.Certificate, error) {
	obj, err := sa.Get(core.ObjectTypeCertificate, id)
	if err != nil {
		return nil, err
	}
	return obj.(*core.Certificate), nil
}

// AuthzFor finds a reusable authorization for the given account and name: one
// whose recomputed status is not invalid. Returns nil when there is none.
func (sa *StorageAuthority) AuthzFor(thumbprint, name string) *core.Authorization {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	now := sa.clk.Now()
	for _, obj := range sa.objects[core.ObjectTypeAuthorization] {
		authz := obj.(*core.Authorization)
		if authz.Thumbprint != thumbprint || authz.Identifier.Value != name {
			continue
		}
		authz.UpdateStatus(now)
		if authz.Status == core.StatusInvalid {
			continue
		}
		return authz
	}
	return nil
}

// UpdateOrdersFor propagates an authorization's current status into every
// order that references it, rewriting the matching requirement and marking
// the order ready when the change completes its requirement set.
func (sa *StorageAuthority) UpdateOrdersFor(authz *core.Authorization) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	for _, obj := range sa.objects[core.ObjectTypeOrder] {
		order := obj.(*core.Order)
		if order.Thumbprint != authz.Thumbprint {
			continue
		}
		changed := false
		for i, req := range order.Requirements {
			if req.URL == authz.URL && req.Status != authz.Status {
				order.Requirements[i].Status = authz.Status
				changed = true
			}
		}
		if changed {
			order.MarkReady()
			sa.put(order)
		}
	}
}
