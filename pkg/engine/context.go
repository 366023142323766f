package engine

import (
	"context"
	"sort"
	"sync"
)

// ProvisioningContext carries caller supplied properties into every phase
// and action of a transaction.
type ProvisioningContext struct {
	mu         sync.RWMutex
	properties map[string]string
	extraUnits []*Unit
}

// NewProvisioningContext creates an empty context.
func NewProvisioningContext() *ProvisioningContext {
	return &ProvisioningContext{properties: make(map[string]string)}
}

// Property returns a context property.
func (c *ProvisioningContext) Property(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.properties[key]
	return v, ok
}

// SetProperty sets a context property.
func (c *ProvisioningContext) SetProperty(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.properties[key] = value
}

// Properties returns a copy of all properties.
func (c *ProvisioningContext) Properties() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyProps(c.properties)
}

// Keys returns the property keys in sorted order.
func (c *ProvisioningContext) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.properties))
	for k := range c.properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ExtraUnits returns units made available to actions beyond the profile's own.
func (c *ProvisioningContext) ExtraUnits() []*Unit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Unit(nil), c.extraUnits...)
}

// SetExtraUnits replaces the extra units.
func (c *ProvisioningContext) SetExtraUnits(units []*Unit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extraUnits = append([]*Unit(nil), units...)
}

type heldProfilesKey struct{}

// heldProfile is one link in the chain of profiles locked by the
// transactions enclosing a context.
type heldProfile struct {
	id   string
	next *heldProfile
}

// WithHeldProfile returns a context recording that the transaction running
// in it holds the lock of profile id.
func WithHeldProfile(ctx context.Context, id string) context.Context {
	next, _ := ctx.Value(heldProfilesKey{}).(*heldProfile)
	return context.WithValue(ctx, heldProfilesKey{}, &heldProfile{id: id, next: next})
}

// HoldsProfile reports whether a transaction enclosing ctx holds the lock
// of profile id.
func HoldsProfile(ctx context.Context, id string) bool {
	for h, _ := ctx.Value(heldProfilesKey{}).(*heldProfile); h != nil; h = h.next {
		if h.id == id {
			return true
		}
	}
	return false
}

// ReentrantLockError reports an attempt to lock a profile from inside a
// transaction that already holds it.
func ReentrantLockError(id string) *EngineError {
	return NewLockError("profile "+id+" is already locked by the enclosing transaction", nil).
		WithCode(ErrCodeReentrantLock).WithProfile(id)
}
