package engine

import (
	"fmt"
	"sort"
)

// Well-known profile properties.
const (
	PropInstallFolder = "org.eclipse.equinox.p2.installFolder"
	PropCacheFolder   = "org.eclipse.equinox.p2.cache"
	PropName          = "org.eclipse.equinox.p2.name"
	PropDescription   = "org.eclipse.equinox.p2.description"
)

// Profile is a named installation state: properties plus installed units,
// each with its own property map.
//
// A Profile is mutated in place by actions during a transaction and is not
// safe for concurrent use; the profile lock serializes writers.
type Profile struct {
	id        string
	parent    *Profile
	subIDs    []string
	props     map[string]string
	units     map[UnitKey]*Unit
	unitProps map[UnitKey]map[string]string
	changed   bool
	timestamp int64
}

// NewProfile creates a profile. The id must not be empty.
func NewProfile(id string, parent *Profile, properties map[string]string) (*Profile, error) {
	if id == "" {
		return nil, NewValidationError("profile id must not be empty", nil)
	}
	p := &Profile{
		id:        id,
		props:     make(map[string]string, len(properties)),
		units:     make(map[UnitKey]*Unit),
		unitProps: make(map[UnitKey]map[string]string),
	}
	p.SetParent(parent)
	for k, v := range properties {
		p.props[k] = v
	}
	return p, nil
}

// ID returns the profile id.
func (p *Profile) ID() string { return p.id }

// Parent returns the parent profile or nil.
func (p *Profile) Parent() *Profile { return p.parent }

// IsRoot reports whether the profile has no parent.
func (p *Profile) IsRoot() bool { return p.parent == nil }

// SetParent re-parents the profile and keeps sub-profile lists in sync.
func (p *Profile) SetParent(parent *Profile) {
	if parent == p.parent {
		return
	}
	if p.parent != nil {
		p.parent.removeSubProfile(p.id)
	}
	p.parent = parent
	if parent != nil {
		parent.addSubProfile(p.id)
	}
}

func (p *Profile) addSubProfile(id string) {
	for _, s := range p.subIDs {
		if s == id {
			return
		}
	}
	p.subIDs = append(p.subIDs, id)
}

func (p *Profile) removeSubProfile(id string) {
	for i, s := range p.subIDs {
		if s == id {
			p.subIDs = append(p.subIDs[:i], p.subIDs[i+1:]...)
			return
		}
	}
}

// SubProfileIDs returns the ids of child profiles.
func (p *Profile) SubProfileIDs() []string {
	return append([]string(nil), p.subIDs...)
}

// HasSubProfiles reports whether any profile names this one as parent.
func (p *Profile) HasSubProfiles() bool { return len(p.subIDs) > 0 }

// Property returns the local value or, failing that, the inherited one.
func (p *Profile) Property(key string) (string, bool) {
	if v, ok := p.props[key]; ok {
		return v, true
	}
	if p.parent != nil {
		return p.parent.Property(key)
	}
	return "", false
}

// LocalProperty returns the value set on this profile only.
func (p *Profile) LocalProperty(key string) (string, bool) {
	v, ok := p.props[key]
	return v, ok
}

// LocalProperties returns a copy of the local property map.
func (p *Profile) LocalProperties() map[string]string {
	return copyProps(p.props)
}

// Properties returns the effective properties, local values overriding
// inherited ones.
func (p *Profile) Properties() map[string]string {
	if p.parent == nil {
		return p.LocalProperties()
	}
	out := p.parent.Properties()
	for k, v := range p.props {
		out[k] = v
	}
	return out
}

// SetProperty sets a local property.
func (p *Profile) SetProperty(key, value string) {
	p.props[key] = value
	p.changed = true
}

// RemoveProperty removes a local property.
func (p *Profile) RemoveProperty(key string) {
	delete(p.props, key)
	p.changed = true
}

// AddProperties merges properties into the local map.
func (p *Profile) AddProperties(props map[string]string) {
	for k, v := range props {
		p.props[k] = v
	}
	p.changed = true
}

// ClearLocalProperties removes every local property.
func (p *Profile) ClearLocalProperties() {
	p.props = make(map[string]string)
	p.changed = true
}

// AddUnit installs a unit. Adding an installed unit is a no-op.
func (p *Profile) AddUnit(u *Unit) {
	key := u.Key()
	if _, ok := p.units[key]; ok {
		return
	}
	p.units[key] = u
	p.changed = true
}

// RemoveUnit uninstalls a unit. Its properties are kept until cleared so
// that undoing the removal restores them.
func (p *Profile) RemoveUnit(u *Unit) {
	delete(p.units, u.Key())
	p.changed = true
}

// ContainsUnit reports whether the unit is installed.
func (p *Profile) ContainsUnit(u *Unit) bool {
	_, ok := p.units[u.Key()]
	return ok
}

// Unit looks up an installed unit by id and version.
func (p *Profile) Unit(key UnitKey) (*Unit, bool) {
	u, ok := p.units[key]
	return u, ok
}

// Units returns the installed units ordered by id then version.
func (p *Profile) Units() []*Unit {
	out := make([]*Unit, 0, len(p.units))
	for _, u := range p.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// UnitCount returns the number of installed units.
func (p *Profile) UnitCount() int { return len(p.units) }

// ClearUnits uninstalls every unit and drops all unit properties.
func (p *Profile) ClearUnits() {
	p.units = make(map[UnitKey]*Unit)
	p.unitProps = make(map[UnitKey]map[string]string)
	p.changed = true
}

// UnitProperty returns one property of a unit.
func (p *Profile) UnitProperty(u *Unit, key string) (string, bool) {
	v, ok := p.unitProps[u.Key()][key]
	return v, ok
}

// SetUnitProperty sets a unit property and returns the previous value.
func (p *Profile) SetUnitProperty(u *Unit, key, value string) (string, bool) {
	k := u.Key()
	props := p.unitProps[k]
	if props == nil {
		props = make(map[string]string)
		p.unitProps[k] = props
	}
	old, had := props[key]
	props[key] = value
	p.changed = true
	return old, had
}

// RemoveUnitProperty removes a unit property and returns the previous value.
// The unit's property map is dropped once empty.
func (p *Profile) RemoveUnitProperty(u *Unit, key string) (string, bool) {
	k := u.Key()
	props := p.unitProps[k]
	if props == nil {
		return "", false
	}
	old, had := props[key]
	delete(props, key)
	if len(props) == 0 {
		delete(p.unitProps, k)
	}
	p.changed = true
	return old, had
}

// UnitProperties returns a copy of a unit's properties, never nil.
func (p *Profile) UnitProperties(u *Unit) map[string]string {
	out := copyProps(p.unitProps[u.Key()])
	if out == nil {
		out = make(map[string]string)
	}
	return out
}

// AddUnitProperties merges properties into a unit's property map.
func (p *Profile) AddUnitProperties(u *Unit, props map[string]string) {
	for k, v := range props {
		p.SetUnitProperty(u, k, v)
	}
}

// ClearUnitProperties drops every property of a unit.
func (p *Profile) ClearUnitProperties(u *Unit) {
	delete(p.unitProps, u.Key())
	p.changed = true
}

// ClearOrphanedUnitProperties drops properties of units that are not installed.
func (p *Profile) ClearOrphanedUnitProperties() {
	for k := range p.unitProps {
		if _, ok := p.units[k]; !ok {
			delete(p.unitProps, k)
		}
	}
}

// Timestamp returns the snapshot timestamp in milliseconds.
func (p *Profile) Timestamp() int64 { return p.timestamp }

// SetTimestamp sets the snapshot timestamp.
func (p *Profile) SetTimestamp(ts int64) { p.timestamp = ts }

// Changed reports whether the profile was mutated since it was loaded.
func (p *Profile) Changed() bool { return p.changed }

// SetChanged sets the changed flag.
func (p *Profile) SetChanged(changed bool) { p.changed = changed }

// Snapshot returns a deep copy of the profile, including its parent chain,
// with the changed flag cleared. Properties of units that are not installed
// are not carried over.
func (p *Profile) Snapshot() *Profile {
	var parent *Profile
	if p.parent != nil {
		parent = p.parent.Snapshot()
	}
	s := &Profile{
		id:        p.id,
		props:     copyProps(p.props),
		units:     make(map[UnitKey]*Unit, len(p.units)),
		unitProps: make(map[UnitKey]map[string]string),
		timestamp: p.timestamp,
		subIDs:    append([]string(nil), p.subIDs...),
	}
	if s.props == nil {
		s.props = make(map[string]string)
	}
	s.SetParent(parent)
	for k, u := range p.units {
		s.units[k] = u.Clone()
		if props := p.unitProps[k]; len(props) > 0 {
			s.unitProps[k] = copyProps(props)
		}
	}
	return s
}

func (p *Profile) String() string {
	return fmt.Sprintf("%s@%d", p.id, p.timestamp)
}

func copyProps(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
