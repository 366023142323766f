package engine

// Plan accumulates the operands of one transaction against a profile. The
// before side of property operands is read from the profile when the
// operand is added.
type Plan struct {
	profile  *Profile
	context  *ProvisioningContext
	operands []Operand
}

// NewPlan creates an empty plan for profile.
func NewPlan(profile *Profile, pctx *ProvisioningContext) *Plan {
	if pctx == nil {
		pctx = NewProvisioningContext()
	}
	return &Plan{profile: profile, context: pctx}
}

// Profile returns the profile the plan targets.
func (p *Plan) Profile() *Profile { return p.profile }

// Context returns the provisioning context.
func (p *Plan) Context() *ProvisioningContext { return p.context }

// Operands returns the operands in the order they were added.
func (p *Plan) Operands() []Operand {
	return append([]Operand(nil), p.operands...)
}

// Len returns the number of operands.
func (p *Plan) Len() int { return len(p.operands) }

// AddUnit installs u.
func (p *Plan) AddUnit(u *Unit) {
	p.operands = append(p.operands, &UnitOperand{After: u})
}

// RemoveUnit uninstalls u.
func (p *Plan) RemoveUnit(u *Unit) {
	p.operands = append(p.operands, &UnitOperand{Before: u})
}

// UpdateUnit replaces from with to.
func (p *Plan) UpdateUnit(from, to *Unit) {
	p.operands = append(p.operands, &UnitOperand{Before: from, After: to})
}

// SetProfileProperty sets a profile property.
func (p *Plan) SetProfileProperty(key, value string) {
	p.operands = append(p.operands, &PropertyOperand{Key: key, Before: p.currentProperty(key), After: &value})
}

// RemoveProfileProperty removes a profile property. It is a no-op if the
// profile does not define it.
func (p *Plan) RemoveProfileProperty(key string) {
	before := p.currentProperty(key)
	if before == nil {
		return
	}
	p.operands = append(p.operands, &PropertyOperand{Key: key, Before: before})
}

// SetUnitProperty sets a property of u.
func (p *Plan) SetUnitProperty(u *Unit, key, value string) {
	p.operands = append(p.operands, &UnitPropertyOperand{
		PropertyOperand: PropertyOperand{Key: key, Before: p.currentUnitProperty(u, key), After: &value},
		Unit:            u,
	})
}

// RemoveUnitProperty removes a property of u. It is a no-op if u does not
// carry the property.
func (p *Plan) RemoveUnitProperty(u *Unit, key string) {
	before := p.currentUnitProperty(u, key)
	if before == nil {
		return
	}
	p.operands = append(p.operands, &UnitPropertyOperand{
		PropertyOperand: PropertyOperand{Key: key, Before: before},
		Unit:            u,
	})
}

func (p *Plan) currentProperty(key string) *string {
	if p.profile == nil {
		return nil
	}
	if v, ok := p.profile.LocalProperty(key); ok {
		return &v
	}
	return nil
}

func (p *Plan) currentUnitProperty(u *Unit, key string) *string {
	if p.profile == nil {
		return nil
	}
	if v, ok := p.profile.UnitProperty(u, key); ok {
		return &v
	}
	return nil
}
