package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/version"
)

// PlanFile is the YAML description of one transaction.
type PlanFile struct {
	// Profile is the id of the target profile.
	Profile string `yaml:"profile" validate:"required"`

	// Add lists units to install.
	Add []engine.Unit `yaml:"add" validate:"dive"`

	// Remove lists installed units to uninstall.
	Remove []UnitRef `yaml:"remove" validate:"dive"`

	// Update replaces installed units.
	Update []UnitUpdate `yaml:"update" validate:"dive"`

	// Properties changes profile properties.
	Properties PropertyChanges `yaml:"properties"`

	// UnitProperties changes per-unit properties.
	UnitProperties []UnitPropertyChanges `yaml:"unit_properties" validate:"dive"`
}

// UnitRef names a unit by id and version. A zero version matches the only
// unit with that id.
type UnitRef struct {
	ID      string          `yaml:"id" validate:"required"`
	Version version.Version `yaml:"version"`
}

func (r UnitRef) String() string {
	if r.Version.IsZero() {
		return r.ID
	}
	return r.ID + "/" + r.Version.String()
}

// UnitUpdate replaces an installed unit.
type UnitUpdate struct {
	From UnitRef     `yaml:"from"`
	To   engine.Unit `yaml:"to"`
}

// PropertyChanges sets and removes properties.
type PropertyChanges struct {
	Set    map[string]string `yaml:"set" validate:"dive,keys,required,endkeys"`
	Remove []string          `yaml:"remove" validate:"dive,required"`
}

// UnitPropertyChanges sets and removes the properties of one unit.
type UnitPropertyChanges struct {
	Unit            UnitRef `yaml:"unit"`
	PropertyChanges `yaml:",inline"`
}

// LoadPlanFile reads and validates a plan file.
func LoadPlanFile(path string) (*PlanFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	defer f.Close()
	return DecodePlanFile(f)
}

// DecodePlanFile decodes and validates a plan file. Unknown fields are
// rejected.
func DecodePlanFile(r io.Reader) (*PlanFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}

	var pf PlanFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil && !errors.Is(err, io.EOF) {
		return nil, engine.NewValidationError("failed to parse plan", err)
	}
	if err := pf.Validate(); err != nil {
		return nil, err
	}
	return &pf, nil
}

// Validate checks the plan file.
func (pf *PlanFile) Validate() error {
	if err := validator.New().Struct(pf); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return engine.NewValidationError("invalid plan: "+strings.Join(msgs, "; "), err)
		}
		return engine.NewValidationError("invalid plan", err)
	}
	return nil
}

// Build creates the engine plan for profile. Removed, updated and
// re-configured units are looked up in the profile; unit properties may
// also name units added by the same plan.
func (pf *PlanFile) Build(profile *engine.Profile, pctx *engine.ProvisioningContext) (*engine.Plan, error) {
	if profile == nil || profile.ID() != pf.Profile {
		return nil, engine.NewValidationError(fmt.Sprintf("plan targets profile %q", pf.Profile), nil)
	}

	installed := profile.Units()
	plan := engine.NewPlan(profile, pctx)

	for _, ref := range pf.Remove {
		u, err := findUnit(installed, ref)
		if err != nil {
			return nil, err
		}
		plan.RemoveUnit(u)
	}

	for i := range pf.Update {
		from, err := findUnit(installed, pf.Update[i].From)
		if err != nil {
			return nil, err
		}
		to := pf.Update[i].To
		plan.UpdateUnit(from, &to)
	}

	added := make([]*engine.Unit, 0, len(pf.Add))
	for i := range pf.Add {
		u := pf.Add[i]
		added = append(added, &u)
		plan.AddUnit(&u)
	}

	for _, key := range sortedKeys(pf.Properties.Set) {
		plan.SetProfileProperty(key, pf.Properties.Set[key])
	}
	for _, key := range pf.Properties.Remove {
		plan.RemoveProfileProperty(key)
	}

	known := append(installed, added...)
	for _, upc := range pf.UnitProperties {
		u, err := findUnit(known, upc.Unit)
		if err != nil {
			return nil, err
		}
		for _, key := range sortedKeys(upc.Set) {
			plan.SetUnitProperty(u, key, upc.Set[key])
		}
		for _, key := range upc.Remove {
			plan.RemoveUnitProperty(u, key)
		}
	}

	return plan, nil
}

func findUnit(units []*engine.Unit, ref UnitRef) (*engine.Unit, error) {
	var found []*engine.Unit
	for _, u := range units {
		if u.ID != ref.ID {
			continue
		}
		if ref.Version.IsZero() || u.Version.Compare(ref.Version) == 0 {
			found = append(found, u)
		}
	}
	switch len(found) {
	case 0:
		return nil, engine.NewValidationError("unit "+ref.String()+" is not installed", nil)
	case 1:
		return found[0], nil
	default:
		return nil, engine.NewValidationError("unit "+ref.ID+" is ambiguous; give a version", nil)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
