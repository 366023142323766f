// Package native provides the "native" touchpoint: file-system actions that
// operate directly on the host.
package native

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/providers"
	"github.com/openfroyo/provision/pkg/telemetry"
	"github.com/openfroyo/provision/pkg/version"
)

// TypeID is the touchpoint type id of native units.
const TypeID = "native"

// Version is the version of the touchpoint and its actions.
var Version = version.MustParse("1.0.0")

// Type is the native touchpoint type.
var Type = engine.TouchpointType{ID: TypeID, Version: Version}

// Touchpoint qualifies short action names as native.<name>, exposes the
// profile's install folder to actions and discards the backups of removed
// files once a transaction commits.
type Touchpoint struct {
	engine.BaseTouchpoint

	mu      sync.Mutex
	backups map[string][]string
}

// NewTouchpoint creates the native touchpoint.
func NewTouchpoint() *Touchpoint {
	return &Touchpoint{
		BaseTouchpoint: engine.BaseTouchpoint{TouchpointType: Type},
		backups:        make(map[string][]string),
	}
}

// QualifyAction implements engine.Touchpoint.
func (*Touchpoint) QualifyAction(name string) string {
	return TypeID + "." + name
}

// InitializePhase exposes the install folder of the profile.
func (*Touchpoint) InitializePhase(_ context.Context, profile *engine.Profile, _ string, params engine.Parameters) error {
	if folder, ok := profile.Property(engine.PropInstallFolder); ok {
		params[engine.ParamInstallFolder] = engine.Path(folder)
	}
	return nil
}

// Commit deletes the backups taken for the profile.
func (t *Touchpoint) Commit(ctx context.Context, profile *engine.Profile) error {
	t.discard(ctx, profile.ID())
	return nil
}

// Rollback deletes backups left over after undo restored them.
func (t *Touchpoint) Rollback(ctx context.Context, profile *engine.Profile) error {
	t.discard(ctx, profile.ID())
	return nil
}

func (t *Touchpoint) trackBackup(profileID, dir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.backups[profileID] = append(t.backups[profileID], dir)
}

func (t *Touchpoint) discard(ctx context.Context, profileID string) {
	t.mu.Lock()
	dirs := t.backups[profileID]
	delete(t.backups, profileID)
	t.mu.Unlock()

	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			telemetry.FromContext(ctx).WithError(err).Warnf("failed to delete backup %s", dir)
		}
	}
}

// Module registers the native touchpoint and its actions.
type Module struct {
	tp *Touchpoint
}

// NewModule creates the module with a fresh touchpoint.
func NewModule() *Module {
	return &Module{tp: NewTouchpoint()}
}

// Touchpoint returns the module's touchpoint.
func (m *Module) Touchpoint() *Touchpoint { return m.tp }

// Register implements providers.Module.
func (m *Module) Register(r *providers.Registry) error {
	if err := r.RegisterTouchpoint(m.tp); err != nil {
		return err
	}
	factories := map[string]providers.ActionFactory{
		"mkdir":              func() engine.Action { return &mkdirAction{} },
		"rmdir":              func() engine.Action { return &rmdirAction{} },
		"copy":               func() engine.Action { return &copyAction{tp: m.tp} },
		"remove":             func() engine.Action { return &removeAction{tp: m.tp} },
		"chmod":              func() engine.Action { return &chmodAction{} },
		"checksum":           func() engine.Action { return &checksumAction{} },
		"setProfileProperty": func() engine.Action { return &setProfilePropertyAction{} },
	}
	for name, f := range factories {
		if err := r.RegisterAction(m.tp.QualifyAction(name), Version, f); err != nil {
			return err
		}
	}
	return nil
}

// resolvePath makes p absolute against the install folder when one is set.
func resolvePath(params engine.Parameters, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if folder := params.Text(engine.ParamInstallFolder); folder != "" {
		return filepath.Join(folder, p)
	}
	return p
}
