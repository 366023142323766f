// Package registry persists profiles as timestamped snapshots on the local
// file system and serializes writers through per-profile locks that also
// hold across processes.
//
// Each profile lives in root/<escaped id>.profile/ with one file per
// snapshot (<timestamp>.snapshot, or .snapshot.gz when compressed), a
// state.properties file for per-snapshot properties, a .lock file and a
// .data directory for actions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/telemetry"
)

const (
	lockFileName = ".lock"
	dataDirName  = ".data"
)

// Registry is a file-system backed engine.ProfileRegistry.
type Registry struct {
	root     string
	compress bool
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	profiles map[string]*entry
	locks    map[string]*ProfileLock
}

// entry is the cached current state of one profile. A placeholder has no
// profile: its content was not read because another process held the lock
// during restore.
type entry struct {
	profile   *engine.Profile
	parentID  string
	timestamp int64
}

func (e *entry) placeholder() bool { return e.profile == nil }

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithCompression writes gzip compressed snapshots.
func WithCompression(compress bool) Option {
	return func(r *Registry) { r.compress = compress }
}

// WithClock replaces the time source used for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New opens the registry rooted at root, creating the directory if needed.
// Profiles are read lazily on first access.
func New(root string, opts ...Option) (*Registry, error) {
	if root == "" {
		return nil, engine.NewValidationError("registry root is required", nil)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve registry root: %w", err)
	}
	if err := ensureDir(abs); err != nil {
		return nil, engine.NewPersistenceError("failed to create registry root", err)
	}

	r := &Registry{
		root:   abs,
		logger: zerolog.Nop(),
		now:    time.Now,
		locks:  make(map[string]*ProfileLock),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "profile-registry").Logger()
	return r, nil
}

// Root returns the registry directory.
func (r *Registry) Root() string { return r.root }

func (r *Registry) profileDir(id string) string {
	return filepath.Join(r.root, escapeID(id)+profileDirExt)
}

// AddProfile creates a profile and writes its first snapshot.
func (r *Registry) AddProfile(ctx context.Context, id string, props map[string]string, parentID string) (*engine.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreLocked()

	if _, ok := r.profiles[id]; ok {
		return nil, engine.NewValidationError("profile "+id+" already exists", nil).
			WithCode(engine.ErrCodeAlreadyExists).WithProfile(id)
	}
	var parent *engine.Profile
	if parentID != "" {
		pe, err := r.materializeLocked(parentID)
		if err != nil {
			return nil, err
		}
		parent = pe.profile
	}

	p, err := engine.NewProfile(id, parent, props)
	if err != nil {
		return nil, err
	}
	if err := ensureDir(r.profileDir(id)); err != nil {
		p.SetParent(nil)
		return nil, engine.NewPersistenceError("failed to create profile directory", err).WithProfile(id)
	}

	lock := r.lockLocked(id)
	owner := internalOwner()
	ok, err := lock.TryLock(owner)
	if err != nil || !ok {
		p.SetParent(nil)
		if err == nil {
			err = inUseError(id)
		}
		return nil, err
	}
	defer func() { _ = lock.Unlock(owner) }()

	if stamps, _, _ := snapshotFiles(r.profileDir(id)); len(stamps) > 0 {
		p.SetParent(nil)
		r.profiles = nil
		return nil, engine.NewValidationError("profile "+id+" was added by another process", nil).
			WithCode(engine.ErrCodeAlreadyExists).WithProfile(id)
	}
	if err := r.saveLocked(ctx, p); err != nil {
		p.SetParent(nil)
		return nil, err
	}
	r.profiles[id] = &entry{profile: p, parentID: parentID, timestamp: p.Timestamp()}

	r.logger.Info().Str("profile_id", id).Int64("timestamp", p.Timestamp()).Msg("Profile added")
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		_ = tel.Events.PublishProfileEvent(telemetry.EventTypeProfileAdded, id, p.Timestamp())
		tel.Metrics.SetProfileCount(len(r.profiles))
	}
	return p.Snapshot(), nil
}

// GetProfile returns a copy of the current snapshot of a profile.
func (r *Registry) GetProfile(id string) (*engine.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreLocked()

	e, err := r.materializeLocked(id)
	if err != nil {
		return nil, err
	}
	return e.profile.Snapshot(), nil
}

// GetProfiles returns copies of every profile, ordered by id. Profiles
// whose snapshots cannot be read are skipped.
func (r *Registry) GetProfiles() []*engine.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreLocked()

	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*engine.Profile, 0, len(ids))
	for _, id := range ids {
		e, err := r.materializeLocked(id)
		if err != nil {
			r.logger.Warn().Err(err).Str("profile_id", id).Msg("Skipping unreadable profile")
			continue
		}
		out = append(out, e.profile.Snapshot())
	}
	return out
}

// GetProfileAt returns the snapshot of a profile taken at ts.
func (r *Registry) GetProfileAt(id string, ts int64) (*engine.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreLocked()

	e, ok := r.profiles[id]
	if !ok {
		return nil, notFoundError(id)
	}
	if ts == e.timestamp && !e.placeholder() {
		return e.profile.Snapshot(), nil
	}

	_, paths, err := snapshotFiles(r.profileDir(id))
	if err != nil {
		return nil, engine.NewPersistenceError("failed to list snapshots", err).WithProfile(id)
	}
	path, ok := paths[ts]
	if !ok {
		return nil, unknownTimestampError(id, ts)
	}
	doc, err := readSnapshot(path)
	if err != nil {
		return nil, engine.NewPersistenceError("failed to read snapshot", err).WithProfile(id)
	}
	p, err := doc.toProfile(ts)
	if err != nil {
		return nil, err
	}
	if doc.Parent != "" {
		if pe, err := r.materializeLocked(doc.Parent); err == nil {
			p.SetParent(pe.profile.Snapshot())
		}
	}
	return p, nil
}

// ListProfileTimestamps returns the snapshot timestamps of a profile in
// ascending order.
func (r *Registry) ListProfileTimestamps(id string) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreLocked()

	if _, ok := r.profiles[id]; !ok {
		return nil, notFoundError(id)
	}
	stamps, _, err := snapshotFiles(r.profileDir(id))
	if err != nil {
		return nil, engine.NewPersistenceError("failed to list snapshots", err).WithProfile(id)
	}
	return stamps, nil
}

// ContainsProfile reports whether a profile is registered.
func (r *Registry) ContainsProfile(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreLocked()

	_, ok := r.profiles[id]
	return ok
}

// ResetProfiles drops the cache; the next access re-reads the root.
func (r *Registry) ResetProfiles() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles = nil
}

// IsCurrent reports whether profile carries the newest timestamp on disk.
func (r *Registry) IsCurrent(profile *engine.Profile) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreLocked()

	latest, err := r.latestTimestampLocked(profile.ID())
	return err == nil && latest == profile.Timestamp()
}

// LockProfile acquires the profile for owner. It waits for other owners in
// this process, fails with PROFILE_IN_USE when another process holds the
// profile and with NOT_CURRENT when a newer snapshot exists, in which case
// the cache is reset so that the caller can fetch the latest profile.
func (r *Registry) LockProfile(ctx context.Context, profile *engine.Profile, owner string) error {
	id := profile.ID()
	if engine.HoldsProfile(ctx, id) {
		return engine.ReentrantLockError(id)
	}
	if profile.Changed() {
		return engine.NewLockError("profile "+id+" has uncommitted changes", nil).
			WithCode(engine.ErrCodeProfileChanged).WithProfile(id)
	}

	r.mu.Lock()
	r.restoreLocked()
	if _, ok := r.profiles[id]; !ok {
		// Another process may have added it since the last scan.
		r.profiles = nil
		r.restoreLocked()
	}
	if _, ok := r.profiles[id]; !ok {
		r.mu.Unlock()
		return notFoundError(id)
	}
	lock := r.lockLocked(id)
	r.mu.Unlock()

	start := time.Now()
	ok, err := lock.Lock(ctx, owner)
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			return ee.WithProfile(id)
		}
		return err
	}
	if !ok {
		return inUseError(id)
	}
	r.logger.Debug().Str("profile_id", id).Str("owner", owner).Dur("waited", time.Since(start)).Msg("Profile locked")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreLocked()
	latest, err := r.latestTimestampLocked(id)
	if err != nil || latest != profile.Timestamp() {
		_ = lock.Unlock(owner)
		r.profiles = nil
		return engine.NewLockError(fmt.Sprintf("profile %s is not current", profile), err).
			WithCode(engine.ErrCodeNotCurrent).WithProfile(id).
			WithDetail("latest", latest)
	}
	return nil
}

// UnlockProfile releases a lock taken by owner.
func (r *Registry) UnlockProfile(profile *engine.Profile, owner string) error {
	r.mu.Lock()
	lock, ok := r.locks[profile.ID()]
	r.mu.Unlock()
	if !ok {
		return engine.NewLockError("profile "+profile.ID()+" is not locked", nil).
			WithCode(engine.ErrCodeNotLocked).WithProfile(profile.ID())
	}
	return lock.Unlock(owner)
}

// UpdateProfile replaces the registered profile's local properties, units
// and unit properties with those of profile and writes a new snapshot. The
// profile must be locked. A failed write is logged and leaves the previous
// snapshot current.
func (r *Registry) UpdateProfile(ctx context.Context, profile *engine.Profile) error {
	id := profile.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreLocked()

	lock, ok := r.locks[id]
	if !ok || !lock.HeldByProcess() {
		return engine.NewLockError("profile "+id+" must be locked to be updated", nil).
			WithCode(engine.ErrCodeNotLocked).WithProfile(id)
	}
	e, err := r.materializeLocked(id)
	if err != nil {
		return err
	}

	current := e.profile
	current.ClearLocalProperties()
	current.AddProperties(profile.LocalProperties())
	current.ClearUnits()
	for _, u := range profile.Units() {
		current.AddUnit(u)
		if props := profile.UnitProperties(u); len(props) > 0 {
			current.AddUnitProperties(u, props)
		}
	}

	if err := r.saveLocked(ctx, current); err != nil {
		r.logger.Error().Err(err).Str("profile_id", id).Msg("Profile changes were not persisted")
	}
	e.timestamp = current.Timestamp()
	current.SetChanged(false)

	profile.ClearOrphanedUnitProperties()
	profile.SetTimestamp(current.Timestamp())

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		_ = tel.Events.PublishProfileEvent(telemetry.EventTypeProfileChanged, id, current.Timestamp())
	}
	return nil
}

// RemoveProfile deletes a profile, its sub-profiles and all their files.
func (r *Registry) RemoveProfile(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreLocked()

	if err := r.removeLocked(ctx, id); err != nil {
		return err
	}
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.SetProfileCount(len(r.profiles))
	}
	return nil
}

func (r *Registry) removeLocked(ctx context.Context, id string) error {
	e, ok := r.profiles[id]
	if !ok {
		return notFoundError(id)
	}
	if !e.placeholder() {
		for _, sub := range e.profile.SubProfileIDs() {
			if err := r.removeLocked(ctx, sub); err != nil {
				return err
			}
		}
	}

	lock := r.lockLocked(id)
	owner := internalOwner()
	ok, err := lock.TryLock(owner)
	if err != nil {
		return err
	}
	if !ok {
		return inUseError(id)
	}
	err = os.RemoveAll(r.profileDir(id))
	_ = lock.Unlock(owner)
	if err != nil {
		return engine.NewPersistenceError("failed to delete profile", err).WithProfile(id)
	}

	if !e.placeholder() {
		e.profile.SetParent(nil)
	}
	delete(r.profiles, id)
	delete(r.locks, id)

	r.logger.Info().Str("profile_id", id).Msg("Profile removed")
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		_ = tel.Events.PublishProfileEvent(telemetry.EventTypeProfileRemoved, id, e.timestamp)
	}
	return nil
}

// RemoveProfileAt deletes one historical snapshot and its state
// properties. The current snapshot cannot be removed.
func (r *Registry) RemoveProfileAt(ctx context.Context, id string, ts int64) error {
	return r.withProfileLock(ctx, id, func(dir string, stamps []int64, paths map[int64]string) error {
		path, ok := paths[ts]
		if !ok {
			return unknownTimestampError(id, ts)
		}
		if ts == stamps[len(stamps)-1] {
			return engine.NewValidationError(fmt.Sprintf("cannot remove the current snapshot of %s", id), nil).
				WithProfile(id)
		}
		if err := os.Remove(path); err != nil {
			return engine.NewPersistenceError("failed to delete snapshot", err).WithProfile(id)
		}

		keep := make(map[int64]bool, len(stamps))
		for _, s := range stamps {
			keep[s] = s != ts
		}
		state, err := readStateProperties(filepath.Join(dir, stateFileName))
		if err != nil {
			return engine.NewPersistenceError("failed to read state properties", err).WithProfile(id)
		}
		return r.writeState(id, dir, state, keep)
	})
}

// ProfileDataDirectory returns root/<escaped id>.profile/.data, creating it
// on demand.
func (r *Registry) ProfileDataDirectory(id string) (string, error) {
	dir := filepath.Join(r.profileDir(id), dataDirName)
	if err := ensureDir(dir); err != nil {
		return "", engine.NewPersistenceError("failed to create profile data directory", err).WithProfile(id)
	}
	return dir, nil
}

// saveLocked writes profile as a new snapshot and stamps it. On failure the
// previous timestamp is kept.
func (r *Registry) saveLocked(ctx context.Context, p *engine.Profile) error {
	tel := telemetry.FromTelemetryContext(ctx)
	dir := r.profileDir(p.ID())
	prev := p.Timestamp()

	fail := func(err error) error {
		p.SetTimestamp(prev)
		if tel != nil {
			tel.Metrics.RecordSnapshotWrite(false)
		}
		r.logger.Error().Err(err).Str("profile_id", p.ID()).Msg("Failed to save profile snapshot")
		return engine.NewPersistenceError("failed to save profile "+p.ID(), err).WithProfile(p.ID())
	}

	if err := ensureDir(dir); err != nil {
		return fail(err)
	}
	floor := prev
	if stamps, _, err := snapshotFiles(dir); err == nil && len(stamps) > 0 && stamps[len(stamps)-1] > floor {
		floor = stamps[len(stamps)-1]
	}
	ts := r.now().UnixMilli()
	if ts <= floor {
		ts = floor + 1
	}

	p.SetTimestamp(ts)
	data, err := encodeSnapshot(p, r.compress)
	if err != nil {
		return fail(err)
	}
	if err := writeFileAtomic(filepath.Join(dir, snapshotName(ts, r.compress)), data, 0o644); err != nil {
		return fail(err)
	}

	if tel != nil {
		tel.Metrics.RecordSnapshotWrite(true)
	}
	r.logger.Debug().Str("profile_id", p.ID()).Int64("timestamp", ts).Msg("Profile snapshot written")
	return nil
}

// restoreLocked fills the cache from disk if it was reset.
func (r *Registry) restoreLocked() {
	if r.profiles != nil {
		return
	}
	r.profiles = make(map[string]*entry)

	dirs, err := os.ReadDir(r.root)
	if err != nil {
		r.logger.Error().Err(err).Str("root", r.root).Msg("Failed to read registry root")
		return
	}

	for _, d := range dirs {
		if !d.IsDir() || !strings.HasSuffix(d.Name(), profileDirExt) {
			continue
		}
		id := unescapeID(strings.TrimSuffix(d.Name(), profileDirExt))
		dir := filepath.Join(r.root, d.Name())

		stamps, paths, err := snapshotFiles(dir)
		if err != nil || len(stamps) == 0 {
			r.logger.Warn().Err(err).Str("profile_id", id).Msg("Profile directory has no snapshots")
			continue
		}

		e, err := r.restoreOne(id, stamps, paths)
		if err != nil {
			r.logger.Error().Err(err).Str("profile_id", id).Msg("No readable snapshot for profile")
			continue
		}
		r.profiles[id] = e
	}

	for id, e := range r.profiles {
		r.linkParentLocked(id, e)
	}
}

// restoreOne reads a profile if this process holds its lock or can take
// it; otherwise it registers a placeholder with the newest timestamp.
func (r *Registry) restoreOne(id string, stamps []int64, paths map[int64]string) (*entry, error) {
	lock := r.lockLocked(id)
	if !lock.HeldByProcess() {
		owner := internalOwner()
		ok, err := lock.TryLock(owner)
		if err != nil {
			r.logger.Warn().Err(err).Str("profile_id", id).Msg("Failed to check profile lock")
		}
		if !ok {
			r.logger.Debug().Str("profile_id", id).Msg("Profile locked by another process; registered placeholder")
			return &entry{timestamp: stamps[len(stamps)-1]}, nil
		}
		defer func() { _ = lock.Unlock(owner) }()
	}
	return r.loadNewest(id, stamps, paths)
}

// loadNewest reads the newest parseable snapshot, falling back to older
// ones when the newer are corrupt.
func (r *Registry) loadNewest(id string, stamps []int64, paths map[int64]string) (*entry, error) {
	var lastErr error
	for i := len(stamps) - 1; i >= 0; i-- {
		ts := stamps[i]
		p, parentID, err := readProfile(id, paths[ts], ts)
		if err != nil {
			r.logger.Warn().Err(err).Str("profile_id", id).Int64("timestamp", ts).Msg("Skipping unreadable snapshot")
			lastErr = err
			continue
		}
		return &entry{profile: p, parentID: parentID, timestamp: ts}, nil
	}
	return nil, lastErr
}

// readProfile decodes the snapshot at path and checks that it belongs to id.
func readProfile(id, path string, ts int64) (*engine.Profile, string, error) {
	doc, err := readSnapshot(path)
	if err != nil {
		return nil, "", err
	}
	if doc.ID != id {
		return nil, "", fmt.Errorf("snapshot names profile %q", doc.ID)
	}
	p, err := doc.toProfile(ts)
	if err != nil {
		return nil, "", err
	}
	return p, doc.Parent, nil
}

// materializeLocked returns the entry for id, reading the snapshot of a
// placeholder. Snapshot files are replaced atomically, so reading one while
// another process holds the lock is safe.
func (r *Registry) materializeLocked(id string) (*entry, error) {
	e, ok := r.profiles[id]
	if !ok {
		return nil, notFoundError(id)
	}
	if !e.placeholder() {
		return e, nil
	}
	stamps, paths, err := snapshotFiles(r.profileDir(id))
	if err != nil || len(stamps) == 0 {
		return nil, engine.NewPersistenceError("failed to list snapshots", err).WithProfile(id)
	}
	loaded, err := r.loadNewest(id, stamps, paths)
	if err != nil {
		return nil, engine.NewPersistenceError("no readable snapshot", err).WithProfile(id)
	}
	r.profiles[id] = loaded
	r.linkParentLocked(id, loaded)
	for _, sub := range r.profiles {
		if sub.parentID == id && !sub.placeholder() {
			sub.profile.SetParent(loaded.profile)
		}
	}
	return loaded, nil
}

func (r *Registry) linkParentLocked(id string, e *entry) {
	if e.placeholder() || e.parentID == "" {
		return
	}
	parent, ok := r.profiles[e.parentID]
	if !ok {
		r.logger.Warn().Str("profile_id", id).Str("parent_id", e.parentID).Msg("Parent profile not found")
		return
	}
	if parent.placeholder() {
		return
	}
	e.profile.SetParent(parent.profile)
}

// latestTimestampLocked returns the timestamp of the newest snapshot on
// disk that parses, or the cached timestamp when the profile has never been
// written. Corrupt newer files are skipped the same way loading skips them.
func (r *Registry) latestTimestampLocked(id string) (int64, error) {
	stamps, paths, err := snapshotFiles(r.profileDir(id))
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	if len(stamps) > 0 {
		var lastErr error
		for i := len(stamps) - 1; i >= 0; i-- {
			if _, _, err := readProfile(id, paths[stamps[i]], stamps[i]); err != nil {
				lastErr = err
				continue
			}
			return stamps[i], nil
		}
		return 0, lastErr
	}
	if e, ok := r.profiles[id]; ok {
		return e.timestamp, nil
	}
	return 0, notFoundError(id)
}

func (r *Registry) lockLocked(id string) *ProfileLock {
	lock, ok := r.locks[id]
	if !ok {
		lock = NewProfileLock(filepath.Join(r.profileDir(id), lockFileName))
		r.locks[id] = lock
	}
	return lock
}

func internalOwner() string {
	return "registry-" + uuid.NewString()
}

func notFoundError(id string) error {
	return engine.NewValidationError("profile "+id+" not found", nil).
		WithCode(engine.ErrCodeNotFound).WithProfile(id)
}

func inUseError(id string) error {
	return engine.NewLockError("profile "+id+" is in use", nil).
		WithCode(engine.ErrCodeProfileInUse).WithProfile(id)
}

func unknownTimestampError(id string, ts int64) error {
	return engine.NewValidationError(fmt.Sprintf("profile %s has no snapshot at %d", id, ts), nil).
		WithCode(engine.ErrCodeNotFound).WithProfile(id)
}
