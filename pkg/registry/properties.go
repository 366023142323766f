package registry

import (
	"context"
	"path/filepath"

	"github.com/openfroyo/provision/pkg/engine"
)

// SetProfileStateProperties merges props into the state properties of the
// snapshot taken at ts. Entries of snapshots that no longer exist are
// dropped on every write.
func (r *Registry) SetProfileStateProperties(ctx context.Context, id string, ts int64, props map[string]string) error {
	for k, v := range props {
		if err := validateStateProperty(k, v); err != nil {
			return err
		}
	}
	return r.withProfileLock(ctx, id, func(dir string, stamps []int64, paths map[int64]string) error {
		if _, ok := paths[ts]; !ok {
			return unknownTimestampError(id, ts)
		}
		state, err := readStateProperties(filepath.Join(dir, stateFileName))
		if err != nil {
			return engine.NewPersistenceError("failed to read state properties", err).WithProfile(id)
		}
		if state[ts] == nil {
			state[ts] = make(map[string]string, len(props))
		}
		for k, v := range props {
			state[ts][k] = v
		}
		return r.writeState(id, dir, state, stampSet(stamps))
	})
}

// SetProfileStateProperty sets one state property of the snapshot at ts.
func (r *Registry) SetProfileStateProperty(ctx context.Context, id string, ts int64, key, value string) error {
	return r.SetProfileStateProperties(ctx, id, ts, map[string]string{key: value})
}

// RemoveProfileStateProperties removes keys from the state properties of
// the snapshot at ts, or all of them when no key is given.
func (r *Registry) RemoveProfileStateProperties(ctx context.Context, id string, ts int64, keys ...string) error {
	return r.withProfileLock(ctx, id, func(dir string, stamps []int64, paths map[int64]string) error {
		if _, ok := paths[ts]; !ok {
			return unknownTimestampError(id, ts)
		}
		state, err := readStateProperties(filepath.Join(dir, stateFileName))
		if err != nil {
			return engine.NewPersistenceError("failed to read state properties", err).WithProfile(id)
		}
		if len(keys) == 0 {
			delete(state, ts)
		}
		for _, k := range keys {
			delete(state[ts], k)
		}
		return r.writeState(id, dir, state, stampSet(stamps))
	})
}

// ProfileStateProperties returns the state properties of the snapshot at ts.
func (r *Registry) ProfileStateProperties(id string, ts int64) (map[string]string, error) {
	dir, stamps, err := r.snapshotsOf(id)
	if err != nil {
		return nil, err
	}
	if !stampSet(stamps)[ts] {
		return nil, unknownTimestampError(id, ts)
	}
	state, err := readStateProperties(filepath.Join(dir, stateFileName))
	if err != nil {
		return nil, engine.NewPersistenceError("failed to read state properties", err).WithProfile(id)
	}
	out := make(map[string]string, len(state[ts]))
	for k, v := range state[ts] {
		out[k] = v
	}
	return out, nil
}

// ProfileStatePropertiesByKey returns the value of key for every snapshot
// that sets it.
func (r *Registry) ProfileStatePropertiesByKey(id, key string) (map[int64]string, error) {
	dir, stamps, err := r.snapshotsOf(id)
	if err != nil {
		return nil, err
	}
	state, err := readStateProperties(filepath.Join(dir, stateFileName))
	if err != nil {
		return nil, engine.NewPersistenceError("failed to read state properties", err).WithProfile(id)
	}
	state.prune(stampSet(stamps))

	out := make(map[int64]string)
	for ts, props := range state {
		if v, ok := props[key]; ok {
			out[ts] = v
		}
	}
	return out, nil
}

func (r *Registry) snapshotsOf(id string) (string, []int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restoreLocked()

	if _, ok := r.profiles[id]; !ok {
		return "", nil, notFoundError(id)
	}
	dir := r.profileDir(id)
	stamps, _, err := snapshotFiles(dir)
	if err != nil {
		return "", nil, engine.NewPersistenceError("failed to list snapshots", err).WithProfile(id)
	}
	return dir, stamps, nil
}

// withProfileLock runs fn while holding the profile lock under an internal
// owner. It waits for transactions of this process on the same profile.
func (r *Registry) withProfileLock(ctx context.Context, id string,
	fn func(dir string, stamps []int64, paths map[int64]string) error) error {
	if engine.HoldsProfile(ctx, id) {
		return engine.ReentrantLockError(id)
	}
	r.mu.Lock()
	r.restoreLocked()
	if _, ok := r.profiles[id]; !ok {
		r.mu.Unlock()
		return notFoundError(id)
	}
	lock := r.lockLocked(id)
	r.mu.Unlock()

	owner := internalOwner()
	ok, err := lock.Lock(ctx, owner)
	if err != nil {
		return err
	}
	if !ok {
		return inUseError(id)
	}
	defer func() { _ = lock.Unlock(owner) }()

	r.mu.Lock()
	defer r.mu.Unlock()
	dir := r.profileDir(id)
	stamps, paths, err := snapshotFiles(dir)
	if err != nil {
		return engine.NewPersistenceError("failed to list snapshots", err).WithProfile(id)
	}
	if len(stamps) == 0 {
		return notFoundError(id)
	}
	return fn(dir, stamps, paths)
}

func (r *Registry) writeState(id, dir string, state stateProperties, keep map[int64]bool) error {
	data, err := state.encode(keep)
	if err != nil {
		return engine.NewPersistenceError("failed to encode state properties", err).WithProfile(id)
	}
	if err := writeFileAtomic(filepath.Join(dir, stateFileName), data, 0o644); err != nil {
		return engine.NewPersistenceError("failed to write state properties", err).WithProfile(id)
	}
	return nil
}

func stampSet(stamps []int64) map[int64]bool {
	set := make(map[int64]bool, len(stamps))
	for _, ts := range stamps {
		set[ts] = true
	}
	return set
}
