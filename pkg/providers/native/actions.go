package native

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/openfroyo/provision/pkg/engine"
)

// Action parameter names.
const (
	ParamPath        = "path"
	ParamSource      = "source"
	ParamTarget      = "target"
	ParamOverwrite   = "overwrite"
	ParamTargetDir   = "targetDir"
	ParamTargetFile  = "targetFile"
	ParamPermissions = "permissions"
	ParamKey         = "key"
	ParamValue       = "value"
)

func required(params engine.Parameters, name string) (string, error) {
	v := params.Text(name)
	if v == "" {
		return "", fmt.Errorf("parameter %q is required", name)
	}
	return v, nil
}

// mkdirAction creates a directory and its parents. Undo removes the
// directories it created, provided they are still empty.
type mkdirAction struct {
	created []string
}

func (a *mkdirAction) Execute(_ context.Context, params engine.Parameters) error {
	p, err := required(params, ParamPath)
	if err != nil {
		return err
	}
	p = resolvePath(params, p)

	var missing []string
	for dir := filepath.Clean(p); ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		missing = append(missing, dir)
		if filepath.Dir(dir) == dir {
			break
		}
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", p, err)
	}
	a.created = missing
	return nil
}

func (a *mkdirAction) Undo(_ context.Context, _ engine.Parameters) error {
	for _, dir := range a.created {
		if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("rmdir %s: %w", dir, err)
		}
	}
	a.created = nil
	return nil
}

func (a *mkdirAction) String() string { return "native.mkdir" }

// rmdirAction removes an empty directory.
type rmdirAction struct {
	removed string
	mode    fs.FileMode
}

func (a *rmdirAction) Execute(_ context.Context, params engine.Parameters) error {
	p, err := required(params, ParamPath)
	if err != nil {
		return err
	}
	p = resolvePath(params, p)

	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rmdir %s: %w", p, err)
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("rmdir %s: %w", p, err)
	}
	a.removed = p
	a.mode = info.Mode().Perm()
	return nil
}

func (a *rmdirAction) Undo(_ context.Context, _ engine.Parameters) error {
	if a.removed == "" {
		return nil
	}
	if err := os.MkdirAll(a.removed, a.mode); err != nil {
		return fmt.Errorf("restore %s: %w", a.removed, err)
	}
	a.removed = ""
	return nil
}

func (a *rmdirAction) String() string { return "native.rmdir" }

// copyAction copies a file or a directory tree. Files that would be
// overwritten are backed up so that undo can restore them.
type copyAction struct {
	tp *Touchpoint

	created  []string
	replaced map[string]string
}

func (a *copyAction) Execute(ctx context.Context, params engine.Parameters) error {
	src, err := required(params, ParamSource)
	if err != nil {
		return err
	}
	dst, err := required(params, ParamTarget)
	if err != nil {
		return err
	}
	src, dst = resolvePath(params, src), resolvePath(params, dst)
	overwrite := params.Bool(ParamOverwrite)

	var backupDir string
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
				if err := os.MkdirAll(target, 0o755); err != nil {
					return err
				}
				a.created = append(a.created, target)
			}
			return nil
		}

		if _, err := os.Stat(target); err == nil {
			if !overwrite {
				return fmt.Errorf("copy %s: target %s exists", src, target)
			}
			if backupDir == "" {
				if backupDir, err = a.tp.backupDir(ctx, params); err != nil {
					return err
				}
			}
			saved := filepath.Join(backupDir, strconv.Itoa(len(a.replaced)))
			if err := copyFile(target, saved); err != nil {
				return fmt.Errorf("backup %s: %w", target, err)
			}
			if a.replaced == nil {
				a.replaced = make(map[string]string)
			}
			a.replaced[target] = saved
		} else {
			a.created = append(a.created, target)
		}
		return copyFile(path, target)
	})
}

func (a *copyAction) Undo(_ context.Context, _ engine.Parameters) error {
	var errs []error
	for target, saved := range a.replaced {
		if err := copyFile(saved, target); err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", target, err))
		}
	}
	for i := len(a.created) - 1; i >= 0; i-- {
		if err := os.Remove(a.created[i]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	a.created, a.replaced = nil, nil
	return errors.Join(errs...)
}

func (a *copyAction) String() string { return "native.copy" }

// removeAction moves a file or directory into a backup inside the profile
// data directory. Undo moves it back; the backup is deleted on commit.
type removeAction struct {
	tp *Touchpoint

	path   string
	backup string
}

func (a *removeAction) Execute(ctx context.Context, params engine.Parameters) error {
	p, err := required(params, ParamPath)
	if err != nil {
		return err
	}
	p = resolvePath(params, p)
	if _, err := os.Lstat(p); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	dir, err := a.tp.backupDir(ctx, params)
	if err != nil {
		return err
	}
	backup := filepath.Join(dir, filepath.Base(p))
	if err := move(p, backup); err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	a.path, a.backup = p, backup
	return nil
}

func (a *removeAction) Undo(_ context.Context, _ engine.Parameters) error {
	if a.backup == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	if err := move(a.backup, a.path); err != nil {
		return fmt.Errorf("restore %s: %w", a.path, err)
	}
	a.path, a.backup = "", ""
	return nil
}

func (a *removeAction) String() string { return "native.remove" }

// chmodAction sets the permission bits of a file given in octal.
type chmodAction struct {
	target string
	old    fs.FileMode
}

func (a *chmodAction) Execute(_ context.Context, params engine.Parameters) error {
	file, err := required(params, ParamTargetFile)
	if err != nil {
		return err
	}
	perms, err := required(params, ParamPermissions)
	if err != nil {
		return err
	}
	mode, err := strconv.ParseUint(perms, 8, 32)
	if err != nil || mode > 0o7777 {
		return fmt.Errorf("invalid permissions %q", perms)
	}

	target := file
	if dir := params.Text(ParamTargetDir); dir != "" && !filepath.IsAbs(file) {
		target = filepath.Join(dir, file)
	}
	target = resolvePath(params, target)

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("chmod %s: %w", target, err)
	}
	if err := os.Chmod(target, fs.FileMode(mode)); err != nil {
		return fmt.Errorf("chmod %s: %w", target, err)
	}
	a.target, a.old = target, info.Mode().Perm()
	return nil
}

func (a *chmodAction) Undo(_ context.Context, _ engine.Parameters) error {
	if a.target == "" {
		return nil
	}
	return os.Chmod(a.target, a.old)
}

func (a *chmodAction) String() string { return "native.chmod" }

// checksumAction computes the sha256 of a file and hands it to the next
// action as ${lastResult}.
type checksumAction struct {
	sum string
}

func (a *checksumAction) Execute(_ context.Context, params engine.Parameters) error {
	p, err := required(params, ParamPath)
	if err != nil {
		return err
	}
	f, err := os.Open(resolvePath(params, p))
	if err != nil {
		return fmt.Errorf("checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("checksum: %w", err)
	}
	a.sum = hex.EncodeToString(h.Sum(nil))
	return nil
}

func (a *checksumAction) Undo(context.Context, engine.Parameters) error { return nil }

func (a *checksumAction) Result() engine.Result {
	if a.sum == "" {
		return engine.NoResult
	}
	return engine.NewResult(a.sum)
}

func (a *checksumAction) String() string { return "native.checksum" }

// setProfilePropertyAction sets a profile property. Undo restores the
// previous value or removes the key.
type setProfilePropertyAction struct {
	key     string
	old     string
	existed bool
	done    bool
}

func (a *setProfilePropertyAction) Execute(_ context.Context, params engine.Parameters) error {
	key, err := required(params, ParamKey)
	if err != nil {
		return err
	}
	profile := params.Profile()
	if profile == nil {
		return fmt.Errorf("no profile in parameters")
	}
	a.key = key
	a.old, a.existed = profile.LocalProperty(key)
	profile.SetProperty(key, params.Text(ParamValue))
	a.done = true
	return nil
}

func (a *setProfilePropertyAction) Undo(_ context.Context, params engine.Parameters) error {
	profile := params.Profile()
	if !a.done || profile == nil {
		return nil
	}
	if a.existed {
		profile.SetProperty(a.key, a.old)
	} else {
		profile.RemoveProperty(a.key)
	}
	a.done = false
	return nil
}

func (a *setProfilePropertyAction) String() string { return "native.setProfileProperty" }

// backupDir creates a fresh backup directory for the profile being
// provisioned and remembers it for cleanup.
func (t *Touchpoint) backupDir(_ context.Context, params engine.Parameters) (string, error) {
	base := params.DataDirectory()
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "backups", uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}
	profileID := ""
	if p := params.Profile(); p != nil {
		profileID = p.ID()
	}
	t.trackBackup(profileID, dir)
	return dir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// move renames src to dst, copying across file systems when needed.
func move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(src)
}
