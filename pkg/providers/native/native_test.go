package native_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/engine/phases"
	"github.com/openfroyo/provision/pkg/providers"
	"github.com/openfroyo/provision/pkg/providers/native"
	"github.com/openfroyo/provision/pkg/registry"
	"github.com/openfroyo/provision/pkg/version"
)

const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func newResolver(t *testing.T) (*providers.Registry, *native.Module) {
	t.Helper()
	r := providers.NewRegistry()
	m := native.NewModule()
	require.NoError(t, r.RegisterModules(m))
	return r, m
}

func resolve(t *testing.T, r *providers.Registry, name string) engine.Action {
	t.Helper()
	a, ok := r.ResolveAction("native."+name, nil)
	require.True(t, ok, name)
	return a
}

func TestModuleRegistration(t *testing.T) {
	r, m := newResolver(t)

	var ids []string
	for _, a := range r.Actions() {
		ids = append(ids, a.ID)
		assert.Equal(t, native.Version, a.Version)
	}
	assert.Equal(t, []string{
		"native.checksum", "native.chmod", "native.copy", "native.mkdir",
		"native.remove", "native.rmdir", "native.setProfileProperty",
	}, ids)

	tp, ok := r.ResolveTouchpoint(native.Type)
	require.True(t, ok)
	assert.Same(t, m.Touchpoint(), tp)
	assert.Equal(t, "native.copy", tp.QualifyAction("copy"))
}

func TestMkdirUndoRemovesCreatedParents(t *testing.T) {
	r, _ := newResolver(t)
	root := t.TempDir()
	params := engine.Parameters{native.ParamPath: engine.Path(filepath.Join(root, "a", "b"))}

	a := resolve(t, r, "mkdir")
	require.NoError(t, a.Execute(context.Background(), params))
	assert.DirExists(t, filepath.Join(root, "a", "b"))

	require.NoError(t, a.Undo(context.Background(), params))
	assert.NoDirExists(t, filepath.Join(root, "a"))
	assert.DirExists(t, root)
}

func TestMkdirResolvesAgainstInstallFolder(t *testing.T) {
	r, _ := newResolver(t)
	root := t.TempDir()
	params := engine.Parameters{
		native.ParamPath:          engine.Text("plugins"),
		engine.ParamInstallFolder: engine.Path(root),
	}
	require.NoError(t, resolve(t, r, "mkdir").Execute(context.Background(), params))
	assert.DirExists(t, filepath.Join(root, "plugins"))
}

func TestRmdirUndo(t *testing.T) {
	r, _ := newResolver(t)
	dir := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.Mkdir(dir, 0o755))
	params := engine.Parameters{native.ParamPath: engine.Path(dir)}

	a := resolve(t, r, "rmdir")
	require.NoError(t, a.Execute(context.Background(), params))
	assert.NoDirExists(t, dir)
	require.NoError(t, a.Undo(context.Background(), params))
	assert.DirExists(t, dir)
}

func TestCopyOverwriteUndo(t *testing.T) {
	r, _ := newResolver(t)
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.MkdirAll(dst, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "a.txt"), []byte("old"), 0o644))

	params := engine.Parameters{
		native.ParamSource:        engine.Path(src),
		native.ParamTarget:        engine.Path(dst),
		engine.ParamDataDirectory: engine.Path(filepath.Join(root, "data")),
	}
	err := resolve(t, r, "copy").Execute(context.Background(), params)
	require.Error(t, err, "existing files are kept without overwrite")

	params[native.ParamOverwrite] = engine.Text("true")
	a := resolve(t, r, "copy")
	require.NoError(t, a.Execute(context.Background(), params))
	data, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.FileExists(t, filepath.Join(dst, "sub", "b.txt"))

	require.NoError(t, a.Undo(context.Background(), params))
	data, err = os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	assert.NoDirExists(t, filepath.Join(dst, "sub"))
}

func TestRemoveBacksUpAndCommitDiscards(t *testing.T) {
	r, m := newResolver(t)
	root := t.TempDir()
	file := filepath.Join(root, "config.ini")
	require.NoError(t, os.WriteFile(file, []byte("x=1"), 0o644))
	profile, err := engine.NewProfile("p", nil, nil)
	require.NoError(t, err)
	dataDir := filepath.Join(root, "data")
	params := engine.Parameters{
		native.ParamPath:          engine.Path(file),
		engine.ParamDataDirectory: engine.Path(dataDir),
		engine.ParamProfile:       engine.ProfileValue(profile),
	}

	a := resolve(t, r, "remove")
	require.NoError(t, a.Execute(context.Background(), params))
	assert.NoFileExists(t, file)
	require.NoError(t, a.Undo(context.Background(), params))
	assert.FileExists(t, file)

	require.NoError(t, resolve(t, r, "remove").Execute(context.Background(), params))
	backups, err := os.ReadDir(filepath.Join(dataDir, "backups"))
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	require.NoError(t, m.Touchpoint().Commit(context.Background(), profile))
	backups, err = os.ReadDir(filepath.Join(dataDir, "backups"))
	require.NoError(t, err)
	assert.Empty(t, backups)
	assert.NoFileExists(t, file)
}

func TestChmodUndo(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not supported")
	}
	r, _ := newResolver(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(file, []byte("#!/bin/sh"), 0o644))
	params := engine.Parameters{
		native.ParamTargetDir:   engine.Path(dir),
		native.ParamTargetFile:  engine.Text("run.sh"),
		native.ParamPermissions: engine.Text("755"),
	}

	a := resolve(t, r, "chmod")
	require.NoError(t, a.Execute(context.Background(), params))
	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	require.NoError(t, a.Undo(context.Background(), params))
	info, err = os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	params[native.ParamPermissions] = engine.Text("9z")
	assert.Error(t, resolve(t, r, "chmod").Execute(context.Background(), params))
}

func TestChecksumResult(t *testing.T) {
	r, _ := newResolver(t)
	file := filepath.Join(t.TempDir(), "hello")
	require.NoError(t, os.WriteFile(file, []byte("hello"), 0o644))

	a := resolve(t, r, "checksum")
	require.NoError(t, a.Execute(context.Background(), engine.Parameters{native.ParamPath: engine.Path(file)}))
	res := a.(engine.ResultProvider).Result()
	assert.Equal(t, helloSHA256, res.Value())
}

func TestSetProfilePropertyUndo(t *testing.T) {
	r, _ := newResolver(t)
	profile, err := engine.NewProfile("p", nil, map[string]string{"k": "old"})
	require.NoError(t, err)
	params := engine.Parameters{
		engine.ParamProfile: engine.ProfileValue(profile),
		native.ParamKey:     engine.Text("k"),
		native.ParamValue:   engine.Text("new"),
	}

	a := resolve(t, r, "setProfileProperty")
	require.NoError(t, a.Execute(context.Background(), params))
	v, _ := profile.Property("k")
	assert.Equal(t, "new", v)
	require.NoError(t, a.Undo(context.Background(), params))
	v, _ = profile.Property("k")
	assert.Equal(t, "old", v)

	params[native.ParamKey] = engine.Text("fresh")
	a = resolve(t, r, "setProfileProperty")
	require.NoError(t, a.Execute(context.Background(), params))
	require.NoError(t, a.Undo(context.Background(), params))
	_, ok := profile.Property("fresh")
	assert.False(t, ok)
}

func toolUnit(src, configure string) *engine.Unit {
	return &engine.Unit{
		ID:         "tool",
		Version:    version.MustParse("1.0.0"),
		Touchpoint: native.Type,
		Instructions: map[string][]engine.Instruction{
			"install":   {{Body: "mkdir(path:${installFolder}/bin);copy(source:" + src + ",target:${installFolder}/bin/tool)"}},
			"configure": {{Body: configure}},
		},
	}
}

func setupInstall(t *testing.T) (*registry.Registry, *engine.Engine, *engine.Profile, string, string) {
	t.Helper()
	root := t.TempDir()
	src := filepath.Join(root, "tool.bin")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))
	install := filepath.Join(root, "install")

	reg, err := registry.New(filepath.Join(root, "registry"))
	require.NoError(t, err)
	_, err = reg.AddProfile(context.Background(), "p", map[string]string{engine.PropInstallFolder: install}, "")
	require.NoError(t, err)
	profile, err := reg.GetProfile("p")
	require.NoError(t, err)

	resolver, _ := newResolver(t)
	return reg, engine.New(reg, resolver), profile, src, install
}

func TestInstallThroughEngine(t *testing.T) {
	reg, e, profile, src, install := setupInstall(t)
	u := toolUnit(src, "checksum(path:bin/tool);setProfileProperty(key:tool.sha256,value:${lastResult})")
	op, err := engine.NewUnitOperand(nil, u)
	require.NoError(t, err)

	st := e.Perform(context.Background(), profile, phases.DefaultSet(), []engine.Operand{op}, nil)
	require.True(t, st.IsOK(), st.Error())
	assert.FileExists(t, filepath.Join(install, "bin", "tool"))

	current, err := reg.GetProfile("p")
	require.NoError(t, err)
	assert.True(t, current.ContainsUnit(u))
	v, _ := current.Property("tool.sha256")
	assert.Equal(t, helloSHA256, v)
}

func TestFailedConfigureUndoesInstall(t *testing.T) {
	reg, e, profile, src, install := setupInstall(t)
	u := toolUnit(src, "chmod(targetFile:bin/missing,permissions:755)")
	op, err := engine.NewUnitOperand(nil, u)
	require.NoError(t, err)
	before, err := reg.ListProfileTimestamps("p")
	require.NoError(t, err)

	st := e.Perform(context.Background(), profile, phases.DefaultSet(), []engine.Operand{op}, nil)
	require.True(t, st.Matches(engine.SeverityError))
	assert.NoDirExists(t, install)

	after, err := reg.ListProfileTimestamps("p")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	current, err := reg.GetProfile("p")
	require.NoError(t, err)
	assert.Equal(t, 0, current.UnitCount())
}
