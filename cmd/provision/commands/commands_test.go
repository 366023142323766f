package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provision/pkg/config"
	"github.com/openfroyo/provision/pkg/engine"
)

type cli struct {
	t      *testing.T
	dir    string
	config string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	for _, k := range []string{config.EnvRegistryRoot, config.EnvStorePath, config.EnvLogLevel} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	dir := t.TempDir()
	cfg := "registry:\n  root: " + filepath.Join(dir, "registry") + "\n" +
		"store:\n  path: " + filepath.Join(dir, "journal.db") + "\n" +
		"telemetry:\n  logging:\n    level: error\n"
	path := filepath.Join(dir, "provision.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return &cli{t: t, dir: dir, config: path}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", c.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, strings.Join(args, " "))
	return out
}

func (c *cli) writePlan(name, content string) string {
	c.t.Helper()
	path := filepath.Join(c.dir, name)
	require.NoError(c.t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const installPlan = `
profile: sdk
add:
  - id: tool
    version: 1.0.0
    touchpoint: {id: native, version: 1.0.0}
    instructions:
      install:
        - body: mkdir(path:${installFolder}/bin)
properties:
  set: {channel: stable}
`

func TestProfileLifecycle(t *testing.T) {
	c := newCLI(t)

	out := c.mustRun("profile", "add", "sdk", "-p", "color=blue")
	assert.Contains(t, out, "Added profile sdk")
	c.mustRun("profile", "add", "sdk-child", "--parent", "sdk")

	_, err := c.run("profile", "add", "sdk")
	assert.Error(t, err, "duplicate profile")
	_, err = c.run("profile", "add", "bad", "-p", "novalue")
	assert.Error(t, err)

	out = c.mustRun("profile", "list")
	assert.Contains(t, out, "sdk-child")
	assert.Contains(t, out, "PARENT")

	out = c.mustRun("--json", "profile", "show", "sdk")
	var view profileView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "sdk", view.ID)
	assert.Equal(t, "blue", view.Properties["color"])
	assert.Equal(t, []string{"sdk-child"}, view.Children)

	out = c.mustRun("--json", "profile", "timestamps", "sdk")
	var stamps []int64
	require.NoError(t, json.Unmarshal([]byte(out), &stamps))
	require.Len(t, stamps, 1)

	ts := jsonInt(stamps[0])
	c.mustRun("profile", "state", "set", "sdk", ts, "tag=baseline")
	out = c.mustRun("profile", "state", "get", "sdk", ts)
	assert.Equal(t, "tag = baseline\n", out)
	out = c.mustRun("profile", "state", "find", "sdk", "tag")
	assert.Contains(t, out, "baseline")
	c.mustRun("profile", "state", "remove", "sdk", ts)
	out = c.mustRun("profile", "state", "get", "sdk", ts)
	assert.Empty(t, out)
	_, err = c.run("profile", "state", "get", "sdk", "nope")
	assert.Error(t, err)

	c.mustRun("profile", "remove", "sdk")
	out = c.mustRun("profile", "list")
	assert.NotContains(t, out, "sdk")
}

func TestPerformPlan(t *testing.T) {
	c := newCLI(t)
	install := filepath.Join(c.dir, "install")
	c.mustRun("profile", "add", "sdk", "-p", engine.PropInstallFolder+"="+install)
	plan := c.writePlan("plan.yaml", installPlan)

	out := c.mustRun("validate", "--plan", plan)
	assert.Contains(t, out, "Plan is valid: 2 operand(s)")
	assert.NoDirExists(t, filepath.Join(install, "bin"), "validate changes nothing")

	out = c.mustRun("perform", "--plan", plan)
	assert.True(t, strings.HasPrefix(out, "OK"), out)
	assert.DirExists(t, filepath.Join(install, "bin"))

	out = c.mustRun("--json", "profile", "show", "sdk")
	var view profileView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.Len(t, view.Units, 1)
	assert.Equal(t, "tool", view.Units[0].ID)
	assert.Equal(t, "native@1.0.0", view.Units[0].Touchpoint)
	assert.Equal(t, "stable", view.Properties["channel"])

	out = c.mustRun("--json", "history", "sdk")
	var txs []engine.Transaction
	require.NoError(t, json.Unmarshal([]byte(out), &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, engine.TransactionDone, txs[0].State)
	assert.Equal(t, view.Timestamp, txs[0].SnapshotTimestamp)

	out = c.mustRun("history", "steps", txs[0].ID)
	assert.Contains(t, out, "native.mkdir")

	out = c.mustRun("profile", "timestamps", "sdk")
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)
}

func TestPerformRejectsBadPlans(t *testing.T) {
	c := newCLI(t)
	c.mustRun("profile", "add", "sdk")

	_, err := c.run("perform")
	assert.Error(t, err, "--plan is required")

	missing := c.writePlan("missing.yaml", "profile: sdk\nremove:\n  - {id: ghost}\n")
	_, err = c.run("perform", "--plan", missing)
	assert.True(t, engine.IsValidation(err))

	unknown := c.writePlan("unknown.yaml", "profile: nobody\nproperties:\n  set: {a: b}\n")
	_, err = c.run("perform", "--plan", unknown)
	assert.Error(t, err)

	plan := c.writePlan("plan.yaml", installPlan)
	_, err = c.run("perform", "--plan", plan, "--phase", "bogus")
	assert.True(t, engine.IsValidation(err))

	noop := c.writePlan("noop.yaml", "profile: sdk\nproperties:\n  remove: [never-set]\n")
	out := c.mustRun("perform", "--plan", noop)
	assert.Equal(t, "Nothing to do\n", out)
}

func TestFailedPerformRollsBack(t *testing.T) {
	c := newCLI(t)
	install := filepath.Join(c.dir, "install")
	c.mustRun("profile", "add", "sdk", "-p", engine.PropInstallFolder+"="+install)
	plan := c.writePlan("plan.yaml", `
profile: sdk
add:
  - id: tool
    version: 1.0.0
    touchpoint: {id: native}
    instructions:
      install:
        - body: mkdir(path:${installFolder}/bin)
      configure:
        - body: chmod(targetFile:bin/missing,permissions:755)
`)

	out, err := c.run("perform", "--plan", plan)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(out, "ERROR"), out)
	assert.NoDirExists(t, install)

	out = c.mustRun("profile", "timestamps", "sdk")
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 1)

	out = c.mustRun("--json", "history", "sdk")
	var txs []engine.Transaction
	require.NoError(t, json.Unmarshal([]byte(out), &txs))
	require.Len(t, txs, 1)
	assert.Equal(t, engine.SeverityError, txs[0].Severity)
	assert.Zero(t, txs[0].SnapshotTimestamp)
}

func TestActionsCommand(t *testing.T) {
	c := newCLI(t)
	out := c.mustRun("actions")
	assert.Contains(t, out, "native")
	assert.Contains(t, out, "native.checksum")
	assert.Contains(t, out, "native.setProfileProperty")
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
