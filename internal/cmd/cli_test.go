//go:build !windows

package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/opswatch/pkg/engine"
	"github.com/3leaps/opswatch/pkg/output"
)

// workspace is an isolated home with a job config and scripts.
type workspace struct {
	t       *testing.T
	dir     string
	config  string
	state   string
	history string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	t.Setenv("OPSWATCH_SETTINGS", "")
	t.Setenv("OPSWATCH_NOTIFY", "")
	t.Setenv("OPSWATCH_TARGET", "")
	return &workspace{
		t:       t,
		dir:     dir,
		config:  filepath.Join(dir, "ops-jobs.json"),
		state:   filepath.Join(dir, "state", "ops-state.json"),
		history: filepath.Join(dir, "history.db"),
	}
}

func (w *workspace) script(name, body string) string {
	w.t.Helper()
	p := filepath.Join(w.dir, name)
	require.NoError(w.t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func (w *workspace) writeConfig(jobs ...map[string]any) {
	w.t.Helper()
	doc := map[string]any{
		"version":  1,
		"defaults": map[string]any{"quietHours": map[string]any{"start": "00:00", "end": "00:00"}},
		"jobs":     jobs,
	}
	b, err := json.Marshal(doc)
	require.NoError(w.t, err)
	require.NoError(w.t, os.WriteFile(w.config, b, 0o644))
}

// standard writes a config with one job of each kind.
func (w *workspace) standard() {
	w.writeConfig(
		map[string]any{
			"id": "crawl", "kind": "long_running_read", "enabled": true, "risk": "read_only", "cwd": w.dir,
			"commands": map[string]any{
				"status": []string{w.script("status.sh", `echo '{"running": true, "completed": false, "pid": 42}'`)},
				"start":  []string{w.script("start.sh", "exit 0")},
			},
		},
		map[string]any{
			"id": "check", "kind": "one_shot_read", "enabled": true, "risk": "read_only", "cwd": w.dir,
			"commands": map[string]any{"run": []string{w.script("check.sh", "echo hello")}},
		},
		map[string]any{
			"id": "deploy", "kind": "one_shot_write", "enabled": true, "risk": "write_external", "cwd": w.dir,
			"commands": map[string]any{"run": []string{w.script("deploy.sh", "exit 0")}},
			"approval": map[string]any{"required": true, "granted": false},
			"after":    []map[string]any{{"jobId": "check"}},
		},
	)
}

// run executes the CLI against the workspace files.
func (w *workspace) run(args ...string) (stdout, stderr string, code int) {
	w.t.Helper()
	full := append([]string{args[0],
		"--config-file", w.config,
		"--state-file", w.state,
		"--history-file", w.history,
	}, args[1:]...)
	return executeCLI(w.t, full...)
}

func executeCLI(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	resetFlags(rootCmd)

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	code := Execute()
	return out.String(), errOut.String(), code
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func TestCLI_ValidateConfig(t *testing.T) {
	w := newWorkspace(t)
	w.standard()

	out, _, code := w.run("validate-config")
	require.Equal(t, engine.ExitOK, code)
	assert.True(t, strings.HasPrefix(out, "OK: version=1 jobs=3 defaults=quietHours="), out)

	require.NoError(t, os.WriteFile(w.config, []byte(`{"version": 2, "jobs": []}`), 0o644))
	_, stderr, code := w.run("validate-config")
	assert.Equal(t, engine.ExitBlocking, code)
	assert.Contains(t, stderr, "ERROR:")
}

func TestCLI_Status(t *testing.T) {
	w := newWorkspace(t)
	w.standard()

	out, _, code := w.run("status")
	require.Equal(t, engine.ExitOK, code)
	assert.Equal(t, "- crawl: running pid=42\n- check: never ran\n- deploy: write (approved=false)\n", out)

	out, _, code = w.run("status", "--jobs", "c*", "--no-probe")
	require.Equal(t, engine.ExitOK, code)
	assert.Equal(t, "- crawl: not probed\n- check: never ran\n", out)

	_, err := os.Stat(w.state)
	assert.ErrorIs(t, err, os.ErrNotExist, "status must not write state")
}

func TestCLI_StatusJSON(t *testing.T) {
	w := newWorkspace(t)
	w.standard()

	out, _, code := w.run("status", "--json")
	require.Equal(t, engine.ExitOK, code)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	var rec output.Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, output.TypeJobStatus, rec.Type)
	var job output.JobStatusRecord
	require.NoError(t, json.Unmarshal(rec.Data, &job))
	assert.Equal(t, "crawl", job.ID)
	assert.Equal(t, 42, job.PID)
}

func TestCLI_Run(t *testing.T) {
	w := newWorkspace(t)
	w.standard()

	out, _, code := w.run("run", "check")
	require.Equal(t, engine.ExitOK, code)
	assert.Contains(t, out, "run check: exit=0")
	assert.Contains(t, out, "hello")

	out, _, _ = w.run("status", "--no-probe", "--jobs", "check")
	assert.Equal(t, "- check: lastRun exit=0\n", out)

	_, stderr, code := w.run("run", "deploy")
	assert.Equal(t, engine.ExitBlocking, code)
	assert.Contains(t, stderr, "approval")

	_, _, code = w.run("run", "ghost")
	assert.Equal(t, engine.ExitBlocking, code)

	_, _, code = w.run("run")
	assert.Equal(t, engine.ExitBlocking, code)

	out, _, code = w.run("run", "check", "--dry-run", "--json")
	require.Equal(t, engine.ExitOK, code)
	var rec output.Record
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &rec))
	assert.Equal(t, output.TypeRun, rec.Type)
	var run output.RunRecord
	require.NoError(t, json.Unmarshal(rec.Data, &run))
	assert.True(t, run.DryRun)
}

func TestCLI_StartRefusesWrongKind(t *testing.T) {
	w := newWorkspace(t)
	w.standard()

	_, _, code := w.run("start", "check")
	assert.Equal(t, engine.ExitBlocking, code)

	out, _, code := w.run("start", "crawl")
	require.Equal(t, engine.ExitOK, code)
	assert.Contains(t, out, "start crawl: exit=0")
}

func TestCLI_StopGraceSeconds(t *testing.T) {
	w := newWorkspace(t)
	w.standard()

	_, stderr, code := w.run("stop", "crawl", "--grace-seconds", "-1")
	assert.Equal(t, engine.ExitBlocking, code)
	assert.Contains(t, stderr, "--grace-seconds")

	resetFlags(rootCmd)
	t.Cleanup(func() { resetFlags(rootCmd) })
	assert.Zero(t, commandOptions(stopCmd).Grace)
	require.NoError(t, stopCmd.Flags().Set("grace-seconds", "45"))
	assert.Equal(t, 45*time.Second, commandOptions(stopCmd).Grace)
	assert.Zero(t, commandOptions(startCmd).Grace)
}

func TestCLI_Tick(t *testing.T) {
	setup := func(t *testing.T) *workspace {
		w := newWorkspace(t)
		w.writeConfig(map[string]any{
			"id": "done", "kind": "long_running_read", "enabled": true, "risk": "read_only", "cwd": w.dir,
			"commands": map[string]any{
				"status": []string{w.script("status.sh", `echo '{"running": false, "completed": true}'`)},
				"start":  []string{w.script("start.sh", "exit 0")},
			},
		})
		return w
	}

	t.Run("print only", func(t *testing.T) {
		w := setup(t)
		out, _, code := w.run("tick", "--print-only")
		require.Equal(t, engine.ExitOK, code)
		assert.Contains(t, out, "Ops report")
		assert.Contains(t, out, "- state: completed ✅")

		out, _, code = w.run("tick", "--print-only")
		require.Equal(t, engine.ExitOK, code)
		assert.Empty(t, out, "completion is reported once")
	})

	t.Run("no destination", func(t *testing.T) {
		w := setup(t)
		_, stderr, code := w.run("tick")
		assert.Equal(t, engine.ExitNoDestination, code)
		assert.Contains(t, stderr, "no notification destination")
		_, err := os.Stat(w.state)
		assert.NoError(t, err, "state persists without a destination")
	})

	t.Run("print driver from env", func(t *testing.T) {
		w := setup(t)
		t.Setenv("OPSWATCH_NOTIFY", "print")
		out, _, code := w.run("tick")
		require.Equal(t, engine.ExitOK, code)
		assert.Contains(t, out, "- state: completed ✅")
	})

	t.Run("config error", func(t *testing.T) {
		w := setup(t)
		require.NoError(t, os.WriteFile(w.config, []byte("{not json"), 0o644))
		out, _, code := w.run("tick", "--print-only")
		assert.Equal(t, engine.ExitBlocking, code)
		assert.Contains(t, out, "ALERT: ops-jobs config invalid")
	})
}

func TestCLI_History(t *testing.T) {
	w := newWorkspace(t)
	w.standard()

	_, _, code := w.run("run", "check")
	require.Equal(t, engine.ExitOK, code)

	out, _, code := w.run("history", "--job", "check")
	require.Equal(t, engine.ExitOK, code)
	assert.Contains(t, out, " run check ok exit=0")

	out, _, code = w.run("history", "--json", "--kind", "run")
	require.Equal(t, engine.ExitOK, code)
	var rec output.Record
	require.NoError(t, json.Unmarshal([]byte(strings.Split(strings.TrimSpace(out), "\n")[0]), &rec))
	assert.Equal(t, output.TypeEvent, rec.Type)

	_, _, code = w.run("history", "--limit", "-1")
	assert.Equal(t, engine.ExitBlocking, code)

	out, _, code = w.run("history", "--prune-older-than", "1h")
	require.Equal(t, engine.ExitOK, code)
	assert.Equal(t, "pruned 0 events\n", out)
}

func TestCLI_UnknownFlag(t *testing.T) {
	_, _, code := executeCLI(t, "status", "--bogus")
	assert.Equal(t, engine.ExitBlocking, code)
}

func TestCLI_Version(t *testing.T) {
	SetVersionInfo("1.2.3", "abc123", "2026-01-01")
	t.Cleanup(func() { SetVersionInfo("dev", "unknown", "unknown") })

	out, _, code := executeCLI(t, "version")
	require.Equal(t, engine.ExitOK, code)
	assert.True(t, strings.HasPrefix(out, "opswatch 1.2.3 (commit abc123, built 2026-01-01"), out)

	out, _, code = executeCLI(t, "version", "--json")
	require.Equal(t, engine.ExitOK, code)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "1.2.3", info["version"])
}
