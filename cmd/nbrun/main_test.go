package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/nbrun/pkg/config"
	"github.com/polisai/nbrun/pkg/domain"
	"github.com/polisai/nbrun/pkg/reporter"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"NBRUN_KERNEL", "NBRUN_INPUT", "NBRUN_OUTPUT", "NBRUN_TRACKING_BACKEND",
		"NBRUN_TRACKING_URI", "NBRUN_RUN_ID", "NBRUN_TRACKING_TOKEN", "NBRUN_PUSHGATEWAY_URL",
		"NBRUN_DUCKDB_PATH", "NBRUN_OTLP_ENDPOINT", "NBRUN_OTLP_INSECURE", "NBRUN_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func parseFlags(t *testing.T, args ...string) *CLIConfig {
	t.Helper()

	cmd := newRootCmd(&bytes.Buffer{})
	require.NoError(t, cmd.ParseFlags(args))
	cli, err := parseCLIConfig(cmd)
	require.NoError(t, err)
	return cli
}

func TestBuildConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := buildConfig(parseFlags(t))
	require.NoError(t, err)

	assert.Equal(t, "python3", cfg.Notebook.Kernel)
	assert.Equal(t, "hello_world.ipynb", cfg.Notebook.Input)
	assert.Equal(t, "outputs/hello_world_output.ipynb", cfg.Notebook.Output)
	assert.Equal(t, map[string]any{"x": 1, "y": 1}, cfg.Notebook.Parameters)
	assert.Equal(t, config.BackendAuto, cfg.Tracking.Backend)
	assert.False(t, cfg.Watch.Enabled)
}

func TestBuildConfigPrecedence(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "nbrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
notebook:
  input: from-file.ipynb
  kernel: file-kernel
  parameters:
    x: 10
    rate: 0.5
tracking:
  backend: duckdb
`), 0o644))
	t.Setenv("NBRUN_KERNEL", "env-kernel")

	cfg, err := buildConfig(parseFlags(t,
		"-c", path,
		"-y", "7",
		"-p", "rate=0.25",
		"-p", "epochs=3",
		"--tracking", "NONE",
		"--watch",
	))
	require.NoError(t, err)

	assert.Equal(t, "from-file.ipynb", cfg.Notebook.Input)
	assert.Equal(t, "env-kernel", cfg.Notebook.Kernel)
	assert.Equal(t, map[string]any{"x": 10, "y": 7, "rate": 0.25, "epochs": int64(3)}, cfg.Notebook.Parameters)
	assert.Equal(t, config.BackendNone, cfg.Tracking.Backend)
	assert.True(t, cfg.Watch.Enabled)

	cfg, err = buildConfig(parseFlags(t, "-c", path, "-k", "flag-kernel", "-x", "2"))
	require.NoError(t, err)
	assert.Equal(t, "flag-kernel", cfg.Notebook.Kernel)
	assert.Equal(t, 2, cfg.Notebook.Parameters["x"])
}

func TestBuildConfigErrorsAreConfigErrors(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "non numeric parameter", args: []string{"-p", "x=abc"}},
		{name: "malformed parameter", args: []string{"-p", "novalue"}},
		{name: "unknown backend", args: []string{"--tracking", "mlflow"}},
		{name: "bad log level", args: []string{"-l", "verbose"}},
		{name: "missing config file", args: []string{"-c", filepath.Join(t.TempDir(), "missing.yaml")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildConfig(parseFlags(t, tt.args...))
			require.Error(t, err)
			assert.Equal(t, 2, domain.ExitCode(err))
		})
	}
}

func TestFlagErrorsAreConfigErrors(t *testing.T) {
	clearEnv(t)

	cmd := newRootCmd(&bytes.Buffer{})
	cmd.SetArgs([]string{"-x", "notanint"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, 2, domain.ExitCode(err))
}

func writeFakePapermill(t *testing.T, dir, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	path := filepath.Join(dir, "papermill")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

const recordedNotebook = `{"nbformat": 4, "nbformat_minor": 5, "metadata": {}, "cells": [{"cell_type": "code", "source": [], "metadata": {}, "outputs": [
 {"output_type": "display_data", "metadata": {}, "data": {"application/papermill.record+json": {"x": 5}}},
 {"output_type": "display_data", "metadata": {}, "data": {"application/papermill.record+json": {"scores": [1, 2, 3]}}}
]}]}`

func TestRunWithoutTrackingPrintsMetrics(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	source := filepath.Join(dir, "recorded.ipynb")
	require.NoError(t, os.WriteFile(source, []byte(recordedNotebook), 0o644))
	script := writeFakePapermill(t, dir, `cp "$SOURCE_NB" "$2"`+"\n")

	cfgPath := filepath.Join(dir, "nbrun.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
engine:
  command: `+script+`
  env:
    - SOURCE_NB=`+source+`
report:
  extra:
    msg2: run1
`), 0o644))

	var console bytes.Buffer
	cmd := newRootCmd(&console)
	cmd.SetArgs([]string{
		"-c", cfgPath,
		"-i", filepath.Join(dir, "hello_world.ipynb"),
		"-o", filepath.Join(dir, "outputs", "hello_world_output.ipynb"),
		"--tracking", "none",
		"-l", "error",
	})
	require.NoError(t, cmd.Execute())

	assert.Equal(t,
		reporter.Notice+"\nx = 5\n"+
			reporter.Notice+"\nscores = [1, 2, 3]\n"+
			reporter.Notice+"\nmsg2 = run1\n",
		console.String())
	assert.FileExists(t, filepath.Join(dir, "outputs", "hello_world_output.ipynb"))
}

func TestRunExecutionFailureExitCode(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	script := writeFakePapermill(t, dir, "echo 'PapermillExecutionError' >&2\nexit 1\n")
	cfgPath := filepath.Join(dir, "nbrun.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("engine:\n  command: "+script+"\n"), 0o644))

	var console bytes.Buffer
	cmd := newRootCmd(&console)
	cmd.SetArgs([]string{"-c", cfgPath, "-o", filepath.Join(dir, "out", "o.ipynb"), "--tracking", "none", "-l", "error"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExecutionFailed)
	assert.Equal(t, 1, domain.ExitCode(err))
	assert.Empty(t, console.String())
}
