package notebook

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/nbrun/pkg/config"
	"github.com/polisai/nbrun/pkg/domain"
	"github.com/polisai/nbrun/pkg/logging"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}

	path := filepath.Join(t.TempDir(), "papermill")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestCommandLine(t *testing.T) {
	exec := NewPapermillExecutor(config.EngineConfig{Args: []string{"--log-output"}}, logging.Discard())

	argv := exec.CommandLine(domain.Job{
		Input:      "in.ipynb",
		Output:     "out/out.ipynb",
		Kernel:     "python3",
		Parameters: map[string]any{"y": 2.5, "x": int64(1), "z": json.Number("3")},
	})

	assert.Equal(t, []string{
		"papermill", "in.ipynb", "out/out.ipynb", "-k", "python3",
		"-p", "x", "1",
		"-p", "y", "2.5",
		"-p", "z", "3",
		"--log-output",
	}, argv)
}

func TestExecuteRunsEngine(t *testing.T) {
	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args.txt")
	source, err := filepath.Abs(filepath.Join("testdata", "hello_world_output.ipynb"))
	require.NoError(t, err)

	script := writeScript(t, `printf '%s\n' "$@" > "$ARGS_FILE"
echo "Executing notebook" >&2
cp "$SOURCE_NB" "$2"
`)

	exec := NewPapermillExecutor(config.EngineConfig{
		Command: script,
		Env:     []string{"ARGS_FILE=" + argsFile, "SOURCE_NB=" + source},
		Timeout: 30 * time.Second,
	}, logging.Discard())

	output := filepath.Join(dir, "outputs", "result.ipynb")
	require.NoError(t, EnsureOutputDir(output, logging.Discard()))

	job := domain.Job{
		Input:      "hello_world.ipynb",
		Output:     output,
		Kernel:     "python3",
		Parameters: map[string]any{"x": 5, "y": 1},
	}
	require.NoError(t, exec.Execute(context.Background(), job))

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello_world.ipynb", output, "-k", "python3", "-p", "x", "5", "-p", "y", "1"},
		strings.Fields(string(args)))

	outputs, err := exec.ReadResults(output)
	require.NoError(t, err)
	assert.Len(t, outputs, 3)
}

func TestExecuteFailure(t *testing.T) {
	script := writeScript(t, `echo "Traceback (most recent call last):" >&2
echo "NameError: name 'z' is not defined" >&2
exit 3
`)

	exec := NewPapermillExecutor(config.EngineConfig{Command: script}, logging.Discard())
	err := exec.Execute(context.Background(), domain.Job{Input: "in.ipynb", Output: filepath.Join(t.TempDir(), "out.ipynb")})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExecutionFailed)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.ExitCode)
	assert.Contains(t, execErr.Stderr, "NameError")
	assert.Equal(t, 1, domain.ExitCode(err))
}

func TestExecuteDrainsOversizedOutput(t *testing.T) {
	script := writeScript(t, `head -c 4000000 /dev/zero | tr '\0' 'a' >&2
head -c 4000000 /dev/zero | tr '\0' 'b'
printf '\nfinal line\n' >&2
exit 3
`)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exec := NewPapermillExecutor(config.EngineConfig{Command: script}, logging.Discard())
	err := exec.Execute(ctx, domain.Job{Input: "in.ipynb", Output: filepath.Join(t.TempDir(), "out.ipynb")})
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.ExitCode)

	tailLines := strings.Split(execErr.Stderr, "\n")
	require.Len(t, tailLines, 2)
	assert.Equal(t, strings.Repeat("a", maxOutputLine)+" [truncated]", tailLines[0])
	assert.Equal(t, "final line", tailLines[1])
}

func TestPumpTruncatesLongLines(t *testing.T) {
	exec := NewPapermillExecutor(config.EngineConfig{}, logging.Discard())
	tail := newLineTail(5)

	input := "short\n" + strings.Repeat("x", 3*maxOutputLine) + "\n\n  \nlast"
	exec.pump(strings.NewReader(input), slog.LevelInfo, tail)

	assert.Equal(t, strings.Join([]string{
		"short",
		strings.Repeat("x", maxOutputLine) + " [truncated]",
		"last",
	}, "\n"), tail.String())
}

func TestExecuteMissingCommand(t *testing.T) {
	exec := NewPapermillExecutor(config.EngineConfig{Command: filepath.Join(t.TempDir(), "nope")}, logging.Discard())

	err := exec.Execute(context.Background(), domain.Job{Input: "a", Output: "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExecutionFailed)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, -1, execErr.ExitCode)
}

func TestExecuteTimeout(t *testing.T) {
	script := writeScript(t, "exec sleep 10\n")

	exec := NewPapermillExecutor(config.EngineConfig{Command: script, Timeout: 100 * time.Millisecond}, logging.Discard())
	err := exec.Execute(context.Background(), domain.Job{Input: "a", Output: "b"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExecutionFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnsureOutputDir(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, EnsureOutputDir("out.ipynb", logging.Discard()))

	nested := filepath.Join(dir, "a", "b", "out.ipynb")
	require.NoError(t, EnsureOutputDir(nested, logging.Discard()))
	info, err := os.Stat(filepath.Dir(nested))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Existing directories are left alone.
	require.NoError(t, EnsureOutputDir(nested, logging.Discard()))

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	assert.Error(t, EnsureOutputDir(filepath.Join(file, "out.ipynb"), logging.Discard()))
}

func TestFormatParameter(t *testing.T) {
	assert.Equal(t, "1", FormatParameter(1))
	assert.Equal(t, "0.5", FormatParameter(0.5))
	assert.Equal(t, "2.0", FormatParameter(2.0))
	assert.Equal(t, "1e+21", FormatParameter(1e21))
	assert.Equal(t, "7", FormatParameter(json.Number("7")))
	assert.Equal(t, "abc", FormatParameter("abc"))
	assert.Equal(t, "3", FormatParameter(uint8(3)))
}
