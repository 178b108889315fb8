package notebook

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/polisai/nbrun/pkg/config"
	"github.com/polisai/nbrun/pkg/domain"
)

const (
	stderrTailLines = 20
	maxOutputLine   = 64 * 1024
)

// Executor runs a notebook and reads the values it recorded.
type Executor interface {
	Execute(ctx context.Context, job domain.Job) error
	ReadResults(path string) ([]domain.Output, error)
}

// ExecutionError reports a failed engine run.
type ExecutionError struct {
	ExitCode int
	// Stderr holds the last lines the engine wrote to stderr.
	Stderr string
	Err    error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("notebook execution failed with exit code %d", e.ExitCode)
	if e.Err != nil && e.ExitCode < 0 {
		msg = "notebook execution failed: " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Is(target error) bool {
	return target == domain.ErrExecutionFailed
}

// PapermillExecutor runs the papermill CLI as a child process.
type PapermillExecutor struct {
	command string
	args    []string
	workDir string
	env     []string
	timeout time.Duration
	logger  *slog.Logger
}

var _ Executor = (*PapermillExecutor)(nil)

// NewPapermillExecutor creates an executor from engine configuration.
func NewPapermillExecutor(cfg config.EngineConfig, logger *slog.Logger) *PapermillExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	command := cfg.Command
	if command == "" {
		command = "papermill"
	}
	return &PapermillExecutor{
		command: command,
		args:    append([]string(nil), cfg.Args...),
		workDir: cfg.WorkDir,
		env:     append([]string(nil), cfg.Env...),
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// CommandLine returns the argv used to execute job.
func (p *PapermillExecutor) CommandLine(job domain.Job) []string {
	argv := []string{p.command, job.Input, job.Output}
	if job.Kernel != "" {
		argv = append(argv, "-k", job.Kernel)
	}

	names := make([]string, 0, len(job.Parameters))
	for name := range job.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		argv = append(argv, "-p", name, FormatParameter(job.Parameters[name]))
	}

	return append(argv, p.args...)
}

// Execute runs papermill to completion. Stdout is logged at debug, stderr at info.
func (p *PapermillExecutor) Execute(ctx context.Context, job domain.Job) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	argv := p.CommandLine(job)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if p.workDir != "" {
		cmd.Dir = p.workDir
	}
	cmd.Env = injectTraceEnv(ctx, append(os.Environ(), p.env...))
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return &ExecutionError{ExitCode: -1, Err: fmt.Errorf("start %s: %w", p.command, err)}
	}
	p.logger.Info("Notebook execution started",
		"pid", cmd.Process.Pid,
		"input", job.Input,
		"output", job.Output,
		"kernel", job.Kernel,
	)

	tail := newLineTail(stderrTailLines)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.pump(stdout, slog.LevelDebug, nil)
	}()
	go func() {
		defer wg.Done()
		p.pump(stderr, slog.LevelInfo, tail)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	elapsed := time.Since(started)

	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			waitErr = fmt.Errorf("%w: %w", waitErr, ctxErr)
		}
		p.logger.Error("Notebook execution failed", "exit_code", exitCode, "duration", elapsed, "error", waitErr)
		return &ExecutionError{ExitCode: exitCode, Stderr: tail.String(), Err: waitErr}
	}

	attrs := []any{"duration", elapsed, "output", job.Output}
	if info, statErr := os.Stat(job.Output); statErr == nil {
		attrs = append(attrs, "size", humanize.Bytes(uint64(info.Size())))
	}
	p.logger.Info("Notebook execution finished", attrs...)
	return nil
}

// ReadResults reads the values recorded in the executed notebook at path.
func (p *PapermillExecutor) ReadResults(path string) ([]domain.Output, error) {
	return ReadResults(path)
}

// pump logs r line by line until EOF. Lines longer than maxOutputLine are cut
// short and the remainder discarded, so the pipe is always drained.
func (p *PapermillExecutor) pump(r io.Reader, level slog.Level, tail *lineTail) {
	reader := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	truncated := false

	emit := func() {
		text := string(line)
		if truncated {
			text += " [truncated]"
		}
		line, truncated = line[:0], false
		if strings.TrimSpace(text) == "" {
			return
		}
		p.logger.Log(context.Background(), level, "papermill", "line", text)
		if tail != nil {
			tail.add(text)
		}
	}

	for {
		chunk, isPrefix, err := reader.ReadLine()
		if len(chunk) > 0 {
			if room := maxOutputLine - len(line); room > 0 {
				if len(chunk) > room {
					chunk, truncated = chunk[:room], true
				}
				line = append(line, chunk...)
			} else {
				truncated = true
			}
		}
		if err != nil {
			if len(line) > 0 {
				emit()
			}
			if !errors.Is(err, io.EOF) {
				p.logger.Debug("Error reading engine output", "error", err)
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
		if !isPrefix {
			emit()
		}
	}
}

// FormatParameter renders a parameter value for papermill's -p flag.
func FormatParameter(v any) string {
	switch x := v.(type) {
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return formatFloatParameter(x, 64)
	case float32:
		return formatFloatParameter(float64(x), 32)
	case json.Number:
		return x.String()
	case string:
		return x
	default:
		return fmt.Sprint(v)
	}
}

// formatFloatParameter keeps a decimal point on integral values so the kernel
// still receives a float.
func formatFloatParameter(f float64, bitSize int) string {
	s := strconv.FormatFloat(f, 'g', -1, bitSize)
	if !strings.ContainsAny(s, ".eIN") {
		s += ".0"
	}
	return s
}

func injectTraceEnv(ctx context.Context, env []string) []string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for _, key := range carrier.Keys() {
		env = append(env, strings.ToUpper(key)+"="+carrier.Get(key))
	}
	return env
}

type lineTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newLineTail(limit int) *lineTail {
	return &lineTail{max: limit}
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
