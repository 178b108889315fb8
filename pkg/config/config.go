// Package config provides configuration structures and loading logic for the notebook runner.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/nbrun/pkg/domain"
)

// Tracking backend names accepted by TrackingConfig.Backend.
const (
	BackendAuto        = "auto"
	BackendNone        = "none"
	BackendHTTP        = "http"
	BackendPushgateway = "pushgateway"
	BackendOTel        = "otel"
	BackendDuckDB      = "duckdb"
)

// AutoProbeOrder is the order in which backends are probed when Backend is "auto".
var AutoProbeOrder = []string{BackendHTTP, BackendPushgateway, BackendOTel, BackendDuckDB}

// Config holds the complete runner configuration.
type Config struct {
	Notebook  NotebookConfig  `yaml:"notebook" json:"notebook"`
	Engine    EngineConfig    `yaml:"engine" json:"engine"`
	Tracking  TrackingConfig  `yaml:"tracking" json:"tracking"`
	Report    ReportConfig    `yaml:"report" json:"report"`
	Policy    PolicyConfig    `yaml:"policy" json:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Watch     WatchConfig     `yaml:"watch" json:"watch"`
}

// NotebookConfig describes the notebook to execute.
type NotebookConfig struct {
	// Input is the notebook to execute.
	Input string `yaml:"input" json:"input"`

	// Output is where the executed notebook is written.
	Output string `yaml:"output" json:"output"`

	// Kernel is the Jupyter kernel name.
	Kernel string `yaml:"kernel" json:"kernel"`

	// Parameters are injected into the notebook's parameters cell. Values must be numeric.
	Parameters map[string]any `yaml:"parameters" json:"parameters"`
}

// EngineConfig controls how the execution engine process is launched.
type EngineConfig struct {
	// Command is the papermill executable.
	Command string `yaml:"command" json:"command"`

	// Args are extra arguments appended after the generated ones.
	Args []string `yaml:"args" json:"args"`

	// WorkDir is the working directory of the engine process.
	WorkDir string `yaml:"work_dir" json:"work_dir"`

	// Env contains extra KEY=VALUE environment entries for the engine process.
	Env []string `yaml:"env" json:"env"`

	// Timeout bounds a single execution. Zero means no limit.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// TrackingConfig selects and configures the experiment-tracking backend.
type TrackingConfig struct {
	// Backend is one of auto, none, http, pushgateway, otel, duckdb.
	Backend string `yaml:"backend" json:"backend"`

	HTTP        HTTPTrackingConfig `yaml:"http" json:"http"`
	Pushgateway PushgatewayConfig  `yaml:"pushgateway" json:"pushgateway"`
	OTel        OTelTrackingConfig `yaml:"otel" json:"otel"`
	DuckDB      DuckDBConfig       `yaml:"duckdb" json:"duckdb"`
}

// HTTPTrackingConfig points at a tracking server run. URI and RunID are normally
// injected through the environment by whatever launched the process.
type HTTPTrackingConfig struct {
	URI     string        `yaml:"uri" json:"uri"`
	RunID   string        `yaml:"run_id" json:"run_id"`
	Token   string        `yaml:"token" json:"token"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// Retries bounds extra attempts of the run lookup.
	Retries int `yaml:"retries" json:"retries"`
}

// PushgatewayConfig configures the Prometheus Pushgateway backend.
type PushgatewayConfig struct {
	URL string `yaml:"url" json:"url"`
	Job string `yaml:"job" json:"job"`
}

// OTelTrackingConfig configures the OpenTelemetry metrics backend.
type OTelTrackingConfig struct {
	Endpoint string        `yaml:"endpoint" json:"endpoint"`
	Insecure bool          `yaml:"insecure" json:"insecure"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// DuckDBConfig configures the local DuckDB run store.
type DuckDBConfig struct {
	Path string `yaml:"path" json:"path"`
}

// ReportConfig holds reporting options.
type ReportConfig struct {
	// Extra metrics reported after the notebook outputs, in name order.
	Extra map[string]any `yaml:"extra" json:"extra"`
}

// PolicyConfig points at an optional Rego parameter policy.
type PolicyConfig struct {
	File       string `yaml:"file" json:"file"`
	Entrypoint string `yaml:"entrypoint" json:"entrypoint"`
}

// TelemetryConfig holds configuration for the runner's own OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure" json:"insecure"`
	ServiceName  string `yaml:"service_name" json:"service_name"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Pretty bool   `yaml:"pretty" json:"pretty"`
}

// WatchConfig controls re-execution on file changes.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Debounce time.Duration `yaml:"debounce" json:"debounce"`
}

// DefaultConfig returns a configuration that runs the bundled hello_world notebook.
func DefaultConfig() *Config {
	return &Config{
		Notebook: NotebookConfig{
			Input:      "hello_world.ipynb",
			Output:     "outputs/hello_world_output.ipynb",
			Kernel:     "python3",
			Parameters: map[string]any{"x": 1, "y": 1},
		},
		Engine: EngineConfig{
			Command: "papermill",
		},
		Tracking: TrackingConfig{
			Backend: BackendAuto,
			HTTP: HTTPTrackingConfig{
				Timeout: 10 * time.Second,
				Retries: 2,
			},
			Pushgateway: PushgatewayConfig{
				Job: "nbrun",
			},
			OTel: OTelTrackingConfig{
				Interval: 10 * time.Second,
			},
		},
		Policy: PolicyConfig{
			Entrypoint: "nbrun/parameters/decision",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "nbrun",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Watch: WatchConfig{
			Debounce: 250 * time.Millisecond,
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
// An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		//nolint:gosec // Config file path is supplied by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		// Parameters in the file replace the defaults instead of merging into them.
		defaults := cfg.Notebook.Parameters
		cfg.Notebook.Parameters = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %v: %w", path, err, domain.ErrConfigInvalid)
		}
		if cfg.Notebook.Parameters == nil {
			cfg.Notebook.Parameters = defaults
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("NBRUN_KERNEL"); val != "" {
		cfg.Notebook.Kernel = val
	}
	if val := os.Getenv("NBRUN_INPUT"); val != "" {
		cfg.Notebook.Input = val
	}
	if val := os.Getenv("NBRUN_OUTPUT"); val != "" {
		cfg.Notebook.Output = val
	}

	if val := os.Getenv("NBRUN_TRACKING_BACKEND"); val != "" {
		cfg.Tracking.Backend = val
	}
	if val := os.Getenv("NBRUN_TRACKING_URI"); val != "" {
		cfg.Tracking.HTTP.URI = val
	}
	if val := os.Getenv("NBRUN_RUN_ID"); val != "" {
		cfg.Tracking.HTTP.RunID = val
	}
	if val := os.Getenv("NBRUN_TRACKING_TOKEN"); val != "" {
		cfg.Tracking.HTTP.Token = val
	}
	if val := os.Getenv("NBRUN_PUSHGATEWAY_URL"); val != "" {
		cfg.Tracking.Pushgateway.URL = val
	}
	if val := os.Getenv("NBRUN_DUCKDB_PATH"); val != "" {
		cfg.Tracking.DuckDB.Path = val
	}

	if val := os.Getenv("NBRUN_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("NBRUN_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("NBRUN_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate checks every section, filling in defaults where a value is missing.
func (c *Config) Validate() error {
	if err := c.Notebook.Validate(); err != nil {
		return fmt.Errorf("notebook configuration: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration: %w", err)
	}

	if err := c.Tracking.Validate(); err != nil {
		return fmt.Errorf("tracking configuration: %w", err)
	}

	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "nbrun"
	}
	if c.Watch.Debounce <= 0 {
		c.Watch.Debounce = 250 * time.Millisecond
	}

	return nil
}

// Validate performs validation of notebook configuration
func (c *NotebookConfig) Validate() error {
	if strings.TrimSpace(c.Input) == "" {
		return fmt.Errorf("input notebook is required: %w", domain.ErrConfigInvalid)
	}
	if strings.TrimSpace(c.Output) == "" {
		return fmt.Errorf("output notebook is required: %w", domain.ErrConfigInvalid)
	}
	if strings.TrimSpace(c.Kernel) == "" {
		c.Kernel = "python3"
	}

	for _, name := range c.ParameterNames() {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("parameter name cannot be empty: %w", domain.ErrConfigInvalid)
		}
		if !isNumber(c.Parameters[name]) {
			return fmt.Errorf("parameter %q must be numeric, got %T: %w", name, c.Parameters[name], domain.ErrConfigInvalid)
		}
	}

	return nil
}

// ParameterNames returns the parameter names in sorted order.
func (c *NotebookConfig) ParameterNames() []string {
	names := make([]string, 0, len(c.Parameters))
	for name := range c.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate performs validation of engine configuration
func (c *EngineConfig) Validate() error {
	if strings.TrimSpace(c.Command) == "" {
		c.Command = "papermill"
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative: %w", domain.ErrConfigInvalid)
	}
	for _, entry := range c.Env {
		if !strings.Contains(entry, "=") {
			return fmt.Errorf("env entry %q is not KEY=VALUE: %w", entry, domain.ErrConfigInvalid)
		}
	}
	return nil
}

// Validate performs validation of tracking configuration
func (c *TrackingConfig) Validate() error {
	backend := strings.ToLower(strings.TrimSpace(c.Backend))
	if backend == "" {
		backend = BackendAuto
	}

	switch backend {
	case BackendAuto, BackendNone, BackendHTTP, BackendPushgateway, BackendOTel, BackendDuckDB:
		c.Backend = backend
	default:
		return fmt.Errorf("unknown tracking backend %q: %w", c.Backend, domain.ErrConfigInvalid)
	}

	if c.HTTP.Timeout <= 0 {
		c.HTTP.Timeout = 10 * time.Second
	}
	if c.Pushgateway.Job == "" {
		c.Pushgateway.Job = "nbrun"
	}
	if c.OTel.Interval <= 0 {
		c.OTel.Interval = 10 * time.Second
	}

	return nil
}

// Probes returns the backend names to probe, in order.
func (c *TrackingConfig) Probes() []string {
	switch c.Backend {
	case BackendNone:
		return nil
	case BackendAuto, "":
		return append([]string(nil), AutoProbeOrder...)
	default:
		return []string{c.Backend}
	}
}

// Validate performs validation of policy configuration
func (c *PolicyConfig) Validate() error {
	if strings.TrimSpace(c.Entrypoint) == "" {
		c.Entrypoint = "nbrun/parameters/decision"
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q (must be debug, info, warn, or error): %w", c.Level, domain.ErrConfigInvalid)
	}
}

// ParseParameter parses a NAME=VALUE notebook parameter. The value must be an
// integer or a float.
func ParseParameter(raw string) (string, any, error) {
	name, value, ok := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", nil, fmt.Errorf("parameter %q is not NAME=VALUE: %w", raw, domain.ErrConfigInvalid)
	}

	value = strings.TrimSpace(value)
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return name, i, nil
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return name, f, nil
	}
	return "", nil, fmt.Errorf("parameter %q value %q is not numeric: %w", name, value, domain.ErrConfigInvalid)
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}
