package core

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Risk markers on an incoming patch that always trigger an immediate
// flag_developer decision, regardless of confidence or breaker state.
var RiskMarkerFields = []string{
	"database_schema_change",
	"authentication_bypass",
	"critical_security_vulnerability",
	"production_data_modification",
}

// MaxPatchBytes is the JSON-serialized size above which a patch is flagged
// for developer review without further evaluation.
const MaxPatchBytes = 1000

// BreakerConfig carries the DualBudgetBreaker's tunables.
type BreakerConfig struct {
	SyntaxMaxAttempts        int     `yaml:"syntax_max_attempts" env:"PATCHCORE_SYNTAX_MAX_ATTEMPTS" default:"3"`
	LogicMaxAttempts         int     `yaml:"logic_max_attempts" env:"PATCHCORE_LOGIC_MAX_ATTEMPTS" default:"10"`
	SyntaxErrorBudget        float64 `yaml:"syntax_error_budget" env:"PATCHCORE_SYNTAX_ERROR_BUDGET" default:"0.03"`
	LogicErrorBudget         float64 `yaml:"logic_error_budget" env:"PATCHCORE_LOGIC_ERROR_BUDGET" default:"0.10"`
	ImprovementWindow        int     `yaml:"improvement_window" env:"PATCHCORE_IMPROVEMENT_WINDOW" default:"3"`
	PromotionConfidenceFloor float64 `yaml:"promotion_confidence_floor" env:"PATCHCORE_PROMOTION_FLOOR" default:"0.85"`
}

// DefaultBreakerConfig returns the breaker's baseline tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		SyntaxMaxAttempts:        3,
		LogicMaxAttempts:         10,
		SyntaxErrorBudget:        0.03,
		LogicErrorBudget:         0.10,
		ImprovementWindow:        3,
		PromotionConfidenceFloor: 0.85,
	}
}

// CascadeConfig carries the CascadeDetector's tunables.
type CascadeConfig struct {
	MaxDepth int `yaml:"max_cascade_depth" env:"PATCHCORE_MAX_CASCADE_DEPTH" default:"10"`
}

func DefaultCascadeConfig() CascadeConfig {
	return CascadeConfig{MaxDepth: 10}
}

// BackoffConfig carries the BackoffCoordinator's tunables.
type BackoffConfig struct {
	MinMs          int64 `yaml:"min_ms" env:"PATCHCORE_BACKOFF_MIN_MS" default:"500"`
	MaxMs          int64 `yaml:"max_ms" env:"PATCHCORE_BACKOFF_MAX_MS" default:"30000"`
	MaxLinesChanged int  `yaml:"max_lines_changed" env:"PATCHCORE_MAX_LINES_CHANGED" default:"25"`
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{MinMs: 500, MaxMs: 30000, MaxLinesChanged: 25}
}

// MemoryConfig carries the MemoryStore's tunables.
type MemoryConfig struct {
	MaxSize int   `yaml:"max_size" env:"PATCHCORE_MEMORY_MAX_SIZE" default:"500"`
	TTLMs   int64 `yaml:"ttl_ms" env:"PATCHCORE_MEMORY_TTL_MS" default:"0"`
}

func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{MaxSize: 500, TTLMs: 0}
}

// ConfidenceConfig carries the ConfidenceScorer's tunables.
type ConfidenceConfig struct {
	Temperature        float64 `yaml:"temperature" env:"PATCHCORE_TEMPERATURE" default:"1.0"`
	CalibrationSamples int     `yaml:"calibration_samples" env:"PATCHCORE_CALIBRATION_SAMPLES" default:"1000"`
}

func DefaultConfidenceConfig() ConfidenceConfig {
	return ConfidenceConfig{Temperature: 1.0, CalibrationSamples: 1000}
}

// Config aggregates every subsystem's tunables plus ambient concerns
// (logging, service name). Three-layer precedence: defaults, then
// environment variables, then functional options passed to NewConfig.
// The env struct tags name a variable for each field, but NewConfig reads
// only PATCHCORE_SERVICE_NAME, PATCHCORE_LOG_FORMAT, PATCHCORE_DEBUG,
// PATCHCORE_SYNTAX_MAX_ATTEMPTS, PATCHCORE_LOGIC_MAX_ATTEMPTS,
// PATCHCORE_MAX_CASCADE_DEPTH and PATCHCORE_MEMORY_MAX_SIZE; the other
// tagged variables are not read.
type Config struct {
	ServiceName string `yaml:"service_name" env:"PATCHCORE_SERVICE_NAME" default:"patchcore"`
	LogFormat   string `yaml:"log_format" env:"PATCHCORE_LOG_FORMAT" default:"json"`
	Debug       bool   `yaml:"debug" env:"PATCHCORE_DEBUG" default:"false"`

	Breaker    BreakerConfig    `yaml:"breaker"`
	Cascade    CascadeConfig    `yaml:"cascade"`
	Backoff    BackoffConfig    `yaml:"backoff"`
	Memory     MemoryConfig     `yaml:"memory"`
	Confidence ConfidenceConfig `yaml:"confidence"`

	logger Logger
}

// Option configures a Config at construction time, overriding whatever the
// environment supplied.
type Option func(*Config)

func WithServiceName(name string) Option {
	return func(c *Config) { c.ServiceName = name }
}

func WithBreakerConfig(bc BreakerConfig) Option {
	return func(c *Config) { c.Breaker = bc }
}

func WithCascadeConfig(cc CascadeConfig) Option {
	return func(c *Config) { c.Cascade = cc }
}

func WithBackoffConfig(bc BackoffConfig) Option {
	return func(c *Config) { c.Backoff = bc }
}

func WithMemoryConfig(mc MemoryConfig) Option {
	return func(c *Config) { c.Memory = mc }
}

func WithConfidenceConfig(cc ConfidenceConfig) Option {
	return func(c *Config) { c.Confidence = cc }
}

func WithLogger(l Logger) Option {
	return func(c *Config) { c.logger = l }
}

// NewConfig builds a Config from defaults, layers environment variables on
// top, then applies opts in order.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		ServiceName: "patchcore",
		LogFormat:   "json",
		Debug:       false,
		Breaker:     DefaultBreakerConfig(),
		Cascade:     DefaultCascadeConfig(),
		Backoff:     DefaultBackoffConfig(),
		Memory:      DefaultMemoryConfig(),
		Confidence:  DefaultConfidenceConfig(),
		logger:      &NoOpLogger{},
	}
	c.applyEnv()
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PATCHCORE_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("PATCHCORE_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("PATCHCORE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
	if v := os.Getenv("PATCHCORE_SYNTAX_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.SyntaxMaxAttempts = n
		}
	}
	if v := os.Getenv("PATCHCORE_LOGIC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.LogicMaxAttempts = n
		}
	}
	if v := os.Getenv("PATCHCORE_MAX_CASCADE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cascade.MaxDepth = n
		}
	}
	if v := os.Getenv("PATCHCORE_MEMORY_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Memory.MaxSize = n
		}
	}
}

// Logger returns the configured logger, defaulting to NoOpLogger.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return &NoOpLogger{}
	}
	return c.logger
}

// LoadConfigFile unmarshals a YAML file into c after NewConfig has applied
// defaults, environment variables and options; values present in the file
// override whatever c held, and fields the file does not set keep their
// prior value.
func LoadConfigFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}
