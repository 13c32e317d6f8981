package qcflow

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigVersion is the version of the pipeline configuration format.
	ConfigVersion = "1.0.0"
)

// PipelineConfig holds the parsed configuration of one pipeline.
type PipelineConfig struct {
	Version  string         `yaml:"version"             validate:"required"`
	Name     string         `yaml:"pipeline_name"       validate:"required"`
	Entry    string         `yaml:"entry"               validate:"required"`
	Composer ComposerConfig `yaml:"composer,omitempty"`
	Blocks   []BlockConfig  `yaml:"blocks"              validate:"required,min=1"`
	Metrics  MetricsConfig  `yaml:"metrics,omitempty"`
	Tracing  TracingConfig  `yaml:"tracing,omitempty"`
}

// ComposerConfig configures the ResultComposer of the pipeline.
type ComposerConfig struct {
	MaxDuration  time.Duration `yaml:"max_duration,omitempty"`  // Age after which a piece is reaped, default one minute
	ReapInterval time.Duration `yaml:"reap_interval,omitempty"` // Period of the reaper, zero disables it
}

// MetricsType selects the metrics backend.
type MetricsType string

const (
	// MetricsTypeNoop discards metrics.
	MetricsTypeNoop MetricsType = "noop"
	// MetricsTypeLogging writes metrics to the pipeline logger.
	MetricsTypeLogging MetricsType = "logging"
	// MetricsTypePrometheus exposes metrics on a Prometheus registry.
	MetricsTypePrometheus MetricsType = "prometheus"
)

// MetricsConfig holds the configuration for metrics in a pipeline.
type MetricsConfig struct {
	Enabled   bool        `yaml:"enabled"`
	Type      MetricsType `yaml:"type"                validate:"omitempty,oneof=noop logging prometheus"`
	Namespace string      `yaml:"namespace,omitempty"`
	Listen    string      `yaml:"listen,omitempty"` // Address the CLI serves /metrics on, e.g. ":9090"
}

// TracingType selects the tracing backend.
type TracingType string

const (
	// TracingTypeNoop records nothing.
	TracingTypeNoop TracingType = "noop"
	// TracingTypeOTLP exports spans over OTLP/gRPC.
	TracingTypeOTLP TracingType = "otlp"
)

// TracingConfig holds the configuration for tracing in a pipeline.
type TracingConfig struct {
	Enabled  bool        `yaml:"enabled"`
	Type     TracingType `yaml:"type"               validate:"omitempty,oneof=noop otlp"`
	Endpoint string      `yaml:"endpoint,omitempty"`
	Insecure bool        `yaml:"insecure,omitempty"`
}

// BlockConfigurer is implemented by every kind-specific properties struct.
type BlockConfigurer interface {
	// IsBlockConfigurer is a marker method to make the interface explicit.
	IsBlockConfigurer()
}

// BlockConfig holds the configuration of one block.
type BlockConfig struct {
	Name        string          `yaml:"name"                  validate:"required"`
	Kind        string          `yaml:"kind"                  validate:"required,oneof=one_to_one one_to_many sink buffer broadcast join"`
	Capacity    int             `yaml:"capacity,omitempty"    validate:"gte=0"`
	Parallelism int             `yaml:"parallelism,omitempty" validate:"gte=0"`
	Next        []string        `yaml:"next,omitempty"`
	Properties  BlockConfigurer `yaml:"properties,omitempty"` // Kind-specific properties, unmarshaled based on Kind
}

// FunctionProperties configures the blocks executing an inspection function.
type FunctionProperties struct {
	Function        string                `yaml:"function"                  validate:"required"` // Registered function name
	IncludeInResult *bool                 `yaml:"include_in_result,omitempty"`                   // Default true
	RateLimit       float64               `yaml:"rate_limit,omitempty"      validate:"gte=0"`    // Executions per second, zero is unlimited
	Burst           int                   `yaml:"burst,omitempty"           validate:"gte=0"`
	Expand          string                `yaml:"expand,omitempty"`                              // one_to_many only: registered expand policy
	Tracing         bool                  `yaml:"tracing,omitempty"`                             // Wrap the function in its own span
	Metrics         bool                  `yaml:"metrics,omitempty"`                             // Report the function under its own name
	CircuitBreaker  *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`
	Retry           *RetryConfig          `yaml:"retry,omitempty"`
	Timeout         time.Duration         `yaml:"timeout,omitempty"`                             // Per-execution deadline, zero is none
}

// IsBlockConfigurer is a marker method to make FunctionProperties implement BlockConfigurer interface.
func (f *FunctionProperties) IsBlockConfigurer() {}

// CircuitBreakerConfig guards a function with a CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"           validate:"gt=0"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	SuccessThreshold int           `yaml:"success_threshold,omitempty" validate:"gte=0"`
	HalfOpenMax      int           `yaml:"half_open_max,omitempty"     validate:"gte=0"`
}

// RetryConfig re-executes a failing function.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"          validate:"gt=0"`
	Backoff     time.Duration `yaml:"backoff,omitempty"`     // Delay before the second attempt
	MaxBackoff  time.Duration `yaml:"max_backoff,omitempty"` // Non-zero enables exponential backoff capped at this value
}

// JoinProperties configures a join block.
type JoinProperties struct {
	Expected int `yaml:"expected,omitempty" validate:"gte=0"` // Zero waits for one message per incoming link
}

// IsBlockConfigurer is a marker method to make JoinProperties implement BlockConfigurer interface.
func (j *JoinProperties) IsBlockConfigurer() {}

// UnmarshalYAML decodes the properties according to the block kind.
func (bc *BlockConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name        string    `yaml:"name"`
		Kind        string    `yaml:"kind"`
		Capacity    int       `yaml:"capacity"`
		Parallelism int       `yaml:"parallelism"`
		Next        []string  `yaml:"next"`
		Properties  yaml.Node `yaml:"properties"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	bc.Name = raw.Name
	bc.Kind = raw.Kind
	bc.Capacity = raw.Capacity
	bc.Parallelism = raw.Parallelism
	bc.Next = raw.Next

	var props BlockConfigurer
	switch raw.Kind {
	case "one_to_one", "one_to_many", "sink":
		props = &FunctionProperties{}
	case "join":
		props = &JoinProperties{}
	case "buffer", "broadcast":
		bc.Properties = nil
		return nil
	default:
		return fmt.Errorf("unsupported block kind '%s' for block '%s'", raw.Kind, raw.Name)
	}

	if raw.Properties.IsZero() {
		// A join may omit its properties; function kinds are rejected by validate.
		if _, isJoin := props.(*JoinProperties); isJoin {
			bc.Properties = props
		} else {
			bc.Properties = nil
		}
		return nil
	}
	if err := raw.Properties.Decode(props); err != nil {
		return fmt.Errorf("failed to unmarshal properties for block '%s' (kind %s): %w", raw.Name, raw.Kind, err)
	}
	bc.Properties = props
	return nil
}

// Validate checks the configuration using struct tags, then the graph references.
func (pc *PipelineConfig) Validate() error {
	validate := validator.New()

	if err := validate.Struct(pc); err != nil {
		return NewConfigError("pipeline", err)
	}

	names := make(map[string]bool, len(pc.Blocks))
	for i := range pc.Blocks {
		block := &pc.Blocks[i]
		if err := block.validate(validate); err != nil {
			return NewConfigError(fmt.Sprintf("blocks[%d] (%s)", i, block.Name), err)
		}
		if names[block.Name] {
			return NewConfigError(fmt.Sprintf("blocks[%d]", i), fmt.Errorf("duplicate block name %q", block.Name))
		}
		names[block.Name] = true
	}

	if !names[pc.Entry] {
		return NewConfigError("entry", fmt.Errorf("unknown block %q", pc.Entry))
	}
	for i, block := range pc.Blocks {
		for _, next := range block.Next {
			if !names[next] {
				return NewConfigError(fmt.Sprintf("blocks[%d].next", i), fmt.Errorf("unknown block %q", next))
			}
		}
	}

	if pc.Composer.MaxDuration < 0 || pc.Composer.ReapInterval < 0 {
		return NewConfigError("composer", errors.New("durations must not be negative"))
	}
	if pc.Tracing.Enabled && pc.Tracing.Type == TracingTypeOTLP && pc.Tracing.Endpoint == "" {
		return NewConfigError("tracing.endpoint", errors.New("required for otlp tracing"))
	}
	return nil
}

func (bc *BlockConfig) validate(validate *validator.Validate) error {
	if err := validate.Struct(bc); err != nil {
		return err
	}

	switch props := bc.Properties.(type) {
	case *FunctionProperties:
		if err := validate.Struct(props); err != nil {
			return fmt.Errorf("invalid properties: %w", err)
		}
		if props.Expand != "" && bc.Kind != "one_to_many" {
			return errors.New("expand is only valid for one_to_many blocks")
		}
		if bc.Kind == "sink" && len(bc.Next) > 0 {
			return errors.New("a sink block cannot have successors")
		}
		if props.CircuitBreaker != nil {
			if err := validate.Struct(props.CircuitBreaker); err != nil {
				return fmt.Errorf("invalid circuit_breaker: %w", err)
			}
			if props.CircuitBreaker.ResetTimeout <= 0 {
				return errors.New("circuit_breaker.reset_timeout must be positive")
			}
		}
		if props.Retry != nil {
			if err := validate.Struct(props.Retry); err != nil {
				return fmt.Errorf("invalid retry: %w", err)
			}
			if props.Retry.Backoff < 0 || props.Retry.MaxBackoff < 0 {
				return errors.New("retry backoff must not be negative")
			}
		}
		if props.Timeout < 0 {
			return errors.New("timeout must not be negative")
		}
	case *JoinProperties:
		if err := validate.Struct(props); err != nil {
			return fmt.Errorf("invalid properties: %w", err)
		}
	case nil:
		if bc.Kind != "buffer" && bc.Kind != "broadcast" {
			return fmt.Errorf("properties are required for %s blocks", bc.Kind)
		}
	}
	return nil
}

// ParsePipelineConfig decodes and validates a YAML pipeline configuration.
func ParsePipelineConfig(data []byte) (*PipelineConfig, error) {
	var config PipelineConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, NewConfigError("yaml", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadPipelineConfig reads a YAML pipeline configuration from r.
func LoadPipelineConfig(r io.Reader) (*PipelineConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pipeline configuration: %w", err)
	}
	return ParsePipelineConfig(data)
}

// LoadPipelineConfigFromFile reads a YAML pipeline configuration file.
func LoadPipelineConfigFromFile(path string) (*PipelineConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pipeline configuration: %w", err)
	}
	defer f.Close()
	return LoadPipelineConfig(f)
}
