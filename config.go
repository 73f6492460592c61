package obstools

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Dig-Doug/observation-tools-client/internal/queue"
	obshttp "github.com/Dig-Doug/observation-tools-client/transport/http"
)

// Environment variables read by Config.ApplyEnv.
const (
	EnvProjectID = "OBS_TOOLS_PROJECT_ID"
	EnvAPIHost   = "OBS_TOOLS_API_HOST"
	EnvUIHost    = "OBS_TOOLS_UI_HOST"
	EnvToken     = "OBS_TOOLS_TOKEN"
	EnvWorkers   = "OBS_TOOLS_WORKERS"
)

// Config is the declarative form of the client options, as loaded from a
// YAML file. Zero fields keep the client defaults.
//
//	project_id: my-project
//	api_host: https://api.observation.tools
//	compression: zstd
//	queue:
//	  workers: 4
//	  capacity: 4096
//	  overflow: fail-fast
//	retry:
//	  max_attempts: 8
//	  initial_interval: 250ms
//	  max_interval: 10s
//	shutdown_timeout: 2m
type Config struct {
	ProjectID       string      `yaml:"project_id"`
	APIHost         string      `yaml:"api_host"`
	UIHost          string      `yaml:"ui_host"`
	Token           string      `yaml:"token"`
	Compression     string      `yaml:"compression"`
	SendTimeout     Duration    `yaml:"send_timeout"`
	ShutdownTimeout Duration    `yaml:"shutdown_timeout"`
	Queue           QueueConfig `yaml:"queue"`
	Retry           RetryConfig `yaml:"retry"`
}

// QueueConfig configures the upload queue.
type QueueConfig struct {
	Workers  int    `yaml:"workers"`
	Capacity int    `yaml:"capacity"`
	Overflow string `yaml:"overflow"`
}

// RetryConfig configures retries of transient failures.
type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	MaxElapsed      Duration `yaml:"max_elapsed"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// LoadConfig reads a YAML config file. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes YAML config data. Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from OBS_TOOLS_* environment variables that are
// set and non-empty.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvProjectID, &c.ProjectID)
	set(EnvAPIHost, &c.APIHost)
	set(EnvUIHost, &c.UIHost)
	set(EnvToken, &c.Token)

	if v, ok := lookup(EnvWorkers); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, EnvWorkers, err)
		}
		c.Queue.Workers = n
	}
	return nil
}

// Options converts the config into client options.
func (c *Config) Options() ([]Option, error) {
	var opts []Option
	if c.APIHost != "" {
		opts = append(opts, WithEndpoint(c.APIHost))
	}
	if c.UIHost != "" {
		opts = append(opts, WithUIHost(c.UIHost))
	}
	if c.Token != "" {
		opts = append(opts, WithToken(c.Token))
	}
	if c.Compression != "" {
		comp, err := obshttp.ParseCompression(c.Compression)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		opts = append(opts, WithCompression(comp))
	}
	if c.SendTimeout != 0 {
		opts = append(opts, WithSendTimeout(time.Duration(c.SendTimeout)))
	}
	if c.ShutdownTimeout != 0 {
		opts = append(opts, WithShutdownTimeout(time.Duration(c.ShutdownTimeout)))
	}

	if c.Queue.Workers != 0 {
		opts = append(opts, WithWorkers(c.Queue.Workers))
	}
	if c.Queue.Capacity != 0 {
		opts = append(opts, WithQueueCapacity(c.Queue.Capacity))
	}
	if c.Queue.Overflow != "" {
		p, err := queue.ParseOverflowPolicy(c.Queue.Overflow)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		opts = append(opts, WithOverflowPolicy(p))
	}

	if c.Retry != (RetryConfig{}) {
		p := DefaultRetryPolicy()
		if c.Retry.MaxAttempts != 0 {
			p.MaxAttempts = c.Retry.MaxAttempts
		}
		if c.Retry.InitialInterval != 0 {
			p.InitialInterval = time.Duration(c.Retry.InitialInterval)
		}
		if c.Retry.MaxInterval != 0 {
			p.MaxInterval = time.Duration(c.Retry.MaxInterval)
		}
		if c.Retry.MaxElapsed != 0 {
			p.MaxElapsed = time.Duration(c.Retry.MaxElapsed)
		}
		opts = append(opts, WithRetryPolicy(p))
	}
	return opts, nil
}

// NewClientFromConfig creates a client from cfg. extra options are applied
// after the config, so they take precedence.
func NewClientFromConfig(cfg *Config, extra ...Option) (*Client, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	return NewClient(cfg.ProjectID, append(opts, extra...)...)
}
