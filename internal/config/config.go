// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/FairForge/rebel/internal/scenario"
)

type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Upload    UploadConfig    `yaml:"upload"`
	Execution ExecutionConfig `yaml:"execution"`
	Load      LoadConfig      `yaml:"load"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type RemoteConfig struct {
	CASAddress   string        `yaml:"cas_address"`
	ExecAddress  string        `yaml:"exec_address"` // empty = same as cas_address
	InstanceName string        `yaml:"instance_name"`
	TLS          bool          `yaml:"tls"`
	CAFile       string        `yaml:"ca_file"`
	Token        string        `yaml:"token"`
	TokenFile    string        `yaml:"token_file"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

type UploadConfig struct {
	MaxBatchSize        Size        `yaml:"max_batch_size"`
	Compressor          string      `yaml:"compressor"`
	ByteStream          bool        `yaml:"bytestream"`
	ByteStreamChunkSize Size        `yaml:"bytestream_chunk_size"`
	DigestCacheSize     int64       `yaml:"digest_cache_size"` // 0 = re-upload everything
	Retry               RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       bool          `yaml:"jitter"`
}

type ExecutionConfig struct {
	SkipCacheLookup bool          `yaml:"skip_cache_lookup"`
	DoNotCache      bool          `yaml:"do_not_cache"`
	Timeout         time.Duration `yaml:"timeout"` // action timeout sent to the server
	WaitAttempts    int           `yaml:"wait_attempts"`
	// Platform properties requested from the workers, e.g. OSFamily: linux.
	Platform map[string]string `yaml:"platform"`
}

type LoadConfig struct {
	Scenario         string        `yaml:"scenario"`
	Concurrency      int           `yaml:"concurrency"`
	Iterations       int64         `yaml:"iterations"`
	Duration         time.Duration `yaml:"duration"`
	TargetRPS        float64       `yaml:"target_rps"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	InputDir         string        `yaml:"input_dir"`
	BlobSize         Size          `yaml:"blob_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the listener
}

// Size is a byte count that also accepts strings like "4MiB".
type Size int64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	n, err := ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = n
	return nil
}

// ParseSize parses a plain or human readable byte count.
func ParseSize(v string) (Size, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", v, err)
	}
	return Size(n), nil
}

func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{
			CASAddress:   "[::1]:8980",
			InstanceName: "remote-execution",
			DialTimeout:  10 * time.Second,
		},
		Upload: UploadConfig{
			MaxBatchSize:        4 << 20,
			Compressor:          "identity",
			ByteStream:          true,
			ByteStreamChunkSize: 64 << 10,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Jitter:       true,
			},
		},
		Execution: ExecutionConfig{
			DoNotCache:   true,
			WaitAttempts: 3,
		},
		Load: LoadConfig{
			Scenario:         scenario.Default,
			Concurrency:      10,
			ExecutionTimeout: 5 * time.Minute,
			BlobSize:         scenario.DefaultBlobSize,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path on top of the defaults and applies REBEL_* overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	if err := validateSchema(data); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// ExecEndpoint returns the execution endpoint, falling back to the CAS.
func (r RemoteConfig) ExecEndpoint() string {
	if r.ExecAddress != "" {
		return r.ExecAddress
	}
	return r.CASAddress
}

// CompressorValue maps the configured name to the wire enum.
func (u UploadConfig) CompressorValue() (repb.Compressor_Value, error) {
	switch strings.ToLower(u.Compressor) {
	case "", "identity", "none":
		return repb.Compressor_IDENTITY, nil
	case "zstd":
		return repb.Compressor_ZSTD, nil
	default:
		return 0, fmt.Errorf("unknown compressor %q", u.Compressor)
	}
}

// Validate checks semantic constraints the schema cannot express.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Remote.CASAddress == "" {
		add("remote.cas_address is required")
	}
	if c.Remote.Token != "" && c.Remote.TokenFile != "" {
		add("remote.token and remote.token_file are mutually exclusive")
	}
	if (c.Remote.Token != "" || c.Remote.TokenFile != "") && !c.Remote.TLS {
		add("remote.token requires remote.tls")
	}
	if c.Remote.DialTimeout < 0 {
		add("remote.dial_timeout must not be negative")
	}

	if c.Upload.MaxBatchSize <= 0 {
		add("upload.max_batch_size must be positive")
	}
	if c.Upload.ByteStreamChunkSize <= 0 {
		add("upload.bytestream_chunk_size must be positive")
	}
	if _, err := c.Upload.CompressorValue(); err != nil {
		add("upload.compressor: %v", err)
	}
	if c.Upload.DigestCacheSize < 0 {
		add("upload.digest_cache_size must not be negative")
	}
	if c.Upload.Retry.MaxAttempts < 1 {
		add("upload.retry.max_attempts must be at least 1")
	}
	if c.Upload.Retry.InitialDelay < 0 || c.Upload.Retry.MaxDelay < 0 {
		add("upload.retry delays must not be negative")
	}

	if c.Execution.Timeout < 0 {
		add("execution.timeout must not be negative")
	}
	if c.Execution.WaitAttempts < 0 {
		add("execution.wait_attempts must not be negative")
	}
	if _, ok := c.Execution.Platform[""]; ok {
		add("execution.platform has an empty property name")
	}

	if c.Load.Concurrency < 1 {
		add("load.concurrency must be positive, got %d", c.Load.Concurrency)
	}
	if c.Load.Iterations < 0 || c.Load.Duration < 0 || c.Load.TargetRPS < 0 || c.Load.ExecutionTimeout < 0 {
		add("load.iterations, duration, target_rps and execution_timeout must not be negative")
	}
	if !scenario.Known(c.Load.Scenario) {
		add("load.scenario %q is not one of %v", c.Load.Scenario, scenario.Names())
	}
	if c.Load.Scenario == "dir" && c.Load.InputDir == "" {
		add("load.input_dir is required by the dir scenario")
	}
	if c.Load.BlobSize < 0 {
		add("load.blob_size must not be negative")
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format must be json or console, got %q", c.Log.Format)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
