package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
	MaxBatchItems  int    `yaml:"max_batch_items"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
	ProgressEvery  int    `yaml:"progress_every"`
}

type Policy struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type Limits struct {
	// Default is the per-API-key admission policy at the HTTP edge.
	Default Policy `yaml:"default"`
	// Keys overrides Default for individual key IDs.
	Keys map[string]Policy `yaml:"keys"`
	// Providers overrides the built-in outbound provider table.
	Providers map[string]Policy `yaml:"providers"`
}

type APIKey struct {
	ID       string            `yaml:"id"`
	Secret   string            `yaml:"secret"`
	Metadata map[string]string `yaml:"metadata"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

type Executor struct {
	Provider  string `yaml:"provider"`
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// Batch configures the scheduler. RequestsPerMinute overrides the
// provider's RPM; zero keeps it.
type Batch struct {
	Concurrency       int  `yaml:"concurrency"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	MaxRetries        *int `yaml:"max_retries"` // nil means 3; 0 disables retries
	RetryDelayMS      int  `yaml:"retry_delay_ms"`
	AbortOnError      bool `yaml:"abort_on_error"`
	UnsupportedFatal  bool `yaml:"unsupported_fatal"`
}

type Interval struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Auth          Auth          `yaml:"auth"`
	Limits        Limits        `yaml:"limits"`
	Executor      Executor      `yaml:"executor"`
	Batch         Batch         `yaml:"batch"`
	Interval      Interval      `yaml:"interval"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout defaults high: a batch response is written only after every
// task settled.
func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Minute
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 10 << 20
	}
	return s.MaxBodyBytes
} // default 10MB

func (e Executor) Timeout() time.Duration {
	return time.Duration(e.TimeoutMS) * time.Millisecond
}

func (b Batch) RetryDelay() time.Duration {
	return time.Duration(b.RetryDelayMS) * time.Millisecond
}

func (b Batch) Retries() int {
	if b.MaxRetries == nil {
		return 3
	}
	return *b.MaxRetries
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML and fills defaults. Unknown fields are rejected.
func Parse(b []byte) (*Root, error) {
	var cfg Root
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxBatchItems <= 0 {
		cfg.Server.MaxBatchItems = 1000
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Observability.ProgressEvery <= 0 {
		cfg.Observability.ProgressEvery = 1
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
	if cfg.Limits.Default.RequestsPerMinute <= 0 {
		cfg.Limits.Default.RequestsPerMinute = 60
	}
	if cfg.Limits.Default.Burst <= 0 {
		cfg.Limits.Default.Burst = 30
	}
	if cfg.Executor.TimeoutMS <= 0 {
		cfg.Executor.TimeoutMS = 30000
	}
	if cfg.Batch.Concurrency <= 0 {
		cfg.Batch.Concurrency = 3
	}
	if cfg.Batch.RetryDelayMS <= 0 {
		cfg.Batch.RetryDelayMS = 1000
	}
	if cfg.Interval.RequestsPerMinute <= 0 {
		cfg.Interval.RequestsPerMinute = 60
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Root) validate() error {
	if c.Batch.MaxRetries != nil && *c.Batch.MaxRetries < 0 {
		return fmt.Errorf("config: batch.max_retries must be >= 0, got %d", *c.Batch.MaxRetries)
	}
	seen := make(map[string]bool, len(c.Auth.Keys))
	for i, k := range c.Auth.Keys {
		if k.ID == "" || k.Secret == "" {
			return fmt.Errorf("config: auth.keys[%d] needs id and secret", i)
		}
		if seen[k.ID] {
			return fmt.Errorf("config: duplicate auth key id %q", k.ID)
		}
		seen[k.ID] = true
	}
	for name, p := range c.Limits.Providers {
		if p.RequestsPerMinute < 0 || p.Burst < 0 {
			return fmt.Errorf("config: limits.providers.%s must not be negative", name)
		}
	}
	return nil
}
