package extraction

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigOverrides is the wire form of JobConfig accepted by the HTTP API, the
// CLI and YAML job files. Durations are milliseconds; unset fields keep the
// base value.
type ConfigOverrides struct {
	BatchSize           *int    `json:"batchSize,omitempty" yaml:"batchSize,omitempty"`
	Concurrency         *int    `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	PauseBetweenBatches *int64  `json:"pauseBetweenBatches,omitempty" yaml:"pauseBetweenBatches,omitempty"`
	MaxItems            *int    `json:"maxItems,omitempty" yaml:"maxItems,omitempty"`
	RequestsPerHour     *int    `json:"requestsPerHour,omitempty" yaml:"requestsPerHour,omitempty"`
	CooldownPeriodMs    *int64  `json:"cooldownPeriodMs,omitempty" yaml:"cooldownPeriodMs,omitempty"`
	MaxRetries          *int    `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	RetryBaseDelayMs    *int64  `json:"retryBaseDelayMs,omitempty" yaml:"retryBaseDelayMs,omitempty"`
	PerCallTimeoutMs    *int64  `json:"perCallTimeoutMs,omitempty" yaml:"perCallTimeoutMs,omitempty"`
	AttachmentDir       *string `json:"attachmentDir,omitempty" yaml:"attachmentDir,omitempty"`
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// Apply returns base with every set field replaced.
func (o *ConfigOverrides) Apply(base JobConfig) JobConfig {
	if o == nil {
		return base
	}
	cfg := base
	if o.BatchSize != nil {
		cfg.BatchSize = *o.BatchSize
	}
	if o.Concurrency != nil {
		cfg.Concurrency = *o.Concurrency
	}
	if o.PauseBetweenBatches != nil {
		cfg.PauseBetweenBatches = ms(*o.PauseBetweenBatches)
	}
	if o.MaxItems != nil {
		cfg.MaxItems = *o.MaxItems
	}
	if o.RequestsPerHour != nil {
		cfg.RequestsPerHour = *o.RequestsPerHour
	}
	if o.CooldownPeriodMs != nil {
		cfg.CooldownPeriod = ms(*o.CooldownPeriodMs)
	}
	if o.MaxRetries != nil {
		cfg.MaxRetries = *o.MaxRetries
	}
	if o.RetryBaseDelayMs != nil {
		cfg.RetryBaseDelay = ms(*o.RetryBaseDelayMs)
	}
	if o.PerCallTimeoutMs != nil {
		cfg.PerCallTimeout = ms(*o.PerCallTimeoutMs)
	}
	if o.AttachmentDir != nil {
		cfg.AttachmentDir = *o.AttachmentDir
	}
	return cfg
}

// JobFile is a YAML job definition used by the CLI.
type JobFile struct {
	JobID  string          `yaml:"jobId"`
	Config ConfigOverrides `yaml:"config"`
}

// LoadJobFile reads a YAML job definition and resolves it against base.
func LoadJobFile(path string, base JobConfig) (string, JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", JobConfig{}, fmt.Errorf("read job file: %w", err)
	}
	var f JobFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return "", JobConfig{}, fmt.Errorf("parse job file %s: %w", path, err)
	}
	cfg := f.Config.Apply(base)
	if err := cfg.Validate(); err != nil {
		return "", JobConfig{}, err
	}
	return f.JobID, cfg, nil
}
