package pipeline

import (
	"fmt"
	"os"
	"time"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/apperrors"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"gopkg.in/yaml.v3"
)

const (
	GateKindAuto        = "auto"
	GateKindInteractive = "interactive"
	GateKindComment     = "comment"

	StoreKindFile = "file"
	StoreKindS3   = "s3"

	DefaultStoreDir = ".tenantctl/runs"
)

// Config describes how each stage is executed, where outputs are kept and
// who approves. Example:
//
//	gate:
//	  kind: comment
//	  pollInterval: 30s
//	store:
//	  kind: s3
//	  bucket: tenant-runs
//	stages:
//	  network:
//	    command: ./scripts/network.sh
//	    timeout: 30m
type Config struct {
	Gate   GateConfig                    `yaml:"gate"`
	Store  StoreConfig                   `yaml:"store"`
	Stages map[models.Stage]*StageConfig `yaml:"stages"`
}

type GateConfig struct {
	Kind            string        `yaml:"kind"`
	Approver        string        `yaml:"approver,omitempty"` // auto gate only
	PollInterval    time.Duration `yaml:"pollInterval,omitempty"`
	MaxPollInterval time.Duration `yaml:"maxPollInterval,omitempty"`
	AllowedUsers    []string      `yaml:"allowedUsers,omitempty"` // comment gate only
}

type StoreConfig struct {
	Kind     string `yaml:"kind"`
	Dir      string `yaml:"dir,omitempty"`
	Bucket   string `yaml:"bucket,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

type StageConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

// LoadConfig reads and validates a pipeline config file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Gate.Kind == "" {
		c.Gate.Kind = GateKindInteractive
	}
	if c.Store.Kind == "" {
		c.Store.Kind = StoreKindFile
	}
	if c.Store.Kind == StoreKindFile && c.Store.Dir == "" {
		c.Store.Dir = DefaultStoreDir
	}
}

func (c *Config) Validate() error {
	switch c.Gate.Kind {
	case GateKindAuto, GateKindInteractive, GateKindComment:
	default:
		return apperrors.Validation("gate.kind", "unsupported gate kind %q", c.Gate.Kind)
	}
	switch c.Store.Kind {
	case StoreKindFile:
	case StoreKindS3:
		if c.Store.Bucket == "" {
			return apperrors.Validation("store.bucket", "is required for the s3 store")
		}
	default:
		return apperrors.Validation("store.kind", "unsupported store kind %q", c.Store.Kind)
	}

	known := map[models.Stage]bool{}
	for _, s := range DefaultStages {
		known[s] = true
		sc, ok := c.Stages[s]
		if !ok || sc == nil || sc.Command == "" {
			return apperrors.Validation("stages."+string(s), "command is required")
		}
		if sc.Timeout < 0 {
			return apperrors.Validation("stages."+string(s)+".timeout", "must not be negative")
		}
	}
	for s := range c.Stages {
		if !known[s] {
			return apperrors.Validation("stages", "unknown stage %q", s)
		}
	}
	return nil
}

// Actions builds one ExecAction per configured stage
func (c *Config) Actions() map[models.Stage]Action {
	actions := make(map[models.Stage]Action, len(c.Stages))
	for s, sc := range c.Stages {
		actions[s] = &ExecAction{
			Stage:   s,
			Command: sc.Command,
			Args:    sc.Args,
			Env:     sc.Env,
			Dir:     sc.Dir,
			Timeout: sc.Timeout,
		}
	}
	return actions
}
