package models

import "time"

// ComplianceConfig represents the tenant guardrail configuration
// - Policies: id -> PolicyConfig
// - PolicyIDs: ordered list of policy IDs (sorted on load)
type ComplianceConfig struct {
	Policies  map[string]PolicyConfig `yaml:"policies"`
	PolicyIDs []string                `yaml:"-"` // Not in YAML, populated during load
}

// PolicyConfig represents a single rego policy evaluated against a TenantRequest
type PolicyConfig struct {
	Name         string            `yaml:"name"`
	Description  string            `yaml:"description"`
	Type         string            `yaml:"type"` // "opa" only for now
	FilePath     string            `yaml:"filePath"`
	Query        string            `yaml:"query,omitempty"` // defaults to data.<package>.deny
	ExternalLink string            `yaml:"externalLink,omitempty"`
	Enforcement  EnforcementConfig `yaml:"enforcement"`
}

// EnforcementConfig defines when and how a policy should be enforced
type EnforcementConfig struct {
	InEffectAfter   *time.Time `yaml:"inEffectAfter,omitempty"`
	IsWarningAfter  *time.Time `yaml:"isWarningAfter,omitempty"`
	IsBlockingAfter *time.Time `yaml:"isBlockingAfter,omitempty"`
}

// PolicyResult is the outcome of one policy against one request
type PolicyResult struct {
	PolicyId     string   `json:"policyId"`
	PolicyName   string   `json:"policyName"`
	Level        string   `json:"level"`
	ExternalLink string   `json:"externalLink,omitempty"`
	FailMessages []string `json:"failMessages"`
}

func (p PolicyResult) IsPassing() bool {
	return len(p.FailMessages) == 0
}
