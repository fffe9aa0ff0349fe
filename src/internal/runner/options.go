package runner

import (
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/template"
)

const (
	RunModeGitHub = "github"
	RunModeLocal  = "local"
)

type GitCheckoutStrategy string

const (
	GitCheckoutStrategySparse  GitCheckoutStrategy = "sparse"
	GitCheckoutStrategyShallow GitCheckoutStrategy = "shallow"
)

const (
	ReportJSONFileName     = "report.json"
	ReportMarkdownFileName = "report.md"
)

type Options struct {
	// Run mode
	RunMode string // "github" or "local"
	Debug   bool   // Debug mode

	Tenant models.TenantRequest

	// Common options
	TemplateRepoPath              string // local copy of the repository holding the template directories
	Layout                        template.Layout
	TemplatesPath                 string // markdown template overrides
	PoliciesPath                  string // empty disables the policy guard
	OutputDir                     string
	EnableExportReport            bool
	EnableExportPerformanceReport bool
	MetricsPushgateway            string

	// GitHub mode options
	GhRepo              string
	BaseRef             string
	GitCheckoutStrategy GitCheckoutStrategy // used when TemplateRepoPath is empty

	// Provision options
	PipelineConfigPath string
	PrNumber           int    // pull request used by the comment gate and the summary comment
	ResumeRunID        string // reopen the gate of a persisted run instead of starting over
}

// Branch is the tenant head branch
func (o *Options) Branch() string {
	return o.Tenant.BranchName()
}
