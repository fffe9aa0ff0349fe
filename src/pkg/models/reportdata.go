package models

import "time"

// ReportData represents the complete report of one tenant run
type ReportData struct {
	RunID     string        `json:"runId,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Tenant    TenantRequest `json:"tenant"`

	// Repository reconciliation (create command)
	Repository    string       `json:"repository,omitempty"`
	Branch        string       `json:"branch,omitempty"`
	BaseRef       string       `json:"baseRef,omitempty"`
	BranchCreated bool         `json:"branchCreated"`
	CommitSHA     string       `json:"commitSha,omitempty"`
	Committed     bool         `json:"committed"`
	ChangedPaths  []string     `json:"changedPaths,omitempty"`
	RenderedPaths []string     `json:"renderedPaths,omitempty"`
	PullRequest   *PullRequest `json:"pullRequest,omitempty"`

	// Unknown placeholder tokens left verbatim
	Warnings []RenderWarning `json:"warnings,omitempty"`

	// Policy guard findings that did not block the run
	PolicyWarnings []string `json:"policyWarnings,omitempty"`

	// Stage orchestration (provision command)
	Stages      []StageRun  `json:"stages,omitempty"`
	FinalOutput StageOutput `json:"finalOutput,omitempty"`
	Status      string      `json:"status,omitempty"`
}

const (
	RunStatusCompleted = "completed"
	RunStatusRejected  = "rejected"
	RunStatusFailed    = "failed"
)
