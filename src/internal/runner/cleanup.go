package runner

import (
	"context"
	"fmt"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/apperrors"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/notify"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/placeholder"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/trace"
)

const (
	OnboardingWorkflowPath = ".github/workflows/onboarding_workflow.yml"

	cleanupSignature = "<!-- gitops-tenantctl-cleanup: %s -->"
)

// CleanupHost is the part of the repository API the cleanup needs
type CleanupHost interface {
	GetBranchSHA(ctx context.Context, branch string) (sha string, found bool, err error)
	ListTreeBlobs(ctx context.Context, commitSHA string) (map[string]string, error)
	CreateCommit(ctx context.Context, req models.CommitRequest) (string, error)
	FindOpenPR(ctx context.Context, head, base string) (*models.PullRequest, error)
	notify.CommentUpserter
}

// CleanupResult describes what the cleanup changed
type CleanupResult struct {
	Deleted     bool
	CommitSHA   string
	PullRequest *models.PullRequest
}

// RunnerCleanup removes the one-shot onboarding workflow from the tenant
// branch once provisioning is over
type RunnerCleanup struct {
	Context context.Context
	Options *Options
	host    CleanupHost
}

func NewRunnerCleanup(ctx context.Context, options *Options, host CleanupHost) (*RunnerCleanup, error) {
	if host == nil {
		return nil, fmt.Errorf("GitHub client is not initialized")
	}
	return &RunnerCleanup{Context: ctx, Options: options, host: host}, nil
}

// Process deletes the onboarding workflow in a single commit and leaves a
// note on the open pull request. A branch without the workflow is left alone.
func (r *RunnerCleanup) Process() (*CleanupResult, error) {
	ctx, span := trace.StartSpan(r.Context, "Cleanup")
	defer span.End()

	tenant := r.Options.Tenant.TenantName
	if err := placeholder.ValidateIdentifier("tenant_name", tenant); err != nil {
		return nil, err
	}
	branch := r.Options.Branch()
	lg := logger.WithField("branch", branch)
	lg.Info("Cleanup: starting...")

	tipSHA, found, err := r.host.GetBranchSHA(ctx, branch)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &apperrors.ConflictError{Resource: "branch " + branch, Reason: "tenant branch does not exist"}
	}

	result := &CleanupResult{CommitSHA: tipSHA}
	blobs, err := r.host.ListTreeBlobs(ctx, tipSHA)
	if err != nil {
		return nil, err
	}
	if _, ok := blobs[OnboardingWorkflowPath]; !ok {
		lg.WithField("path", OnboardingWorkflowPath).Info("Onboarding workflow already removed, skipping commit")
	} else {
		sha, err := r.host.CreateCommit(ctx, models.CommitRequest{
			Branch:    branch,
			ParentSHA: tipSHA,
			Message:   "Remove onboarding workflow for tenant " + tenant,
			Changes:   []models.FileChange{{Path: OnboardingWorkflowPath, Delete: true}},
		})
		if err != nil {
			return nil, err
		}
		result.Deleted = true
		result.CommitSHA = sha
	}

	pr, err := r.host.FindOpenPR(ctx, branch, r.Options.BaseRef)
	if err != nil {
		return nil, err
	}
	result.PullRequest = pr
	if pr == nil {
		lg.Warn("No open pull request for the tenant branch, skipping comment")
	} else {
		sink := &notify.PRCommentSink{Client: r.host, PR: pr.Number, Signature: CleanupSignature}
		body := fmt.Sprintf("%s\n\nOnboarding workflow `%s` removed from `%s` (commit `%s`).",
			CleanupSignature(tenant), OnboardingWorkflowPath, branch, result.CommitSHA)
		if err := sink.Send(ctx, notify.Message{Tenant: tenant, Status: models.RunStatusCompleted, Body: body}); err != nil {
			return nil, err
		}
	}

	lg.WithField("deleted", result.Deleted).Info("Cleanup: done.")
	return result, nil
}

// CleanupSignature marks the cleanup comment of a tenant
func CleanupSignature(tenant string) string {
	return fmt.Sprintf(cleanupSignature, tenant)
}
