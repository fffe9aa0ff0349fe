package runner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/github"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/metrics"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/notify"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/policy"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/reconcile"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/template"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/trace"
)

// Host is the repository API the GitHub runner drives
type Host interface {
	reconcile.Host
	notify.CommentUpserter
}

// Checkouter fetches the template directories when no local copy is given
type Checkouter interface {
	CheckoutAtPath(ctx context.Context, repo, branch, path, strategy string) (string, error)
}

var (
	_ Host        = (*github.Repository)(nil)
	_ CleanupHost = (*github.Repository)(nil)
	_ Checkouter  = (*github.Client)(nil)
)

type RunnerGitHub struct {
	RunnerBase

	options    *Options
	host       Host
	checkouter Checkouter
	reconciler *reconcile.Reconciler
}

var _ RunnerInterface = (*RunnerGitHub)(nil)

func NewRunnerGitHub(
	ctx context.Context,
	options *Options,
	host Host,
	checkouter Checkouter,
	evaluator policy.GuardInterface,
	renderer *template.Renderer,
	recorder *metrics.Recorder,
) (*RunnerGitHub, error) {
	if host == nil {
		return nil, fmt.Errorf("GitHub client is not initialized")
	}
	baseRunner, err := NewRunnerBase(ctx, options, evaluator, renderer, recorder)
	if err != nil {
		return nil, err
	}
	runner := &RunnerGitHub{
		RunnerBase: *baseRunner,
		options:    options,
		host:       host,
		checkouter: checkouter,
		reconciler: reconcile.NewReconciler(host),
	}
	return runner, nil
}

func (r *RunnerGitHub) Initialize() error {
	lg := logger.WithField("func", "RunnerGitHub.Initialize()")
	lg.Info("Initializing runner: starting...")

	if r.options.TemplateRepoPath == "" && r.checkouter == nil {
		return fmt.Errorf("either a template repository path or a checkout client is required")
	}
	if runID := os.Getenv("GITHUB_RUN_ID"); runID != "" {
		if url, err := workflowRunURL(r.options.GhRepo, runID); err == nil {
			lg.WithField("workflowRun", url).Info("Running inside GitHub Actions")
		}
	}

	lg.Info("Initializing runner: done.")
	return r.RunnerBase.Initialize()
}

func (r *RunnerGitHub) Process() error {
	ctx, span := trace.StartSpan(r.Context, "Process")
	defer span.End()

	logger.Info("Process: starting...")

	policyWarnings, err := r.Guard()
	if err != nil {
		return err
	}

	repo, cleanup, err := r.templateSource(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	tree, err := r.Render(repo)
	if err != nil {
		return err
	}

	reportData := r.newReportData(tree, policyWarnings)
	commitMessage, err := r.Renderer.RenderCommitMessage(&reportData)
	if err != nil {
		return err
	}
	body, err := r.Renderer.RenderPRBody(&reportData)
	if err != nil {
		return err
	}

	pr, result, err := r.reconciler.Reconcile(ctx, reconcile.Request{
		Branch:        r.options.Branch(),
		BaseRef:       r.options.BaseRef,
		Tree:          tree,
		Title:         template.PRTitle(r.options.Tenant.TenantName),
		Body:          body,
		CommitMessage: commitMessage,
	})
	if err != nil {
		r.Metrics.RecordReconcile(metrics.ReconcileResultError)
		return err
	}
	if result.Committed {
		r.Metrics.RecordReconcile(metrics.ReconcileResultCommitted)
	} else {
		r.Metrics.RecordReconcile(metrics.ReconcileResultUnchanged)
	}

	reportData.PullRequest = pr
	reportData.BranchCreated = result.BranchCreated
	reportData.Committed = result.Committed
	reportData.CommitSHA = result.CommitSHA
	reportData.ChangedPaths = result.ChangedPaths
	reportData.Status = models.RunStatusCompleted

	return r.Output(&reportData)
}

func (r *RunnerGitHub) Output(data *models.ReportData) error {
	_, span := trace.StartSpan(r.Context, "Output")
	defer span.End()

	logger.Info("Output: starting...")
	if err := r.outputReportJson(data); err != nil {
		return err
	}
	if err := r.outputGitHubComment(data); err != nil {
		return err
	}
	r.pushMetrics()
	logger.Info("Output: done.")
	return nil
}

// Post the summary comment to the tenant pull request
func (r *RunnerGitHub) outputGitHubComment(data *models.ReportData) error {
	logger.Info("OutputGitHubComment: starting...")
	if data.PullRequest == nil {
		logger.Warn("OutputGitHubComment: no pull request, skipping")
		return nil
	}

	body, err := r.Renderer.RenderSummary(data)
	if err != nil {
		logger.WithField("error", err).Error("Failed to render markdown template")
		return err
	}
	logger.WithField("renderedMarkdown", body).Debug("Rendered markdown")

	sink := &notify.PRCommentSink{Client: r.host, PR: data.PullRequest.Number, Signature: template.Signature}
	return sink.Send(r.Context, notify.Message{
		Tenant: data.Tenant.TenantName,
		Status: data.Status,
		Body:   body,
	})
}

// templateSource returns the repository holding the template directories,
// checking out the base ref when no local copy was given
func (r *RunnerGitHub) templateSource(ctx context.Context) (fs.FS, func(), error) {
	if r.options.TemplateRepoPath != "" {
		return os.DirFS(r.options.TemplateRepoPath), func() {}, nil
	}

	_, span := trace.StartSpan(ctx, "GitCheckout.Base")
	defer span.End()

	path := sparsePath(r.options.Layout)
	strategy := r.options.GitCheckoutStrategy
	if path == "" {
		strategy = GitCheckoutStrategyShallow
	}
	logger.WithField("repo", r.options.GhRepo).WithField("ref", r.options.BaseRef).WithField("path", path).Info("Checking out templates")
	dir, err := r.checkouter.CheckoutAtPath(ctx, r.options.GhRepo, r.options.BaseRef, path, string(strategy))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to checkout base ref: %w", err)
	}
	cleanup := func() {
		// dir lives inside the temp directory created for the checkout
		_ = os.RemoveAll(filepath.Dir(dir))
	}
	return os.DirFS(dir), cleanup, nil
}

// sparsePath is the deepest directory holding both template directories, or
// "" when they only share the repository root
func sparsePath(l template.Layout) string {
	a := strings.Split(l.TenantTemplateDir, "/")
	b := strings.Split(l.WorkflowTemplateDir, "/")
	var common []string
	for i := 0; i < len(a) && i < len(b) && a[i] == b[i]; i++ {
		common = append(common, a[i])
	}
	return strings.Join(common, "/")
}

func workflowRunURL(repo, runID string) (string, error) {
	var id int
	if _, err := fmt.Sscanf(runID, "%d", &id); err != nil {
		return "", err
	}
	return github.GetWorkflowRunUrl(repo, id)
}
