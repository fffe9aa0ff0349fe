package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/metrics"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/policy"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/template"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/trace"
)

// RunnerLocal renders the tenant into the output directory without touching
// any remote repository
type RunnerLocal struct {
	RunnerBase
}

// make RunnerLocal implement RunnerInterface
var _ RunnerInterface = (*RunnerLocal)(nil)

func NewRunnerLocal(
	ctx context.Context,
	options *Options,
	evaluator policy.GuardInterface,
	renderer *template.Renderer,
	recorder *metrics.Recorder,
) (*RunnerLocal, error) {
	baseRunner, err := NewRunnerBase(ctx, options, evaluator, renderer, recorder)
	if err != nil {
		return nil, err
	}
	runner := &RunnerLocal{
		RunnerBase: *baseRunner,
	}
	return runner, nil
}

func (r *RunnerLocal) Initialize() error {
	if r.Options.TemplateRepoPath == "" {
		return fmt.Errorf("local mode requires a template repository path")
	}
	return r.RunnerBase.Initialize()
}

func (r *RunnerLocal) Process() error {
	_, span := trace.StartSpan(r.Context, "Process")
	defer span.End()

	logger.Info("Process: starting...")

	policyWarnings, err := r.Guard()
	if err != nil {
		return err
	}

	tree, err := r.Render(os.DirFS(r.Options.TemplateRepoPath))
	if err != nil {
		return err
	}
	if err := template.WriteTree(r.Options.OutputDir, tree); err != nil {
		return err
	}
	logger.WithField("outputDir", r.Options.OutputDir).WithField("files", len(tree.Files)).Info("Written rendered files")

	reportData := r.newReportData(tree, policyWarnings)
	reportData.Status = models.RunStatusCompleted
	return r.Output(&reportData)
}

func (r *RunnerLocal) Output(data *models.ReportData) error {
	_, span := trace.StartSpan(r.Context, "Output")
	defer span.End()

	logger.Info("Output: starting...")
	if err := r.outputReportJson(data); err != nil {
		return err
	}
	if err := r.outputReportMarkdown(data); err != nil {
		return err
	}
	r.pushMetrics()
	logger.Info("Output: done.")
	return nil
}

// Exporting the pull request body that github mode would open, for review
func (r *RunnerLocal) outputReportMarkdown(data *models.ReportData) error {
	logger.Info("OutputMarkdown: starting...")

	renderedMarkdown, err := r.Renderer.RenderPRBody(data)
	if err != nil {
		logger.WithField("error", err).Error("Failed to render markdown template")
		return err
	}

	if err := os.MkdirAll(r.Options.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	filePath := filepath.Join(r.Options.OutputDir, ReportMarkdownFileName)
	if err := os.WriteFile(filePath, []byte(renderedMarkdown), 0644); err != nil {
		logger.WithField("filePath", filePath).WithField("error", err).Error("Failed to write markdown report to file")
		return err
	}

	logger.WithField("filePath", filePath).Info("Written markdown report to file")
	return nil
}
