package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/metrics"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/placeholder"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/policy"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/template"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/trace"

	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("package", "runner")

type RunnerBase struct {
	Context context.Context
	Options *Options

	RunMode string

	Evaluator policy.GuardInterface // nil disables the policy guard
	Renderer  *template.Renderer
	Metrics   *metrics.Recorder

	now func() time.Time
}

var _ RunnerInterface = (*RunnerBase)(nil)

func NewRunnerBase(
	ctx context.Context,
	options *Options,
	evaluator policy.GuardInterface,
	renderer *template.Renderer,
	recorder *metrics.Recorder,
) (*RunnerBase, error) {
	if renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if recorder == nil {
		recorder = metrics.NewRecorder()
	}
	runner := &RunnerBase{
		Context:   ctx,
		Options:   options,
		RunMode:   options.RunMode,
		Evaluator: evaluator,
		Renderer:  renderer,
		Metrics:   recorder,
		now:       time.Now,
	}
	return runner, nil
}

func (r *RunnerBase) Initialize() error {
	logger.Info("Initializing runner: starting...")

	if err := placeholder.Validate(r.Options.Tenant); err != nil {
		return err
	}

	if r.Evaluator != nil {
		logger.Info("Initialize runner: Evaluator: Loading and validating policy configuration")
		if err := r.Evaluator.LoadAndValidate(r.Context); err != nil {
			return fmt.Errorf("failed to load policy config: %w", err)
		}
	}

	logger.Info("Initialize runner: done.")
	return nil
}

// Render resolves the placeholder map once and renders the tenant and
// workflow template directories of repo in memory
func (r *RunnerBase) Render(repo fs.FS) (*models.RenderedTree, error) {
	_, span := trace.StartSpan(r.Context, "Render")
	defer span.End()

	logger.Info("Render: starting...")
	m, err := placeholder.Resolve(r.Options.Tenant)
	if err != nil {
		return nil, err
	}
	tree, err := r.Renderer.RenderTenant(repo, r.Options.Layout, r.Options.Tenant.TenantName, m)
	if err != nil {
		return nil, err
	}
	if len(tree.Files) == 0 {
		return nil, fmt.Errorf("no templates found under %s or %s", r.Options.Layout.TenantTemplateDir, r.Options.Layout.WorkflowTemplateDir)
	}
	for _, w := range tree.Warnings {
		logger.WithField("path", w.Path).WithField("token", w.Token).Warn("Unknown placeholder left verbatim")
	}
	r.Metrics.RecordRenderWarnings(len(tree.Warnings))

	logger.WithField("files", len(tree.Files)).Info("Render: done.")
	return tree, nil
}

// Guard evaluates the tenant request against the policy guard. Non-blocking
// findings come back as warnings for the report.
func (r *RunnerBase) Guard() ([]string, error) {
	if r.Evaluator == nil {
		logger.Debug("Guard: no policies configured")
		return nil, nil
	}
	ctx, span := trace.StartSpan(r.Context, "Guard")
	defer span.End()

	logger.Info("Guard: starting...")
	results, err := r.Evaluator.Evaluate(ctx, r.Options.Tenant)
	if err != nil {
		return nil, err
	}
	warnings, err := r.Evaluator.Enforce(results)
	if err != nil {
		return nil, err
	}
	logger.WithField("warnings", len(warnings)).Info("Guard: done.")
	return warnings, nil
}

func (r *RunnerBase) Process() error {
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

	reportData := r.newReportData(tree, policyWarnings)
	return r.Output(&reportData)
}

func (r *RunnerBase) newReportData(tree *models.RenderedTree, policyWarnings []string) models.ReportData {
	data := models.ReportData{
		Timestamp:      r.now(),
		Tenant:         r.Options.Tenant,
		Branch:         r.Options.Branch(),
		BaseRef:        r.Options.BaseRef,
		Repository:     r.Options.GhRepo,
		PolicyWarnings: policyWarnings,
	}
	if tree != nil {
		data.RenderedPaths = tree.Paths()
		data.Warnings = tree.Warnings
	}
	return data
}

func (r *RunnerBase) Output(data *models.ReportData) error {
	_, span := trace.StartSpan(r.Context, "Output")
	defer span.End()

	logger.Info("Output: starting...")
	if err := r.outputReportJson(data); err != nil {
		return err
	}
	r.pushMetrics()
	logger.Info("Output: done.")
	return nil
}

// Exporting report json file to output directory if enabled
func (r *RunnerBase) outputReportJson(data *models.ReportData) error {
	if !r.Options.EnableExportReport {
		logger.Info("OutputJson: option was disabled")
		return nil
	}
	logger.Info("OutputJson: starting...")

	if err := os.MkdirAll(r.Options.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	resultsJson, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	filePath := filepath.Join(r.Options.OutputDir, ReportJSONFileName)
	if err := os.WriteFile(filePath, resultsJson, 0644); err != nil {
		logger.WithField("filePath", filePath).WithField("error", err).Error("Failed to write report data to file")
		return err
	}
	logger.WithField("filePath", filePath).Info("Written report data to file")
	return nil
}

// pushMetrics is best effort: a missing Pushgateway never fails the run
func (r *RunnerBase) pushMetrics() {
	if r.Options.MetricsPushgateway == "" {
		return
	}
	if err := r.Metrics.Push(r.Context, r.Options.MetricsPushgateway, r.Options.Tenant.TenantName); err != nil {
		logger.WithField("error", err).Warn("Failed to push metrics")
	}
}
