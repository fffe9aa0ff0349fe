package runner

import (
	"context"
	"fmt"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/gate"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/metrics"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/notify"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/pipeline"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/policy"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/template"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/trace"
)

// RunnerProvision drives the gated stage pipeline of one tenant and reports
// the outcome through the notification sink
type RunnerProvision struct {
	RunnerBase

	Orchestrator *pipeline.Orchestrator
	Sink         notify.Sink
}

var _ RunnerInterface = (*RunnerProvision)(nil)

func NewRunnerProvision(
	ctx context.Context,
	options *Options,
	orchestrator *pipeline.Orchestrator,
	sink notify.Sink,
	evaluator policy.GuardInterface,
	renderer *template.Renderer,
	recorder *metrics.Recorder,
) (*RunnerProvision, error) {
	if orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	baseRunner, err := NewRunnerBase(ctx, options, evaluator, renderer, recorder)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = notify.LogSink{}
	}
	return &RunnerProvision{
		RunnerBase:   *baseRunner,
		Orchestrator: orchestrator,
		Sink:         sink,
	}, nil
}

// NewOrchestratorFromConfig wires the gate, the state store and the metrics
// observer selected by cfg. comments may be nil unless the comment gate is used.
func NewOrchestratorFromConfig(
	ctx context.Context,
	cfg *pipeline.Config,
	comments gate.CommentClient,
	pr int,
	recorder *metrics.Recorder,
) (*pipeline.Orchestrator, error) {
	g, err := gate.FromConfig(cfg.Gate, comments, pr)
	if err != nil {
		return nil, err
	}
	store, err := pipeline.NewStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	opts := []pipeline.Option{pipeline.WithObserver(pipeline.LogObserver())}
	if recorder != nil {
		opts = append(opts, pipeline.WithObserver(recorder))
	}
	return pipeline.NewOrchestrator(cfg.Actions(), g, store, opts...)
}

// Process runs or resumes the pipeline. A rejection is returned unchanged
// after the summary has been sent, so callers can tell it from a failure.
func (r *RunnerProvision) Process() error {
	ctx, span := trace.StartSpan(r.Context, "Process")
	defer span.End()

	logger.Info("Process: starting...")

	policyWarnings, err := r.Guard()
	if err != nil {
		return err
	}

	var result *pipeline.Result
	var runErr error
	if r.Options.ResumeRunID != "" {
		logger.WithField("run", r.Options.ResumeRunID).Info("Resuming run")
		result, runErr = r.Orchestrator.Resume(ctx, r.Options.Tenant, r.Options.ResumeRunID)
	} else {
		result, runErr = r.Orchestrator.Run(ctx, r.Options.Tenant)
	}
	if result == nil {
		return runErr
	}

	reportData := r.newReportData(nil, policyWarnings)
	reportData.RunID = result.RunID
	reportData.Stages = result.Stages
	reportData.FinalOutput = result.Output
	reportData.Status = result.Status

	if err := r.notify(ctx, &reportData); err != nil {
		logger.WithField("error", err).Warn("Failed to send run summary")
	}
	if err := r.Output(&reportData); err != nil && runErr == nil {
		return err
	}

	logger.WithField("run", result.RunID).WithField("status", result.Status).Info("Process: done.")
	return runErr
}

func (r *RunnerProvision) notify(ctx context.Context, data *models.ReportData) error {
	body, err := r.Renderer.RenderSummary(data)
	if err != nil {
		return err
	}
	return r.Sink.Send(ctx, notify.Message{
		Tenant: data.Tenant.TenantName,
		Status: data.Status,
		Body:   body,
	})
}
