// Package pipeline sequences the tenant provisioning stages.
//
// Stages run strictly one after another in DefaultStages order. Each stage
// receives a copy of everything earlier stages produced, runs its external
// action, has its output merged and persisted, and then blocks on an approval
// gate. A stage only starts once the previous gate approved it, so later
// stages never act on unapproved values.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/apperrors"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/placeholder"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/trace"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("package", "pipeline")

// DefaultStages is the fixed provisioning order
var DefaultStages = []models.Stage{
	models.StageNetwork,
	models.StageCredentials,
	models.StageWorkspace,
	models.StageParameters,
}

// Action performs the external side effect of one stage. prior is a private
// copy of the accumulated output of every approved earlier stage.
type Action interface {
	Run(ctx context.Context, req models.TenantRequest, prior models.StageOutput) (models.StageOutput, error)
}

// ActionFunc adapts a function to Action
type ActionFunc func(ctx context.Context, req models.TenantRequest, prior models.StageOutput) (models.StageOutput, error)

func (f ActionFunc) Run(ctx context.Context, req models.TenantRequest, prior models.StageOutput) (models.StageOutput, error) {
	return f(ctx, req, prior)
}

type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

// Decision is what an approver recorded against a gate
type Decision struct {
	Verdict  Verdict
	Approver string
	Comment  string
}

func Approve(approver string) Decision {
	return Decision{Verdict: VerdictApproved, Approver: approver}
}

func Reject(approver, comment string) Decision {
	return Decision{Verdict: VerdictRejected, Approver: approver, Comment: comment}
}

// GateRequest describes the stage waiting for approval. Outputs holds the
// accumulated values including the stage's own, so the approver reviews
// concrete values.
type GateRequest struct {
	RunID   string
	Tenant  models.TenantRequest
	Stage   models.Stage
	Outputs models.StageOutput
}

// Gate suspends the pipeline until a decision is recorded. Await blocks with
// no timeout of its own; cancel ctx to abandon the run.
type Gate interface {
	Await(ctx context.Context, req GateRequest) (Decision, error)
}

// Record is the persisted state of a run. It is rewritten when a gate opens,
// when a decision is recorded and when a stage action fails. Outputs only ever
// holds values of stages that ran successfully.
type Record struct {
	RunID    string             `yaml:"runId" json:"runId"`
	Tenant   string             `yaml:"tenant" json:"tenant"`
	Stage    models.Stage       `yaml:"stage" json:"stage"`
	State    models.StageState  `yaml:"state" json:"state"`
	Outputs  models.StageOutput `yaml:"outputs" json:"outputs"`
	Approver string             `yaml:"approver,omitempty" json:"approver,omitempty"`
	Comment  string             `yaml:"comment,omitempty" json:"comment,omitempty"`
	SavedAt  time.Time          `yaml:"savedAt" json:"savedAt"`
}

// Store persists run records
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context, runID string) (*Record, error)
}

// Observer is notified on every StageRun state change
type Observer interface {
	OnTransition(runID string, run models.StageRun)
}

type ObserverFunc func(runID string, run models.StageRun)

func (f ObserverFunc) OnTransition(runID string, run models.StageRun) { f(runID, run) }

// Result is the outcome of one pipeline run. Stages always lists every
// stage; those never reached stay Pending.
type Result struct {
	RunID  string
	Stages []models.StageRun
	Output models.StageOutput
	Status string
}

type Orchestrator struct {
	stages    []models.Stage
	actions   map[models.Stage]Action
	gate      Gate
	store     Store
	observers []Observer
	now       func() time.Time
	newRunID  func() string
}

type Option func(*Orchestrator)

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithRunIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) { o.newRunID = gen }
}

// NewOrchestrator requires an action for every stage in DefaultStages
func NewOrchestrator(actions map[models.Stage]Action, gate Gate, store Store, opts ...Option) (*Orchestrator, error) {
	if gate == nil {
		return nil, apperrors.Validation("gate", "is required")
	}
	if store == nil {
		return nil, apperrors.Validation("store", "is required")
	}
	for _, s := range DefaultStages {
		if actions[s] == nil {
			return nil, apperrors.Validation("actions", "no action configured for stage %s", s)
		}
	}
	o := &Orchestrator{
		stages:   DefaultStages,
		actions:  actions,
		gate:     gate,
		store:    store,
		now:      time.Now,
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run executes every stage from the beginning under a fresh run ID
func (o *Orchestrator) Run(ctx context.Context, req models.TenantRequest) (*Result, error) {
	return o.run(ctx, req, o.newRunID(), nil)
}

// resumePoint is where a resumed run picks up
type resumePoint struct {
	rec   *Record
	start int
	// reopen the gate of stage start instead of running its action
	awaiting bool
}

// Resume continues a run of the same tenant that was interrupted.
//   - AwaitingApproval: the stage's action is not repeated, its gate is
//     opened again with the persisted outputs.
//   - Approved: the run carries on with the next stage.
//   - Failed: the failed stage's action is retried.
//
// Rejected and completed runs are final and cannot be resumed.
func (o *Orchestrator) Resume(ctx context.Context, req models.TenantRequest, runID string) (*Result, error) {
	rec, err := o.store.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if rec.Tenant != req.TenantName {
		return nil, &apperrors.ConflictError{
			Resource: "run " + runID,
			Reason:   fmt.Sprintf("belongs to tenant %q, not %q", rec.Tenant, req.TenantName),
		}
	}
	idx := o.indexOf(rec.Stage)
	if idx < 0 {
		return nil, apperrors.Validation("stage", "run %s was saved at unknown stage %q", runID, rec.Stage)
	}

	point := &resumePoint{rec: rec, start: idx}
	switch rec.State {
	case models.StageStateAwaitingApproval:
		point.awaiting = true
	case models.StageStateApproved:
		point.start = idx + 1
	case models.StageStateFailed:
	case models.StageStateRejected, models.StageStateCompleted:
		return nil, &apperrors.ConflictError{
			Resource: "run " + runID,
			Reason:   fmt.Sprintf("already %s at stage %s", strings.ToLower(string(rec.State)), rec.Stage),
		}
	default:
		return nil, apperrors.Validation("state", "run %s was saved in unknown state %q", runID, rec.State)
	}
	if point.start >= len(o.stages) {
		return nil, &apperrors.ConflictError{Resource: "run " + runID, Reason: "every stage is already approved"}
	}
	return o.run(ctx, req, runID, point)
}

func (o *Orchestrator) run(ctx context.Context, req models.TenantRequest, runID string, resume *resumePoint) (*Result, error) {
	ctx, span := trace.StartSpan(ctx, "Pipeline.Run")
	defer span.End()

	lg := logger.WithField("run", runID).WithField("tenant", req.TenantName)
	lg.Info("Pipeline: starting...")

	if err := placeholder.Validate(req); err != nil {
		return nil, err
	}

	result := &Result{RunID: runID, Stages: make([]models.StageRun, len(o.stages))}
	for i, s := range o.stages {
		result.Stages[i] = models.StageRun{Stage: s, State: models.StageStatePending}
	}

	accumulated := models.StageOutput{}
	start := 0
	if resume != nil {
		accumulated = resume.rec.Outputs.Clone()
		start = resume.start
		for i := 0; i < start; i++ {
			result.Stages[i].State = models.StageStateApproved
		}
		lg.WithField("stage", o.stages[start]).WithField("awaiting", resume.awaiting).Info("Resuming run")
	}

	for i := start; i < len(o.stages); i++ {
		run := &result.Stages[i]
		slg := lg.WithField("stage", run.Stage)

		if resume != nil && resume.awaiting && i == start {
			run.Outputs = models.StageOutput{}
			run.StartedAt = o.now()
		} else {
			if err := ctx.Err(); err != nil {
				return o.fail(result, run, fmt.Errorf("stage %s not started: %w", run.Stage, err))
			}
			run.StartedAt = o.now()
			o.transition(runID, run, models.StageStateRunning)

			out, err := o.actions[run.Stage].Run(ctx, req, accumulated.Clone())
			if err != nil {
				slg.WithError(err).Error("Stage action failed")
				return o.failStage(ctx, req, result, run, accumulated, asExternal(run.Stage, err))
			}

			merged, conflicts := accumulated.Merge(out)
			if len(conflicts) > 0 {
				err := fmt.Errorf("output keys already set by an earlier stage: %s", strings.Join(conflicts, ", "))
				return o.failStage(ctx, req, result, run, accumulated, &apperrors.ExternalActionError{Stage: string(run.Stage), Err: err})
			}
			run.Outputs = out.Clone()
			accumulated = merged

			if err := o.persist(ctx, req, runID, run.Stage, models.StageStateAwaitingApproval, accumulated, Decision{}); err != nil {
				return o.fail(result, run, fmt.Errorf("failed to persist outputs of stage %s: %w", run.Stage, err))
			}
		}

		o.transition(runID, run, models.StageStateAwaitingApproval)
		slg.WithField("outputs", accumulated.Keys()).Info("Awaiting approval")

		decision, err := o.gate.Await(ctx, GateRequest{
			RunID:   runID,
			Tenant:  req,
			Stage:   run.Stage,
			Outputs: accumulated.Clone(),
		})
		if err != nil {
			return o.fail(result, run, fmt.Errorf("approval gate for stage %s: %w", run.Stage, err))
		}

		run.FinishedAt = o.now()
		if decision.Verdict != VerdictApproved {
			o.transition(runID, run, models.StageStateRejected)
			result.Status = models.RunStatusRejected
			result.Output = accumulated
			slg.WithField("approver", decision.Approver).Warn("Stage rejected, halting pipeline")
			rejection := &apperrors.RejectionError{Stage: string(run.Stage), Approver: decision.Approver, Comment: decision.Comment}
			if err := o.persist(ctx, req, runID, run.Stage, models.StageStateRejected, accumulated, decision); err != nil {
				return result, errors.Join(rejection, fmt.Errorf("failed to persist rejection of stage %s: %w", run.Stage, err))
			}
			return result, rejection
		}

		state := models.StageStateApproved
		if i == len(o.stages)-1 {
			state = models.StageStateCompleted
		}
		if err := o.persist(ctx, req, runID, run.Stage, state, accumulated, decision); err != nil {
			return o.fail(result, run, fmt.Errorf("failed to persist approval of stage %s: %w", run.Stage, err))
		}
		o.transition(runID, run, models.StageStateApproved)
		slg.WithField("approver", decision.Approver).Info("Stage approved")
	}

	last := &result.Stages[len(result.Stages)-1]
	o.transition(runID, last, models.StageStateCompleted)
	result.Status = models.RunStatusCompleted
	result.Output = accumulated

	lg.WithField("outputs", len(accumulated)).Info("Pipeline: done.")
	return result, nil
}

func (o *Orchestrator) persist(ctx context.Context, req models.TenantRequest, runID string, stage models.Stage,
	state models.StageState, outputs models.StageOutput, d Decision) error {
	return o.store.Save(ctx, &Record{
		RunID:    runID,
		Tenant:   req.TenantName,
		Stage:    stage,
		State:    state,
		Outputs:  outputs.Clone(),
		Approver: d.Approver,
		Comment:  d.Comment,
	})
}

// failStage records a failed stage action so the run can be retried from it.
// outputs excludes the failed stage's own values.
func (o *Orchestrator) failStage(ctx context.Context, req models.TenantRequest, result *Result, run *models.StageRun,
	outputs models.StageOutput, err error) (*Result, error) {
	if perr := o.persist(ctx, req, result.RunID, run.Stage, models.StageStateFailed, outputs, Decision{Comment: err.Error()}); perr != nil {
		logger.WithField("run", result.RunID).WithError(perr).Warn("Failed to persist stage failure")
	}
	return o.fail(result, run, err)
}

func (o *Orchestrator) fail(result *Result, run *models.StageRun, err error) (*Result, error) {
	run.FinishedAt = o.now()
	run.Error = err.Error()
	o.transition(result.RunID, run, models.StageStateFailed)
	result.Status = models.RunStatusFailed
	return result, err
}

func (o *Orchestrator) transition(runID string, run *models.StageRun, state models.StageState) {
	run.State = state
	snapshot := *run
	snapshot.Outputs = run.Outputs.Clone()
	for _, obs := range o.observers {
		obs.OnTransition(runID, snapshot)
	}
}

func (o *Orchestrator) indexOf(stage models.Stage) int {
	for i, s := range o.stages {
		if s == stage {
			return i
		}
	}
	return -1
}

func asExternal(stage models.Stage, err error) error {
	if errors.Is(err, apperrors.ErrExternalAction) {
		return err
	}
	return &apperrors.ExternalActionError{Stage: string(stage), Err: err}
}

// LogObserver writes every transition to the pipeline logger
func LogObserver() Observer {
	return ObserverFunc(func(runID string, run models.StageRun) {
		logger.WithField("run", runID).
			WithField("stage", run.Stage).
			WithField("state", run.State).
			Debug("Stage transition")
	})
}
