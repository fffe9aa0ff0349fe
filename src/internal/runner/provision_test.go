package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/apperrors"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/gate"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/metrics"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/notify"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/pipeline"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	messages []notify.Message
}

func (s *recordingSink) Send(_ context.Context, msg notify.Message) error {
	s.messages = append(s.messages, msg)
	return nil
}

type gateFunc func(req pipeline.GateRequest) pipeline.Decision

func (f gateFunc) Await(_ context.Context, req pipeline.GateRequest) (pipeline.Decision, error) {
	return f(req), nil
}

func stageActions() map[models.Stage]pipeline.Action {
	actions := map[models.Stage]pipeline.Action{}
	for _, stage := range pipeline.DefaultStages {
		key := string(stage) + "_id"
		actions[stage] = pipeline.ActionFunc(func(_ context.Context, _ models.TenantRequest, _ models.StageOutput) (models.StageOutput, error) {
			return models.StageOutput{key: "x-" + key}, nil
		})
	}
	return actions
}

func newProvisionRunner(t *testing.T, opts *Options, g pipeline.Gate, store pipeline.Store, sink notify.Sink) *RunnerProvision {
	t.Helper()
	orch, err := pipeline.NewOrchestrator(stageActions(), g, store)
	require.NoError(t, err)
	r, err := NewRunnerProvision(context.Background(), opts, orch, sink, nil, template.NewRenderer(""), nil)
	require.NoError(t, err)
	require.NoError(t, r.Initialize())
	return r
}

func TestRunnerProvisionCompleted(t *testing.T) {
	opts := testOptions(t)
	sink := &recordingSink{}
	r := newProvisionRunner(t, opts, &gate.Auto{}, pipeline.NewFileStore(t.TempDir()), sink)

	require.NoError(t, r.Process())

	require.Len(t, sink.messages, 1)
	msg := sink.messages[0]
	assert.Equal(t, "acme", msg.Tenant)
	assert.Equal(t, models.RunStatusCompleted, msg.Status)
	assert.Contains(t, msg.Body, template.Signature("acme"))
	assert.Contains(t, msg.Body, "`parameters_id`: `x-parameters_id`")

	report := readReport(t, opts)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, models.RunStatusCompleted, report.Status)
	assert.Len(t, report.Stages, len(pipeline.DefaultStages))
	assert.Equal(t, []string{"credentials_id", "network_id", "parameters_id", "workspace_id"}, report.FinalOutput.Keys())
}

func TestRunnerProvisionRejected(t *testing.T) {
	opts := testOptions(t)
	sink := &recordingSink{}
	g := gateFunc(func(req pipeline.GateRequest) pipeline.Decision {
		if req.Stage == models.StageCredentials {
			return pipeline.Reject("alice", "wrong account")
		}
		return pipeline.Approve("alice")
	})
	r := newProvisionRunner(t, opts, g, pipeline.NewFileStore(t.TempDir()), sink)

	err := r.Process()
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRejected)
	assert.True(t, apperrors.IsTerminalOutcome(err))

	require.Len(t, sink.messages, 1)
	assert.Equal(t, models.RunStatusRejected, sink.messages[0].Status)
	assert.Equal(t, models.RunStatusRejected, readReport(t, opts).Status)
}

func TestRunnerProvisionResume(t *testing.T) {
	opts := testOptions(t)
	store := pipeline.NewFileStore(t.TempDir())
	require.NoError(t, store.Save(context.Background(), &pipeline.Record{
		RunID:  "run-1",
		Tenant: "acme",
		Stage:  models.StageWorkspace,
		State:  models.StageStateAwaitingApproval,
		Outputs: models.StageOutput{
			"network_id":     "n-1",
			"credentials_id": "c-1",
			"workspace_id":   "w-1",
		},
	}))
	opts.ResumeRunID = "run-1"

	sink := &recordingSink{}
	r := newProvisionRunner(t, opts, &gate.Auto{}, store, sink)
	require.NoError(t, r.Process())

	report := readReport(t, opts)
	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, "n-1", report.FinalOutput["network_id"])
	assert.Equal(t, "x-parameters_id", report.FinalOutput["parameters_id"])
}

func TestRunnerProvisionResumeUnknownRun(t *testing.T) {
	opts := testOptions(t)
	opts.ResumeRunID = "missing"
	sink := &recordingSink{}
	r := newProvisionRunner(t, opts, &gate.Auto{}, pipeline.NewFileStore(t.TempDir()), sink)

	assert.ErrorIs(t, r.Process(), pipeline.ErrRunNotFound)
	assert.Empty(t, sink.messages)
}

func TestRunnerProvisionResumeRejectedRun(t *testing.T) {
	opts := testOptions(t)
	store := pipeline.NewFileStore(t.TempDir())
	rejecting := gateFunc(func(req pipeline.GateRequest) pipeline.Decision {
		return pipeline.Reject("alice", "wrong range")
	})
	first := newProvisionRunner(t, opts, rejecting, store, &recordingSink{})
	require.ErrorIs(t, first.Process(), apperrors.ErrRejected)
	runID := readReport(t, opts).RunID

	opts.ResumeRunID = runID
	sink := &recordingSink{}
	second := newProvisionRunner(t, opts, &gate.Auto{}, store, sink)
	err := second.Process()
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.False(t, apperrors.IsTerminalOutcome(err))
	assert.Empty(t, sink.messages)
}

func TestNewOrchestratorFromConfig(t *testing.T) {
	storeDir := t.TempDir()
	cfg, err := pipeline.ParseConfig([]byte(`
gate:
  kind: auto
store:
  kind: file
  dir: ` + storeDir + `
stages:
  network:
    command: "true"
  credentials:
    command: "true"
  workspace:
    command: "true"
  parameters:
    command: "true"
`))
	require.NoError(t, err)

	recorder := metrics.NewRecorder()
	orch, err := NewOrchestratorFromConfig(context.Background(), cfg, nil, 0, recorder)
	require.NoError(t, err)

	result, err := orch.Run(context.Background(), testOptions(t).Tenant)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, result.Status)

	_, err = os.Stat(filepath.Join(storeDir, result.RunID+".yaml"))
	assert.NoError(t, err)

	cfg.Gate.Kind = pipeline.GateKindComment
	_, err = NewOrchestratorFromConfig(context.Background(), cfg, nil, 0, recorder)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
