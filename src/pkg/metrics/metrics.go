// Package metrics records run metrics on a private registry. A CLI run is
// short-lived, so metrics are pushed to a Pushgateway at the end of the run
// instead of being scraped.
package metrics

import (
	"context"
	"fmt"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("package", "metrics")

const (
	namespace = "tenantctl"
	JobName   = "gitops_tenantctl"

	ReconcileResultCommitted = "committed"
	ReconcileResultUnchanged = "unchanged"
	ReconcileResultError     = "error"
)

type Recorder struct {
	registry *prometheus.Registry

	stageTransitions *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	reconcileTotal   *prometheus.CounterVec
	renderWarnings   prometheus.Counter
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stageTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "stage_transitions_total",
				Help:      "Stage state transitions by stage and new state",
			},
			[]string{"stage", "state"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Time from stage start to its gate decision or failure",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8), // 1s to ~4.5h
			},
			[]string{"stage", "state"},
		),
		reconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "repository",
				Name:      "reconcile_total",
				Help:      "Repository reconciliations by result",
			},
			[]string{"result"},
		),
		renderWarnings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "template",
				Name:      "unknown_tokens_total",
				Help:      "Placeholders left verbatim because no value matched",
			},
		),
	}
	r.registry.MustRegister(r.stageTransitions, r.stageDuration, r.reconcileTotal, r.renderWarnings)
	return r
}

// OnTransition counts every stage transition and observes the stage duration
// once the stage is decided
func (r *Recorder) OnTransition(_ string, run models.StageRun) {
	r.stageTransitions.WithLabelValues(string(run.Stage), string(run.State)).Inc()

	switch run.State {
	case models.StageStateApproved, models.StageStateRejected, models.StageStateFailed:
		if run.StartedAt.IsZero() || run.FinishedAt.IsZero() {
			return
		}
		r.stageDuration.WithLabelValues(string(run.Stage), string(run.State)).
			Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	}
}

func (r *Recorder) RecordReconcile(result string) {
	r.reconcileTotal.WithLabelValues(result).Inc()
}

func (r *Recorder) RecordRenderWarnings(n int) {
	r.renderWarnings.Add(float64(n))
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Push sends every metric to the Pushgateway at url, grouped by tenant
func (r *Recorder) Push(ctx context.Context, url, tenant string) error {
	err := push.New(url, JobName).
		Gatherer(r.registry).
		Grouping("tenant", tenant).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	logger.WithField("url", url).Info("Pushed metrics")
	return nil
}
