// Package trace wires OpenTelemetry spans around the expensive steps of a run.
// When disabled, spans come from the global no-op provider and cost nothing.
package trace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var logger = log.WithField("package", "trace")

const (
	TraceFileName = "trace.json"
	tracerName    = "github.com/gh-nvat/gitops-tenantctl"
)

// InitTracer installs a tracer provider writing spans to <outputDir>/trace.json.
// The returned shutdown flushes and closes the file.
func InitTracer(serviceName string, enabled bool, outputDir string) (func(), error) {
	if !enabled {
		return func() {}, nil
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(outputDir, TraceFileName)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace file: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(f), stdouttrace.WithPrettyPrint())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	logger.WithField("service", serviceName).WithField("path", path).Info("Tracing enabled")

	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.WithField("error", err).Warn("Failed to shutdown tracer provider")
		}
		_ = f.Close()
	}, nil
}

// StartSpan starts a span on the globally installed provider
func StartSpan(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}
