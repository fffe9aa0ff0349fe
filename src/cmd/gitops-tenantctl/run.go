package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/gh-nvat/gitops-tenantctl/src/internal/runner"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/gate"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/github"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/layers"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/metrics"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/notify"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/pipeline"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/placeholder"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/policy"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/template"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/trace"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logger = log.WithField("package", "run")

const serviceName = "gitops-tenantctl"

// env fallbacks for flags left unset, matching the workflow-dispatch inputs
var stringEnvFallbacks = map[string]string{
	"tenant-name":         "TENANT_NAME",
	"sub-tenant-name":     "SUB_TENANT_NAME",
	"dev-network-range":   "DEV_NETWORK_RANGE",
	"stage-network-range": "STAGE_NETWORK_RANGE",
	"gh-repo":             "GITHUB_REPOSITORY",
}

var boolEnvFallbacks = map[string]string{
	"enable-departure": "ENABLE_DEPARTURE",
	"enable-avscan":    "ENABLE_AVSCAN",
}

// applyEnvFallbacks fills every flag the user did not set from its
// environment variable
func applyEnvFallbacks(cmd *cobra.Command, opts *runner.Options) error {
	for flag, env := range stringEnvFallbacks {
		f := cmd.Flags().Lookup(flag)
		if f == nil || f.Changed {
			continue
		}
		if v := os.Getenv(env); v != "" {
			if err := f.Value.Set(v); err != nil {
				return fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	for flag, env := range boolEnvFallbacks {
		f := cmd.Flags().Lookup(flag)
		if f == nil || f.Changed {
			continue
		}
		v, ok := os.LookupEnv(env)
		if !ok {
			continue
		}
		b, err := placeholder.ParseBool(env, v)
		if err != nil {
			return err
		}
		switch flag {
		case "enable-departure":
			opts.Tenant.EnableDeparture = b
		case "enable-avscan":
			opts.Tenant.EnableAVScan = b
		}
	}
	return nil
}

func setLogLevel(opts *runner.Options) {
	if opts.Debug {
		log.SetLevel(log.DebugLevel)
	}
}

// setup configures logging and tracing, the returned func flushes the tracer
func setup(opts *runner.Options) (func(), error) {
	setLogLevel(opts)
	shutdown, err := trace.InitTracer(serviceName, opts.EnableExportPerformanceReport, opts.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	return shutdown, nil
}

func newEvaluator(opts *runner.Options) policy.GuardInterface {
	if opts.PoliciesPath == "" {
		return nil
	}
	return policy.NewPolicyEvaluator(opts.PoliciesPath)
}

func newGitHubClient() (*github.Client, error) {
	client, err := github.NewClient(github.TokenFromEnv())
	if err != nil {
		return nil, fmt.Errorf("GitHub authentication failed: %w", err)
	}
	return client, nil
}

// createRunner creates the runner of the selected run mode
func createRunner(ctx context.Context, opts *runner.Options, recorder *metrics.Recorder) (runner.RunnerInterface, error) {
	logger.WithField("opts", opts).Debug("Creating runner..")

	evaluator := newEvaluator(opts)
	renderer := template.NewRenderer(opts.TemplatesPath)

	switch opts.RunMode {
	case runner.RunModeGitHub:
		ghClient, err := newGitHubClient()
		if err != nil {
			return nil, err
		}
		repo, err := ghClient.Repository(opts.GhRepo)
		if err != nil {
			return nil, err
		}
		r, err := runner.NewRunnerGitHub(ctx, opts, repo, ghClient, evaluator, renderer, recorder)
		if err != nil {
			return nil, fmt.Errorf("failed to create GitHub runner: %w", err)
		}
		return r, nil
	case runner.RunModeLocal:
		r, err := runner.NewRunnerLocal(ctx, opts, evaluator, renderer, recorder)
		if err != nil {
			return nil, fmt.Errorf("failed to create Local runner: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("invalid run mode: %s", opts.RunMode)
	}
}

func runCreate(ctx context.Context, opts *runner.Options) error {
	logger.WithField("tenant", opts.Tenant.TenantName).WithField("mode", opts.RunMode).Info("Running create..")
	shutdown, err := setup(opts)
	if err != nil {
		return err
	}
	defer shutdown()

	if err := validateCreateOptions(opts); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	appRunner, err := createRunner(ctx, opts, metrics.NewRecorder())
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}
	if err := appRunner.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize runner: %w", err)
	}
	if err := appRunner.Process(); err != nil {
		return fmt.Errorf("failed to process: %w", err)
	}
	return nil
}

func runProvision(ctx context.Context, opts *runner.Options) error {
	logger.WithField("tenant", opts.Tenant.TenantName).Info("Running provision..")
	shutdown, err := setup(opts)
	if err != nil {
		return err
	}
	defer shutdown()

	if err := validateProvisionOptions(opts); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	cfg, err := pipeline.LoadConfig(opts.PipelineConfigPath)
	if err != nil {
		return err
	}

	// the GitHub repository is only needed for the comment gate and the summary comment
	var comments gate.CommentClient
	sink := notify.Multi{notify.LogSink{}}
	if opts.GhRepo != "" && opts.PrNumber != 0 {
		ghClient, err := newGitHubClient()
		if err != nil {
			return err
		}
		pr, err := ghClient.GetPR(ctx, opts.GhRepo, opts.PrNumber)
		if err != nil {
			return fmt.Errorf("failed to get pull request #%d: %w", opts.PrNumber, err)
		}
		logger.WithField("pr", pr.HTMLURL).WithField("head", pr.HeadRef).Info("Gating on pull request")
		repo, err := ghClient.Repository(opts.GhRepo)
		if err != nil {
			return err
		}
		comments = repo
		sink = append(sink, &notify.PRCommentSink{Client: repo, PR: opts.PrNumber, Signature: template.Signature})
	}

	recorder := metrics.NewRecorder()
	orchestrator, err := runner.NewOrchestratorFromConfig(ctx, cfg, comments, opts.PrNumber, recorder)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	r, err := runner.NewRunnerProvision(ctx, opts, orchestrator, sink, newEvaluator(opts), template.NewRenderer(opts.TemplatesPath), recorder)
	if err != nil {
		return err
	}
	if err := r.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize runner: %w", err)
	}
	// %w keeps a rejection visible to main for the exit code
	if err := r.Process(); err != nil {
		return fmt.Errorf("failed to process: %w", err)
	}
	return nil
}

func runCleanup(ctx context.Context, opts *runner.Options) error {
	logger.WithField("tenant", opts.Tenant.TenantName).Info("Running cleanup..")
	shutdown, err := setup(opts)
	if err != nil {
		return err
	}
	defer shutdown()

	if err := validateCleanupOptions(opts); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}

	ghClient, err := newGitHubClient()
	if err != nil {
		return err
	}
	repo, err := ghClient.Repository(opts.GhRepo)
	if err != nil {
		return err
	}
	r, err := runner.NewRunnerCleanup(ctx, opts, repo)
	if err != nil {
		return err
	}
	result, err := r.Process()
	if err != nil {
		return fmt.Errorf("failed to clean up: %w", err)
	}
	logger.WithField("deleted", result.Deleted).WithField("commit", result.CommitSHA).Info("Cleanup finished")
	return nil
}

func runLayers(stdout io.Writer, localsFile, stacks, outputFile string) error {
	res, err := layers.ResolveFile(localsFile, stacks)
	if err != nil {
		return err
	}
	if outputFile == "" {
		return res.WriteOutputs(stdout)
	}

	f, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	if err := res.WriteOutputs(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func validateCreateOptions(opts *runner.Options) error {
	if opts.RunMode != runner.RunModeGitHub && opts.RunMode != runner.RunModeLocal {
		return fmt.Errorf("run-mode must be 'github' or 'local', got: %s", opts.RunMode)
	}
	if err := placeholder.Validate(opts.Tenant); err != nil {
		return err
	}
	if opts.Layout.TenantTemplateDir == "" || opts.Layout.WorkflowTemplateDir == "" {
		return fmt.Errorf("--tenant-template-dir and --workflow-template-dir must not be empty")
	}

	if opts.RunMode == runner.RunModeLocal {
		if opts.TemplateRepoPath == "" {
			return fmt.Errorf("local mode requires --template-repo-path")
		}
		if opts.OutputDir == "" {
			return fmt.Errorf("local mode requires --output-dir")
		}
		return nil
	}

	// GitHub mode
	if opts.GhRepo == "" {
		return fmt.Errorf("github mode requires --gh-repo")
	}
	if _, _, err := github.ParseOwnerRepo(opts.GhRepo); err != nil {
		return err
	}
	if opts.BaseRef == "" {
		return fmt.Errorf("github mode requires --base-ref")
	}
	if opts.GitCheckoutStrategy == "" {
		opts.GitCheckoutStrategy = runner.GitCheckoutStrategySparse // default
	}
	if opts.GitCheckoutStrategy != runner.GitCheckoutStrategySparse &&
		opts.GitCheckoutStrategy != runner.GitCheckoutStrategyShallow {
		return fmt.Errorf("git-checkout-strategy must be 'sparse' or 'shallow', got: %s", opts.GitCheckoutStrategy)
	}
	return nil
}

func validateProvisionOptions(opts *runner.Options) error {
	if err := placeholder.Validate(opts.Tenant); err != nil {
		return err
	}
	if opts.PipelineConfigPath == "" {
		return fmt.Errorf("--pipeline-config is required")
	}
	if opts.PrNumber < 0 {
		return fmt.Errorf("--pr-number must be positive, got: %d", opts.PrNumber)
	}
	if opts.PrNumber != 0 && opts.GhRepo == "" {
		return fmt.Errorf("--pr-number requires --gh-repo")
	}
	return nil
}

func validateCleanupOptions(opts *runner.Options) error {
	if err := placeholder.ValidateIdentifier("tenant_name", opts.Tenant.TenantName); err != nil {
		return err
	}
	if opts.GhRepo == "" {
		return fmt.Errorf("cleanup requires --gh-repo")
	}
	if _, _, err := github.ParseOwnerRepo(opts.GhRepo); err != nil {
		return err
	}
	if opts.BaseRef == "" {
		return fmt.Errorf("cleanup requires --base-ref")
	}
	return nil
}
