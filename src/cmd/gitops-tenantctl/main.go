package main

import (
	"fmt"
	"os"

	"github.com/gh-nvat/gitops-tenantctl/src/internal/runner"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/apperrors"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/template"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

const (
	exitCodeFailure  = 1
	exitCodeRejected = 2
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if apperrors.IsTerminalOutcome(err) {
			os.Exit(exitCodeRejected)
		}
		os.Exit(exitCodeFailure)
	}
}

// newRootCmd creates the root command, parse args from CLI
func newRootCmd() *cobra.Command {
	opts := &runner.Options{Layout: template.DefaultLayout()}

	cmd := &cobra.Command{
		Use:   "gitops-tenantctl",
		Short: "GitOps tenant onboarding tool for infrastructure repositories",
		Long: `gitops-tenantctl onboards tenants into a GitOps infrastructure repository.
It renders the tenant templates, commits them to a tenant branch and opens a pull request,
then drives the gated provisioning stages (network, credentials, workspace, parameters).`,
		Version:       fmt.Sprintf("%s (built: %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Common flags
	cmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "Debug mode")
	cmd.PersistentFlags().StringVar(&opts.OutputDir, "output-dir", "./output",
		"Output directory in case the tool need to export files. In local mode, the rendered files are written here.")
	cmd.PersistentFlags().StringVar(&opts.TemplatesPath, "templates-path", "",
		"Path to a directory overriding the markdown templates (pr-body, commit, summary)")
	cmd.PersistentFlags().BoolVar(&opts.EnableExportReport, "enable-export-report", false, "Enable export report (json file to output dir)")
	cmd.PersistentFlags().BoolVar(&opts.EnableExportPerformanceReport, "enable-export-performance-report", false,
		"Enable export performance report (trace json file to output dir)")
	cmd.PersistentFlags().StringVar(&opts.MetricsPushgateway, "metrics-pushgateway", "",
		"Prometheus Pushgateway URL to push run metrics to")

	cmd.AddCommand(
		newCreateCmd(opts),
		newProvisionCmd(opts),
		newCleanupCmd(opts),
		newLayersCmd(opts),
	)
	return cmd
}

// addTenantFlags registers the tenant request inputs. Unset flags fall back
// to the workflow-dispatch environment variables.
func addTenantFlags(cmd *cobra.Command, opts *runner.Options) {
	cmd.Flags().StringVar(&opts.Tenant.TenantName, "tenant-name", "", "Tenant name [env TENANT_NAME]")
	cmd.Flags().StringVar(&opts.Tenant.SubTenantName, "sub-tenant-name", "", "Sub-tenant name [env SUB_TENANT_NAME]")
	cmd.Flags().StringVar(&opts.Tenant.DevNetworkRange, "dev-network-range", "",
		"Development network CIDR, e.g. 10.10.0.0/16 [env DEV_NETWORK_RANGE]")
	cmd.Flags().StringVar(&opts.Tenant.StageNetworkRange, "stage-network-range", "",
		"Stage network CIDR, e.g. 10.20.0.0/16 [env STAGE_NETWORK_RANGE]")
	cmd.Flags().BoolVar(&opts.Tenant.EnableDeparture, "enable-departure", false, "Enable departure [env ENABLE_DEPARTURE]")
	cmd.Flags().BoolVar(&opts.Tenant.EnableAVScan, "enable-avscan", false, "Enable antivirus scanning [env ENABLE_AVSCAN]")
}

func addRepoFlags(cmd *cobra.Command, opts *runner.Options) {
	cmd.Flags().StringVar(&opts.GhRepo, "gh-repo", "", "GitHub repository (e.g., org/repo) [env GITHUB_REPOSITORY]")
	cmd.Flags().StringVar(&opts.BaseRef, "base-ref", "main", "Base branch the tenant pull request targets")
}

func newCreateCmd(opts *runner.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Render the tenant templates and open or update the tenant pull request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyEnvFallbacks(cmd, opts); err != nil {
				return err
			}
			return runCreate(cmd.Context(), opts)
		},
	}
	addTenantFlags(cmd, opts)
	addRepoFlags(cmd, opts)

	// Run mode
	cmd.Flags().StringVar(&opts.RunMode, "run-mode", runner.RunModeGitHub, "Run mode: github or local")
	cmd.Flags().StringVar(&opts.PoliciesPath, "policies-path", "",
		"Path to policies directory (contains compliance-config.yaml), empty disables the policy guard")

	cmd.Flags().StringVar(&opts.TemplateRepoPath, "template-repo-path", "",
		"Local copy of the repository holding the template directories. In github mode, the base ref is checked out when empty.")
	cmd.Flags().StringVar(&opts.Layout.TenantTemplateDir, "tenant-template-dir", opts.Layout.TenantTemplateDir,
		"Tenant template directory, relative to the repository root")
	cmd.Flags().StringVar(&opts.Layout.WorkflowTemplateDir, "workflow-template-dir", opts.Layout.WorkflowTemplateDir,
		"Workflow template directory, relative to the repository root")
	cmd.Flags().StringVar(&opts.Layout.TenantRoot, "tenant-root", opts.Layout.TenantRoot,
		"Directory the tenant configuration is rendered into")
	cmd.Flags().StringVar(&opts.Layout.WorkflowDir, "workflow-dir", opts.Layout.WorkflowDir,
		"Directory the workflows are rendered into")
	cmd.Flags().StringVar((*string)(&opts.GitCheckoutStrategy), "git-checkout-strategy", string(runner.GitCheckoutStrategySparse),
		"Git checkout strategy for the template checkout: sparse or shallow [github mode]")
	return cmd
}

func newProvisionCmd(opts *runner.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Run the gated provisioning stages for a tenant",
		Long: `Runs network, credentials, workspace and parameters in order. Each stage runs its
configured command, persists the accumulated outputs and waits for approval before the next one starts.
A rejected stage exits with code 2.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyEnvFallbacks(cmd, opts); err != nil {
				return err
			}
			return runProvision(cmd.Context(), opts)
		},
	}
	addTenantFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.GhRepo, "gh-repo", "", "GitHub repository (e.g., org/repo) [env GITHUB_REPOSITORY]")
	cmd.Flags().StringVar(&opts.PipelineConfigPath, "pipeline-config", "", "Path to the pipeline config (required)")
	cmd.Flags().IntVar(&opts.PrNumber, "pr-number", 0, "Tenant pull request, used by the comment gate and the summary comment")
	cmd.Flags().StringVar(&opts.ResumeRunID, "resume", "", "Run ID to resume at its pending approval gate")
	cmd.Flags().StringVar(&opts.PoliciesPath, "policies-path", "",
		"Path to policies directory (contains compliance-config.yaml), empty disables the policy guard")
	_ = cmd.MarkFlagRequired("pipeline-config")
	return cmd
}

func newCleanupCmd(opts *runner.Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove the onboarding workflow from the tenant branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyEnvFallbacks(cmd, opts); err != nil {
				return err
			}
			return runCleanup(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Tenant.TenantName, "tenant-name", "", "Tenant name [env TENANT_NAME]")
	addRepoFlags(cmd, opts)
	return cmd
}

func newLayersCmd(opts *runner.Options) *cobra.Command {
	var localsFile, stacks, outputFile string
	cmd := &cobra.Command{
		Use:   "layers",
		Short: "Resolve the enabled infrastructure layers of a tenant per stack",
		Long: `Reads a tenant locals JSON file and prints, in GITHUB_OUTPUT format, the path of every
enabled layer (filepath_map) and the enabled layers of each stack (<stack>_layers).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			setLogLevel(opts)
			return runLayers(cmd.OutOrStdout(), localsFile, stacks, outputFile)
		},
	}
	cmd.Flags().StringVar(&localsFile, "locals-file", "", "Path to the tenant locals JSON file (required)")
	cmd.Flags().StringVar(&stacks, "stacks", "", "Stacks and their layers, e.g. metadata=tags;networking=vpc,tgw (required)")
	cmd.Flags().StringVar(&outputFile, "github-output", "", "Append the outputs to this file instead of stdout, e.g. $GITHUB_OUTPUT")
	_ = cmd.MarkFlagRequired("locals-file")
	_ = cmd.MarkFlagRequired("stacks")
	return cmd
}
