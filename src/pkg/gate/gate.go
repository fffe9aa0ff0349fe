// Package gate provides approval gates for the provisioning pipeline.
package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/apperrors"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/pipeline"
	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("package", "gate")

// ErrAborted is returned when the operator interrupts a prompt
var ErrAborted = errors.New("approval aborted")

// Auto approves every stage. Use it when approval already happened outside
// the tool, e.g. behind a protected CI environment.
type Auto struct {
	Approver string
}

var _ pipeline.Gate = (*Auto)(nil)

func (a *Auto) Await(ctx context.Context, req pipeline.GateRequest) (pipeline.Decision, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.Decision{}, err
	}
	approver := a.Approver
	if approver == "" {
		approver = "auto"
	}
	logger.WithField("stage", req.Stage).WithField("approver", approver).Info("Auto-approving stage")
	return pipeline.Approve(approver), nil
}

// Prompter asks the operator questions on a terminal
type Prompter interface {
	Confirm(ctx context.Context, message, help string) (bool, error)
	Input(ctx context.Context, message string) (string, error)
}

// Interactive asks the operator on the terminal, showing the stage outputs
type Interactive struct {
	Prompter Prompter
	Approver string
}

var _ pipeline.Gate = (*Interactive)(nil)

func NewInteractive() *Interactive {
	return &Interactive{Prompter: SurveyPrompter{}, Approver: os.Getenv("USER")}
}

func (g *Interactive) Await(ctx context.Context, req pipeline.GateRequest) (pipeline.Decision, error) {
	message := fmt.Sprintf("Approve stage %q for tenant %s?", req.Stage, req.Tenant.TenantName)
	ok, err := g.Prompter.Confirm(ctx, message, FormatOutputs(req))
	if err != nil {
		return pipeline.Decision{}, err
	}
	if ok {
		return pipeline.Approve(g.Approver), nil
	}
	reason, err := g.Prompter.Input(ctx, "Reason for rejection (optional):")
	if err != nil {
		return pipeline.Decision{}, err
	}
	return pipeline.Reject(g.Approver, strings.TrimSpace(reason)), nil
}

// FormatOutputs renders the values an approver is asked to review
func FormatOutputs(req pipeline.GateRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s, stage %s\n", req.RunID, req.Stage)
	if len(req.Outputs) == 0 {
		sb.WriteString("No outputs yet.\n")
		return sb.String()
	}
	for _, k := range req.Outputs.Keys() {
		fmt.Fprintf(&sb, "  %s = %s\n", k, req.Outputs[k])
	}
	return sb.String()
}

// SurveyPrompter prompts through survey on the controlling terminal
type SurveyPrompter struct{}

func (SurveyPrompter) Confirm(ctx context.Context, message, help string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	// the help text is only shown on '?', print the outputs up front
	fmt.Fprint(os.Stderr, help)
	var out bool
	prompt := &survey.Confirm{Message: message, Help: help}
	if err := survey.AskOne(prompt, &out); err != nil {
		return false, translateSurveyErr(err)
	}
	return out, nil
}

func (SurveyPrompter) Input(ctx context.Context, message string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var out string
	if err := survey.AskOne(&survey.Input{Message: message}, &out); err != nil {
		return "", translateSurveyErr(err)
	}
	return out, nil
}

func translateSurveyErr(err error) error {
	if errors.Is(err, terminal.InterruptErr) {
		return ErrAborted
	}
	return err
}

// FromConfig builds the gate selected in the pipeline config. comments and pr
// are only used by the comment gate.
func FromConfig(cfg pipeline.GateConfig, comments CommentClient, pr int) (pipeline.Gate, error) {
	switch cfg.Kind {
	case pipeline.GateKindAuto:
		return &Auto{Approver: cfg.Approver}, nil
	case pipeline.GateKindInteractive, "":
		return NewInteractive(), nil
	case pipeline.GateKindComment:
		if comments == nil || pr == 0 {
			return nil, apperrors.Validation("gate.kind", "comment gate needs a pull request, pass --pr-number")
		}
		g := NewCommentGate(comments, pr)
		g.AllowedUsers = cfg.AllowedUsers
		if cfg.PollInterval > 0 {
			g.PollInterval = cfg.PollInterval
		}
		if cfg.MaxPollInterval > 0 {
			g.MaxPollInterval = cfg.MaxPollInterval
		}
		return g, nil
	}
	return nil, apperrors.Validation("gate.kind", "unsupported gate kind %q", cfg.Kind)
}
