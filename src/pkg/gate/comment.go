package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/apperrors"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/pipeline"
)

const (
	DefaultPollInterval    = 15 * time.Second
	DefaultMaxPollInterval = 2 * time.Minute
	DefaultClockSkew       = time.Minute
	pollMultiplier         = 2.0

	CommandApprove = "/approve"
	CommandReject  = "/reject"
)

// CommentClient reads and writes pull request comments
type CommentClient interface {
	Comments(ctx context.Context, number int) ([]*models.Comment, error)
	UpsertToolComment(ctx context.Context, number int, signature, body string) error
}

// CommentGate waits for a "/approve <stage>" or "/reject <stage> [reason]"
// comment on the tenant pull request. Only comments posted after the gate
// opened count. The opening time is the server timestamp of the gate's own
// comment; until that comment is listed the local clock minus ClockSkew is
// used. Await polls with capped exponential backoff and has no deadline of
// its own.
type CommentGate struct {
	Client          CommentClient
	PR              int
	AllowedUsers    []string // empty allows anyone who can comment
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	ClockSkew       time.Duration

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

var _ pipeline.Gate = (*CommentGate)(nil)

func NewCommentGate(client CommentClient, pr int) *CommentGate {
	return &CommentGate{
		Client:          client,
		PR:              pr,
		PollInterval:    DefaultPollInterval,
		MaxPollInterval: DefaultMaxPollInterval,
		ClockSkew:       DefaultClockSkew,
		now:             time.Now,
		after:           time.After,
	}
}

func gateSignature(runID string, stage models.Stage) string {
	return fmt.Sprintf("<!-- gitops-tenantctl-gate: %s/%s -->", runID, stage)
}

func (g *CommentGate) Await(ctx context.Context, req pipeline.GateRequest) (pipeline.Decision, error) {
	lg := logger.WithField("pr", g.PR).WithField("stage", req.Stage)
	opened := g.now().Add(-g.ClockSkew)
	anchored := false

	signature := gateSignature(req.RunID, req.Stage)
	body := fmt.Sprintf("%s\n### Stage `%s` is awaiting approval\n\n```\n%s```\n\nComment `%s %s` to continue or `%s %s <reason>` to stop the run.\n",
		signature, req.Stage, FormatOutputs(req), CommandApprove, req.Stage, CommandReject, req.Stage)
	if err := g.Client.UpsertToolComment(ctx, g.PR, signature, body); err != nil {
		return pipeline.Decision{}, fmt.Errorf("failed to post approval request: %w", err)
	}
	lg.Info("Waiting for approval comment...")

	delay := g.PollInterval
	for {
		comments, err := g.Client.Comments(ctx, g.PR)
		switch {
		case errors.Is(err, apperrors.ErrPermission):
			return pipeline.Decision{}, err
		case err != nil:
			lg.WithError(err).Warn("Failed to list comments, retrying")
		default:
			if !anchored {
				if at, ok := postedAt(comments, signature); ok {
					opened, anchored = at, true
					lg.WithField("opened", at).Debug("Gate opening time taken from the approval request comment")
				}
			}
			if d, ok := g.decide(comments, req.Stage, opened); ok {
				lg.WithField("approver", d.Approver).WithField("verdict", d.Verdict).Info("Approval decision received")
				return d, nil
			}
		}

		select {
		case <-ctx.Done():
			return pipeline.Decision{}, ctx.Err()
		case <-g.after(delay):
			delay = time.Duration(float64(delay) * pollMultiplier)
			if delay > g.MaxPollInterval {
				delay = g.MaxPollInterval
			}
		}
	}
}

// postedAt returns the server time the comment carrying signature was last written
func postedAt(comments []*models.Comment, signature string) (time.Time, bool) {
	for _, c := range comments {
		if !strings.Contains(c.Body, signature) {
			continue
		}
		if c.UpdatedAt.After(c.CreatedAt) {
			return c.UpdatedAt, true
		}
		return c.CreatedAt, true
	}
	return time.Time{}, false
}

// decide returns the earliest command for stage posted at or after opened
func (g *CommentGate) decide(comments []*models.Comment, stage models.Stage, opened time.Time) (pipeline.Decision, bool) {
	sorted := make([]*models.Comment, len(comments))
	copy(sorted, comments)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	for _, c := range sorted {
		if c.CreatedAt.Before(opened) || !g.allowed(c.Author) {
			continue
		}
		if d, ok := ParseCommand(c.Body, stage); ok {
			d.Approver = c.Author
			return d, true
		}
	}
	return pipeline.Decision{}, false
}

func (g *CommentGate) allowed(author string) bool {
	if len(g.AllowedUsers) == 0 {
		return true
	}
	for _, u := range g.AllowedUsers {
		if strings.EqualFold(u, author) {
			return true
		}
	}
	return false
}

// ParseCommand finds an approve or reject command for stage in a comment
// body. The first matching line wins.
func ParseCommand(body string, stage models.Stage) (pipeline.Decision, bool) {
	for _, line := range strings.Split(body, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.EqualFold(fields[1], string(stage)) {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case CommandApprove:
			return pipeline.Decision{Verdict: pipeline.VerdictApproved}, true
		case CommandReject:
			return pipeline.Decision{Verdict: pipeline.VerdictRejected, Comment: strings.Join(fields[2:], " ")}, true
		}
	}
	return pipeline.Decision{}, false
}
