package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/apperrors"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var opened = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func gateRequest(stage models.Stage) pipeline.GateRequest {
	return pipeline.GateRequest{
		RunID:   "run-1",
		Tenant:  models.TenantRequest{TenantName: "acme"},
		Stage:   stage,
		Outputs: models.StageOutput{"vpc_id": "vpc-1"},
	}
}

func TestAuto(t *testing.T) {
	d, err := (&Auto{}).Await(context.Background(), gateRequest(models.StageNetwork))
	require.NoError(t, err)
	assert.Equal(t, pipeline.Approve("auto"), d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&Auto{Approver: "ci"}).Await(ctx, gateRequest(models.StageNetwork))
	assert.ErrorIs(t, err, context.Canceled)
}

type fakePrompter struct {
	confirm  bool
	reason   string
	err      error
	messages []string
}

func (p *fakePrompter) Confirm(_ context.Context, message, help string) (bool, error) {
	p.messages = append(p.messages, message, help)
	return p.confirm, p.err
}

func (p *fakePrompter) Input(_ context.Context, message string) (string, error) {
	p.messages = append(p.messages, message)
	return p.reason, nil
}

func TestInteractive(t *testing.T) {
	tests := []struct {
		name     string
		prompter *fakePrompter
		want     pipeline.Decision
		wantErr  error
	}{
		{
			name:     "approved",
			prompter: &fakePrompter{confirm: true},
			want:     pipeline.Approve("ops"),
		},
		{
			name:     "rejected with reason",
			prompter: &fakePrompter{confirm: false, reason: "  wrong cidr "},
			want:     pipeline.Reject("ops", "wrong cidr"),
		},
		{
			name:     "aborted",
			prompter: &fakePrompter{err: ErrAborted},
			wantErr:  ErrAborted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &Interactive{Prompter: tt.prompter, Approver: "ops"}
			got, err := g.Await(context.Background(), gateRequest(models.StageCredentials))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, tt.prompter.messages[0], `"credentials"`)
			assert.Contains(t, tt.prompter.messages[1], "vpc_id = vpc-1")
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		want   pipeline.Decision
		wantOK bool
	}{
		{"approve", "/approve network", pipeline.Decision{Verdict: pipeline.VerdictApproved}, true},
		{"case insensitive", "/Approve NETWORK", pipeline.Decision{Verdict: pipeline.VerdictApproved}, true},
		{"reject with reason", "/reject network cidr overlaps prod", pipeline.Decision{Verdict: pipeline.VerdictRejected, Comment: "cidr overlaps prod"}, true},
		{"other stage", "/approve credentials", pipeline.Decision{}, false},
		{"command on later line", "looks good\n/approve network\n", pipeline.Decision{Verdict: pipeline.VerdictApproved}, true},
		{"no stage", "/approve", pipeline.Decision{}, false},
		{"mentioned inline", "please run /approve network", pipeline.Decision{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseCommand(tt.body, models.StageNetwork)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeComments struct {
	mu       sync.Mutex
	polls    int
	pages    [][]*models.Comment // returned per poll, last one repeats
	errs     []error
	upserted map[string]string
}

func (f *fakeComments) Comments(_ context.Context, _ int) ([]*models.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	f.polls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	if i >= len(f.pages) {
		i = len(f.pages) - 1
	}
	return f.pages[i], nil
}

func (f *fakeComments) UpsertToolComment(_ context.Context, _ int, signature, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upserted == nil {
		f.upserted = map[string]string{}
	}
	f.upserted[signature] = body
	return nil
}

func newTestCommentGate(client CommentClient) (*CommentGate, *[]time.Duration) {
	var waits []time.Duration
	g := NewCommentGate(client, 7)
	g.PollInterval = time.Second
	g.MaxPollInterval = 3 * time.Second
	g.now = func() time.Time { return opened }
	g.after = func(d time.Duration) <-chan time.Time {
		waits = append(waits, d)
		ch := make(chan time.Time, 1)
		ch <- opened
		return ch
	}
	return g, &waits
}

func comment(author, body string, at time.Time) *models.Comment {
	return &models.Comment{Author: author, Body: body, CreatedAt: at}
}

func TestCommentGateApproves(t *testing.T) {
	client := &fakeComments{pages: [][]*models.Comment{
		{comment("alice", "/approve network", opened.Add(-time.Hour))}, // stale
		{},
		{},
		{},
		{comment("alice", "/approve network", opened.Add(-time.Hour)), comment("bob", "/approve network", opened.Add(time.Minute))},
	}}
	g, waits := newTestCommentGate(client)

	d, err := g.Await(context.Background(), gateRequest(models.StageNetwork))
	require.NoError(t, err)
	assert.Equal(t, pipeline.Approve("bob"), d)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, *waits)

	require.Len(t, client.upserted, 1)
	for sig, body := range client.upserted {
		assert.Contains(t, sig, "run-1/network")
		assert.Contains(t, body, "vpc_id = vpc-1")
		assert.Contains(t, body, "/approve network")
	}
}

func TestCommentGateUsesServerTime(t *testing.T) {
	// the runner clock is five minutes ahead of the server
	serverOpened := opened.Add(-5 * time.Minute)
	gateComment := &models.Comment{
		Author:    "tenantctl[bot]",
		Body:      gateSignature("run-1", models.StageNetwork) + "\n### Stage `network` is awaiting approval",
		CreatedAt: serverOpened.Add(-time.Hour),
		UpdatedAt: serverOpened,
	}
	client := &fakeComments{pages: [][]*models.Comment{{
		comment("mallory", "/approve network", serverOpened.Add(-time.Second)), // before the request
		gateComment,
		comment("bob", "/approve network", serverOpened.Add(30*time.Second)),
	}}}
	g, waits := newTestCommentGate(client)

	d, err := g.Await(context.Background(), gateRequest(models.StageNetwork))
	require.NoError(t, err)
	assert.Equal(t, pipeline.Approve("bob"), d)
	assert.Empty(t, *waits)
}

func TestCommentGateClockSkewFallback(t *testing.T) {
	client := &fakeComments{pages: [][]*models.Comment{{
		comment("alice", "/approve network", opened.Add(-2*time.Minute)),
		comment("bob", "/approve network", opened.Add(-30*time.Second)),
	}}}
	g, _ := newTestCommentGate(client)

	d, err := g.Await(context.Background(), gateRequest(models.StageNetwork))
	require.NoError(t, err)
	assert.Equal(t, "bob", d.Approver)
}

func TestCommentGateEarliestWins(t *testing.T) {
	client := &fakeComments{pages: [][]*models.Comment{{
		comment("carol", "/approve network", opened.Add(2*time.Minute)),
		comment("bob", "/reject network not yet", opened.Add(time.Minute)),
	}}}
	g, _ := newTestCommentGate(client)

	d, err := g.Await(context.Background(), gateRequest(models.StageNetwork))
	require.NoError(t, err)
	assert.Equal(t, pipeline.Reject("bob", "not yet"), d)
}

func TestCommentGateAllowedUsers(t *testing.T) {
	client := &fakeComments{pages: [][]*models.Comment{
		{comment("mallory", "/approve network", opened.Add(time.Minute))},
		{comment("mallory", "/approve network", opened.Add(time.Minute)), comment("Alice", "/approve network", opened.Add(2*time.Minute))},
	}}
	g, _ := newTestCommentGate(client)
	g.AllowedUsers = []string{"alice"}

	d, err := g.Await(context.Background(), gateRequest(models.StageNetwork))
	require.NoError(t, err)
	assert.Equal(t, "Alice", d.Approver)
	assert.Equal(t, 2, client.polls)
}

func TestCommentGateRetriesTransientErrors(t *testing.T) {
	client := &fakeComments{
		errs:  []error{errors.New("502 bad gateway")},
		pages: [][]*models.Comment{{comment("bob", "/approve network", opened)}},
	}
	g, _ := newTestCommentGate(client)

	d, err := g.Await(context.Background(), gateRequest(models.StageNetwork))
	require.NoError(t, err)
	assert.Equal(t, pipeline.VerdictApproved, d.Verdict)
}

func TestCommentGatePermissionIsFatal(t *testing.T) {
	client := &fakeComments{errs: []error{&apperrors.PermissionError{Op: "list comments"}}}
	g, _ := newTestCommentGate(client)

	_, err := g.Await(context.Background(), gateRequest(models.StageNetwork))
	assert.ErrorIs(t, err, apperrors.ErrPermission)
}

func TestCommentGateCancelled(t *testing.T) {
	client := &fakeComments{}
	g := NewCommentGate(client, 7)
	g.PollInterval = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Await(ctx, gateRequest(models.StageNetwork))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFromConfig(t *testing.T) {
	g, err := FromConfig(pipeline.GateConfig{Kind: pipeline.GateKindAuto, Approver: "ci"}, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, &Auto{Approver: "ci"}, g)

	_, err = FromConfig(pipeline.GateConfig{Kind: pipeline.GateKindComment}, nil, 0)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	g, err = FromConfig(pipeline.GateConfig{Kind: pipeline.GateKindComment, PollInterval: time.Minute, AllowedUsers: []string{"a"}}, &fakeComments{}, 3)
	require.NoError(t, err)
	cg := g.(*CommentGate)
	assert.Equal(t, time.Minute, cg.PollInterval)
	assert.Equal(t, DefaultMaxPollInterval, cg.MaxPollInterval)
	assert.Equal(t, 3, cg.PR)

	_, err = FromConfig(pipeline.GateConfig{Kind: "slack"}, nil, 0)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
