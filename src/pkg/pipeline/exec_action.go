package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/apperrors"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
)

const (
	outputEnvPrefix = "OUT_"
	waitDelay       = 5 * time.Second
	// long enough for a serialized kubeconfig or certificate bundle on one line
	maxOutputLineLen = 4 * 1024 * 1024
)

var outputKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ExecAction runs an external command as a stage's side effect, typically a
// wrapper around the IaC tooling that does the actual provisioning.
//
// The command sees the tenant as TENANT_NAME, SUB_TENANT_NAME,
// DEV_NETWORK_RANGE, STAGE_NETWORK_RANGE, ENABLE_DEPARTURE, ENABLE_AVSCAN and
// every prior output as OUT_<KEY>. Lines of the form key=value on stdout
// become the stage's outputs; other lines are ignored.
type ExecAction struct {
	Stage   models.Stage
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	Timeout time.Duration
}

var _ Action = (*ExecAction)(nil)

func (a *ExecAction) Run(ctx context.Context, req models.TenantRequest, prior models.StageOutput) (models.StageOutput, error) {
	if a.Command == "" {
		return nil, &apperrors.ExternalActionError{Stage: string(a.Stage), Err: errors.New("no command configured")}
	}
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	lg := logger.WithField("stage", a.Stage).WithField("command", a.Command)
	lg.Info("Running stage command...")

	cmd := exec.CommandContext(ctx, a.Command, a.Args...)
	cmd.Dir = a.Dir
	cmd.Env = append(os.Environ(), a.environ(req, prior)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// stop waiting on output pipes held open by orphaned children after a kill
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w (%v)", ctx.Err(), err)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w\nStderr: %s", err, msg)
		}
		return nil, &apperrors.ExternalActionError{Stage: string(a.Stage), Err: err}
	}
	lg.WithField("duration", time.Since(start).Round(time.Millisecond)).Debug("Stage command finished")

	out, err := ParseOutputs(stdout.Bytes())
	if err != nil {
		return nil, &apperrors.ExternalActionError{Stage: string(a.Stage), Err: err}
	}
	return out, nil
}

func (a *ExecAction) environ(req models.TenantRequest, prior models.StageOutput) []string {
	env := []string{
		"STAGE=" + string(a.Stage),
		"TENANT_NAME=" + req.TenantName,
		"SUB_TENANT_NAME=" + req.SubTenantName,
		"DEV_NETWORK_RANGE=" + req.DevNetworkRange,
		"STAGE_NETWORK_RANGE=" + req.StageNetworkRange,
		"ENABLE_DEPARTURE=" + strconv.FormatBool(req.EnableDeparture),
		"ENABLE_AVSCAN=" + strconv.FormatBool(req.EnableAVScan),
	}
	for _, k := range prior.Keys() {
		env = append(env, outputEnvPrefix+strings.ToUpper(k)+"="+prior[k])
	}
	for k, v := range a.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// ParseOutputs reads key=value lines. Blank lines and lines without '=' are
// skipped; a repeated key keeps its last value. Keys are exported to later
// stages as upper-cased OUT_ variables, so two keys differing only by case
// are rejected.
func ParseOutputs(data []byte) (models.StageOutput, error) {
	out := models.StageOutput{}
	folded := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLineLen)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if !outputKeyRegex.MatchString(key) {
			continue
		}
		upper := strings.ToUpper(key)
		if seen, ok := folded[upper]; ok && seen != key {
			return nil, fmt.Errorf("output keys %q and %q differ only by case", seen, key)
		}
		folded[upper] = key
		out[key] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read command output: %w", err)
	}
	return out, nil
}
