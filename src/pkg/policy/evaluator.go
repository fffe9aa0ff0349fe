package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/apperrors"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/trace"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var logger = log.WithField("package", "policy")

const (
	COMPLIANCE_CONFIG_FILENAME = "compliance-config.yaml"
	POLICY_TYPE_OPA            = "opa"
	defaultRule                = "deny"
)

const (
	POLICY_LEVEL_RECOMMEND     = "RECOMMEND"
	POLICY_LEVEL_WARNING       = "WARNING"
	POLICY_LEVEL_BLOCK         = "BLOCK"
	POLICY_LEVEL_NOT_IN_EFFECT = "NOT_IN_EFFECT"
	POLICY_LEVEL_UNKNOWN       = ""
)

// GuardInterface checks a tenant request against the configured guardrails
type GuardInterface interface {
	LoadAndValidate(ctx context.Context) error
	Evaluate(ctx context.Context, req models.TenantRequest) ([]models.PolicyResult, error)
	Enforce(results []models.PolicyResult) ([]string, error)
}

// PolicyEvaluator evaluates rego policies in-process against a TenantRequest.
// Each policy's deny set is queried with the request as input, e.g.
//
//	package tenant.network
//	deny[msg] { startswith(input.devNetworkRange, "192.168.") ; msg := "..." }
type PolicyEvaluator struct {
	policiesPath string
	config       models.ComplianceConfig
	queries      map[string]rego.PreparedEvalQuery
	now          func() time.Time
}

var _ GuardInterface = (*PolicyEvaluator)(nil)

func NewPolicyEvaluator(policiesPath string) *PolicyEvaluator {
	return &PolicyEvaluator{
		policiesPath: policiesPath,
		queries:      make(map[string]rego.PreparedEvalQuery),
		now:          time.Now,
	}
}

// LoadAndValidate loads compliance-config.yaml and compiles every policy
func (e *PolicyEvaluator) LoadAndValidate(ctx context.Context) error {
	logger.Info("LoadAndValidate: starting...")

	if err := e.loadComplianceConfig(); err != nil {
		return err
	}
	if err := e.validateComplianceConfig(); err != nil {
		return err
	}

	for _, id := range e.config.PolicyIDs {
		policy := e.config.Policies[id]
		policyPath := filepath.Join(e.policiesPath, policy.FilePath)
		if !strings.HasSuffix(policyPath, ".rego") {
			return fmt.Errorf("policy %s: unsupported file extension (must be .rego)", id)
		}
		src, err := os.ReadFile(policyPath)
		if err != nil {
			return fmt.Errorf("policy %s: %w", id, err)
		}

		testPath := strings.TrimSuffix(policyPath, ".rego") + "_test.rego"
		if _, err := os.Stat(testPath); os.IsNotExist(err) {
			return fmt.Errorf("each policy must have tests, policy %s: test file not found: %s", id, testPath)
		}

		query := policy.Query
		if query == "" {
			module, err := ast.ParseModule(policyPath, string(src))
			if err != nil {
				return fmt.Errorf("policy %s: %w", id, err)
			}
			query = module.Package.Path.String() + "." + defaultRule
		}

		prepared, err := rego.New(
			rego.Query(query),
			rego.Module(policyPath, string(src)),
		).PrepareForEval(ctx)
		if err != nil {
			return fmt.Errorf("policy %s: failed to compile: %w", id, err)
		}
		e.queries[id] = prepared
		logger.WithField("policy", id).WithField("query", query).Debug("Compiled policy")
	}

	logger.Infof("LoadAndValidate: done, loaded %d policies.", len(e.config.PolicyIDs))
	return nil
}

func (e *PolicyEvaluator) loadComplianceConfig() error {
	configPath := filepath.Join(e.policiesPath, COMPLIANCE_CONFIG_FILENAME)
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read compliance config: %w", err)
	}
	if err := yaml.Unmarshal(data, &e.config); err != nil {
		return fmt.Errorf("failed to parse compliance config: %w", err)
	}

	e.config.PolicyIDs = make([]string, 0, len(e.config.Policies))
	for id := range e.config.Policies {
		e.config.PolicyIDs = append(e.config.PolicyIDs, id)
	}
	sort.Strings(e.config.PolicyIDs)
	return nil
}

func (e *PolicyEvaluator) validateComplianceConfig() error {
	if len(e.config.Policies) == 0 {
		return fmt.Errorf("no policies defined in compliance config")
	}

	for id, policy := range e.config.Policies {
		if policy.Name == "" {
			return fmt.Errorf("policy %s: name is required", id)
		}
		if policy.Type == "" {
			return fmt.Errorf("policy %s: type is required", id)
		}
		if policy.Type != POLICY_TYPE_OPA {
			return fmt.Errorf("policy %s: unsupported type %s (only 'opa' is supported)", id, policy.Type)
		}
		if policy.FilePath == "" {
			return fmt.Errorf("policy %s: filePath is required", id)
		}

		enf := policy.Enforcement
		if enf.InEffectAfter != nil && enf.IsWarningAfter != nil && enf.IsWarningAfter.Before(*enf.InEffectAfter) {
			return fmt.Errorf("policy %s: isWarningAfter cannot be before inEffectAfter", id)
		}
		if enf.IsWarningAfter != nil && enf.IsBlockingAfter != nil && enf.IsBlockingAfter.Before(*enf.IsWarningAfter) {
			return fmt.Errorf("policy %s: isBlockingAfter cannot be before isWarningAfter", id)
		}
	}
	return nil
}

// Evaluate runs every policy against req, in policy id order
func (e *PolicyEvaluator) Evaluate(ctx context.Context, req models.TenantRequest) ([]models.PolicyResult, error) {
	ctx, span := trace.StartSpan(ctx, "Policy.Evaluate")
	defer span.End()

	results := make([]models.PolicyResult, 0, len(e.config.PolicyIDs))
	for _, id := range e.config.PolicyIDs {
		policy := e.config.Policies[id]
		failMsgs, err := e.evaluatePolicy(ctx, id, req)
		if err != nil {
			return nil, err
		}
		results = append(results, models.PolicyResult{
			PolicyId:     id,
			PolicyName:   policy.Name,
			Level:        e.DetermineEnforcementLevel(policy.Enforcement),
			ExternalLink: policy.ExternalLink,
			FailMessages: failMsgs,
		})
	}
	return results, nil
}

func (e *PolicyEvaluator) evaluatePolicy(ctx context.Context, id string, req models.TenantRequest) ([]string, error) {
	prepared, ok := e.queries[id]
	if !ok {
		return nil, fmt.Errorf("policy %s: not loaded", id)
	}
	rs, err := prepared.Eval(ctx, rego.EvalInput(req))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy %s: %w", id, err)
	}

	failMsgs := []string{}
	for _, result := range rs {
		for _, expr := range result.Expressions {
			// deny is a set, which OPA hands back as a slice
			values, ok := expr.Value.([]interface{})
			if !ok {
				return nil, fmt.Errorf("policy %s: deny must be a set of messages, got %T", id, expr.Value)
			}
			for _, v := range values {
				failMsgs = append(failMsgs, fmt.Sprint(v))
			}
		}
	}
	sort.Strings(failMsgs)
	logger.WithField("policyId", id).WithField("failMsgs", failMsgs).Debug("Evaluated policy")
	return failMsgs, nil
}

// DetermineEnforcementLevel maps the enforcement dates to the level in effect now
func (e *PolicyEvaluator) DetermineEnforcementLevel(enforcement models.EnforcementConfig) string {
	now := e.now()
	level := POLICY_LEVEL_UNKNOWN

	if enforcement.InEffectAfter != nil && now.Before(*enforcement.InEffectAfter) {
		level = POLICY_LEVEL_NOT_IN_EFFECT
	}
	if enforcement.InEffectAfter != nil && !now.Before(*enforcement.InEffectAfter) {
		level = POLICY_LEVEL_RECOMMEND
	}
	if enforcement.IsWarningAfter != nil && !now.Before(*enforcement.IsWarningAfter) {
		level = POLICY_LEVEL_WARNING
	}
	if enforcement.IsBlockingAfter != nil && !now.Before(*enforcement.IsBlockingAfter) {
		level = POLICY_LEVEL_BLOCK
	}
	return level
}

// Enforce returns a ValidationError for the first failing blocking policy.
// Failures at warning or recommend level come back as messages.
func (e *PolicyEvaluator) Enforce(results []models.PolicyResult) ([]string, error) {
	var warnings []string
	for _, r := range results {
		if r.IsPassing() {
			continue
		}
		lg := logger.WithField("policyId", r.PolicyId).WithField("level", r.Level)
		switch r.Level {
		case POLICY_LEVEL_BLOCK:
			return warnings, apperrors.Validation("policy."+r.PolicyId, "%s: %s", r.PolicyName, strings.Join(r.FailMessages, "; "))
		case POLICY_LEVEL_WARNING, POLICY_LEVEL_RECOMMEND:
			lg.Warn(strings.Join(r.FailMessages, "; "))
			for _, msg := range r.FailMessages {
				warnings = append(warnings, fmt.Sprintf("[%s] %s: %s", r.Level, r.PolicyName, msg))
			}
		case POLICY_LEVEL_NOT_IN_EFFECT:
			lg.Debug("Policy failing but not in effect yet")
		default:
			lg.Warnf("policy %s: unknown enforcement level", r.PolicyId)
		}
	}
	return warnings, nil
}
