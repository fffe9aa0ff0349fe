package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/apperrors"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const networkPolicy = `package tenant.network

deny[msg] {
	startswith(input.devNetworkRange, "192.168.")
	msg := sprintf("dev range %s overlaps the office network", [input.devNetworkRange])
}

deny[msg] {
	input.devNetworkRange == input.stageNetworkRange
	msg := "dev and stage ranges must differ"
}
`

const namingPolicy = `package tenant.naming

deny[msg] {
	count(input.tenantName) > 12
	msg := "tenant name longer than 12 characters"
}
`

const avscanPolicy = `package tenant.security

violations[msg] {
	not input.enableAvscan
	msg := "antivirus scanning should be enabled"
}
`

const complianceConfig = `policies:
  network:
    name: Network ranges
    type: opa
    filePath: network.rego
    enforcement:
      inEffectAfter: 2020-01-01T00:00:00Z
      isWarningAfter: 2020-02-01T00:00:00Z
      isBlockingAfter: 2020-03-01T00:00:00Z
  naming:
    name: Tenant naming
    type: opa
    filePath: naming.rego
    enforcement:
      inEffectAfter: 2020-01-01T00:00:00Z
      isWarningAfter: 2020-02-01T00:00:00Z
  avscan:
    name: AV scan
    type: opa
    filePath: security/avscan.rego
    query: data.tenant.security.violations
    enforcement:
      inEffectAfter: 2099-01-01T00:00:00Z
`

func writePolicies(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func defaultPolicies(t *testing.T) string {
	return writePolicies(t, map[string]string{
		COMPLIANCE_CONFIG_FILENAME:  complianceConfig,
		"network.rego":              networkPolicy,
		"network_test.rego":         "package tenant.network\n",
		"naming.rego":               namingPolicy,
		"naming_test.rego":          "package tenant.naming\n",
		"security/avscan.rego":      avscanPolicy,
		"security/avscan_test.rego": "package tenant.security\n",
	})
}

func loadedEvaluator(t *testing.T) *PolicyEvaluator {
	t.Helper()
	e := NewPolicyEvaluator(defaultPolicies(t))
	e.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	require.NoError(t, e.LoadAndValidate(context.Background()))
	return e
}

func TestEvaluatePassing(t *testing.T) {
	e := loadedEvaluator(t)
	results, err := e.Evaluate(context.Background(), models.TenantRequest{
		TenantName:        "acme",
		DevNetworkRange:   "10.10.0.0/16",
		StageNetworkRange: "10.20.0.0/16",
		EnableAVScan:      true,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, []string{"avscan", "naming", "network"}, []string{results[0].PolicyId, results[1].PolicyId, results[2].PolicyId})
	for _, r := range results {
		assert.True(t, r.IsPassing(), r.PolicyId)
	}
	assert.Equal(t, POLICY_LEVEL_NOT_IN_EFFECT, results[0].Level)
	assert.Equal(t, POLICY_LEVEL_WARNING, results[1].Level)
	assert.Equal(t, POLICY_LEVEL_BLOCK, results[2].Level)

	warnings, err := e.Enforce(results)
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestEvaluateBlocking(t *testing.T) {
	e := loadedEvaluator(t)
	results, err := e.Evaluate(context.Background(), models.TenantRequest{
		TenantName:        "acme",
		DevNetworkRange:   "192.168.0.0/16",
		StageNetworkRange: "192.168.0.0/16",
	})
	require.NoError(t, err)

	network := results[2]
	assert.Equal(t, []string{
		"dev and stage ranges must differ",
		"dev range 192.168.0.0/16 overlaps the office network",
	}, network.FailMessages)

	_, err = e.Enforce(results)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Contains(t, err.Error(), "office network")
}

func TestEvaluateWarningOnly(t *testing.T) {
	e := loadedEvaluator(t)
	results, err := e.Evaluate(context.Background(), models.TenantRequest{
		TenantName:        "a-very-long-tenant-name",
		DevNetworkRange:   "10.10.0.0/16",
		StageNetworkRange: "10.20.0.0/16",
	})
	require.NoError(t, err)

	warnings, err := e.Enforce(results)
	require.NoError(t, err)
	// avscan fails too, but is not in effect
	assert.Equal(t, []string{"[WARNING] Tenant naming: tenant name longer than 12 characters"}, warnings)
}

func TestDetermineEnforcementLevel(t *testing.T) {
	day := func(d int) *time.Time {
		ts := time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
		return &ts
	}
	e := NewPolicyEvaluator("")
	e.now = func() time.Time { return *day(10) }

	tests := []struct {
		name        string
		enforcement models.EnforcementConfig
		want        string
	}{
		{"nothing set", models.EnforcementConfig{}, POLICY_LEVEL_UNKNOWN},
		{"not yet in effect", models.EnforcementConfig{InEffectAfter: day(20)}, POLICY_LEVEL_NOT_IN_EFFECT},
		{"recommend", models.EnforcementConfig{InEffectAfter: day(1), IsWarningAfter: day(20)}, POLICY_LEVEL_RECOMMEND},
		{"warning", models.EnforcementConfig{InEffectAfter: day(1), IsWarningAfter: day(5), IsBlockingAfter: day(20)}, POLICY_LEVEL_WARNING},
		{"blocking", models.EnforcementConfig{InEffectAfter: day(1), IsWarningAfter: day(2), IsBlockingAfter: day(10)}, POLICY_LEVEL_BLOCK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.DetermineEnforcementLevel(tt.enforcement))
		})
	}
}

func TestLoadAndValidateErrors(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
	}{
		{
			name:  "missing config",
			files: map[string]string{},
		},
		{
			name:  "no policies",
			files: map[string]string{COMPLIANCE_CONFIG_FILENAME: "policies: {}\n"},
		},
		{
			name: "unsupported type",
			files: map[string]string{
				COMPLIANCE_CONFIG_FILENAME: "policies:\n  p:\n    name: P\n    type: kyverno\n    filePath: p.rego\n",
			},
		},
		{
			name: "missing test file",
			files: map[string]string{
				COMPLIANCE_CONFIG_FILENAME: "policies:\n  p:\n    name: P\n    type: opa\n    filePath: p.rego\n",
				"p.rego":                   "package p\n",
			},
		},
		{
			name: "invalid rego",
			files: map[string]string{
				COMPLIANCE_CONFIG_FILENAME: "policies:\n  p:\n    name: P\n    type: opa\n    filePath: p.rego\n",
				"p.rego":                   "package p\ndeny[msg] {\n",
				"p_test.rego":              "package p\n",
			},
		},
		{
			name: "dates out of order",
			files: map[string]string{
				COMPLIANCE_CONFIG_FILENAME: "policies:\n  p:\n    name: P\n    type: opa\n    filePath: p.rego\n    enforcement:\n      isWarningAfter: 2024-02-01T00:00:00Z\n      isBlockingAfter: 2024-01-01T00:00:00Z\n",
				"p.rego":                   "package p\n",
				"p_test.rego":              "package p\n",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewPolicyEvaluator(writePolicies(t, tt.files))
			assert.Error(t, e.LoadAndValidate(context.Background()))
		})
	}
}
