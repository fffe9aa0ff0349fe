package placeholder

import (
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strings"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/apperrors"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
)

// Token is a recognized placeholder name, written as {{token}} in templates
type Token string

const (
	TokenName              Token = "name"
	TokenTenantName        Token = "tenant_name"
	TokenSubTenantName     Token = "sub_tenant_name"
	TokenDevNetworkRange   Token = "dev_network_range"
	TokenStageNetworkRange Token = "stage_network_range"
	TokenEnableDeparture   Token = "enable_departure"
	TokenEnableAVScan      Token = "enable_avscan"

	TokenTenantNameUpper        Token = "TENANT_NAME"
	TokenSubTenantNameUpper     Token = "SUB_TENANT_NAME"
	TokenDevNetworkRangeUpper   Token = "DEV_NETWORK_RANGE"
	TokenStageNetworkRangeUpper Token = "STAGE_NETWORK_RANGE"
	TokenEnableDepartureUpper   Token = "ENABLE_DEPARTURE"
	TokenEnableAVScanUpper      Token = "ENABLE_AVSCAN"
)

var allTokens = []Token{
	TokenName,
	TokenTenantName,
	TokenSubTenantName,
	TokenDevNetworkRange,
	TokenStageNetworkRange,
	TokenEnableDeparture,
	TokenEnableAVScan,
	TokenTenantNameUpper,
	TokenSubTenantNameUpper,
	TokenDevNetworkRangeUpper,
	TokenStageNetworkRangeUpper,
	TokenEnableDepartureUpper,
	TokenEnableAVScanUpper,
}

// AllTokens returns the closed set of recognized tokens, longest first
func AllTokens() []Token {
	tokens := make([]Token, len(allTokens))
	copy(tokens, allTokens)
	sortLongestFirst(tokens)
	return tokens
}

// tokenPattern matches {{token}} with exact delimiters and no inner whitespace.
// The whole delimited token is matched at once, so {{name}} can never match
// inside {{tenant_name}}.
var tokenPattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// identifierPattern constrains tenant and sub-tenant names to lower-case,
// filesystem and branch safe identifiers
var identifierPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)

// Map is the read-only token -> value table derived from a TenantRequest
type Map struct {
	values map[Token]string
}

// Resolve validates the request and derives every token value from it
func Resolve(req models.TenantRequest) (*Map, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	m := &Map{values: make(map[Token]string, len(allTokens))}
	for _, t := range allTokens {
		m.values[t] = valueOf(t, req)
	}
	return m, nil
}

// valueOf must cover every token in allTokens
func valueOf(t Token, req models.TenantRequest) string {
	switch t {
	case TokenName, TokenTenantName:
		return req.TenantName
	case TokenSubTenantName:
		return req.SubTenantName
	case TokenDevNetworkRange, TokenDevNetworkRangeUpper:
		return req.DevNetworkRange
	case TokenStageNetworkRange, TokenStageNetworkRangeUpper:
		return req.StageNetworkRange
	case TokenEnableDeparture:
		return formatBool(req.EnableDeparture)
	case TokenEnableAVScan:
		return formatBool(req.EnableAVScan)
	case TokenTenantNameUpper:
		return strings.ToUpper(req.TenantName)
	case TokenSubTenantNameUpper:
		return strings.ToUpper(req.SubTenantName)
	case TokenEnableDepartureUpper:
		return strings.ToUpper(formatBool(req.EnableDeparture))
	case TokenEnableAVScanUpper:
		return strings.ToUpper(formatBool(req.EnableAVScan))
	}
	panic(fmt.Sprintf("placeholder: token %q has no mapping", t))
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Validate checks the request invariants before any side effect happens
func Validate(req models.TenantRequest) error {
	if err := ValidateIdentifier("tenant_name", req.TenantName); err != nil {
		return err
	}
	if err := ValidateIdentifier("sub_tenant_name", req.SubTenantName); err != nil {
		return err
	}
	if err := validateCIDR("dev_network_range", req.DevNetworkRange); err != nil {
		return err
	}
	return validateCIDR("stage_network_range", req.StageNetworkRange)
}

// ValidateIdentifier checks a name that ends up in paths and branch names
func ValidateIdentifier(field, value string) error {
	if value == "" {
		return apperrors.Validation(field, "is required")
	}
	if !identifierPattern.MatchString(value) {
		return apperrors.Validation(field, "%q must be a lower-case identifier (a-z, 0-9, '-', '_')", value)
	}
	return nil
}

func validateCIDR(field, value string) error {
	if value == "" {
		return apperrors.Validation(field, "is required")
	}
	// host bits are allowed, the value is substituted as given
	if _, err := netip.ParsePrefix(value); err != nil {
		return apperrors.Validation(field, "%q is not a valid CIDR block", value)
	}
	return nil
}

// ParseBool accepts only "true" or "false" (any case); toggles are never free text
func ParseBool(field, value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true":
		return true, nil
	case "false", "":
		return false, nil
	}
	return false, apperrors.Validation(field, "%q is not a boolean, expected true or false", value)
}

// Value returns the rendering of t
func (m *Map) Value(t Token) string {
	return m.values[t]
}

// Lookup returns the value for a raw token name
func (m *Map) Lookup(name string) (string, bool) {
	v, ok := m.values[Token(name)]
	return v, ok
}

// Entries returns the map as plain strings, mainly for logging and env export
func (m *Map) Entries() map[string]string {
	out := make(map[string]string, len(m.values))
	for t, v := range m.values {
		out[string(t)] = v
	}
	return out
}

// Substitute replaces every recognized {{token}} in text. Unrecognized tokens
// are left verbatim and returned, in order of first appearance, so callers can
// record them as warnings.
func (m *Map) Substitute(text string) (string, []string) {
	var unknown []string
	seen := make(map[string]bool)
	out := tokenPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := match[2 : len(match)-2]
		if v, ok := m.values[Token(name)]; ok {
			return v
		}
		if !seen[name] {
			seen[name] = true
			unknown = append(unknown, name)
		}
		return match
	})
	return out, unknown
}

// Scan extracts the {{token}} names from text in order of first appearance
func Scan(text string) []string {
	matches := tokenPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool)
	var names []string
	for _, match := range matches {
		if len(match) > 1 && !seen[match[1]] {
			seen[match[1]] = true
			names = append(names, match[1])
		}
	}
	return names
}

// ParseValues parses "KEY=v1,v2;KEY2=v3" format into a map
func ParseValues(valuesStr string) (map[string][]string, error) {
	result := make(map[string][]string)
	if valuesStr == "" {
		return result, nil
	}

	tokens := strings.Split(valuesStr, ";")
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		parts := strings.SplitN(token, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid token format: %q, expected KEY=value1,value2", token)
		}

		key := strings.TrimSpace(parts[0])
		if key == "" {
			return nil, fmt.Errorf("empty key in token: %q", token)
		}

		valuesStr := strings.TrimSpace(parts[1])
		if valuesStr == "" {
			return nil, fmt.Errorf("empty value for key: %q", key)
		}

		values := strings.Split(valuesStr, ",")
		for i, v := range values {
			values[i] = strings.TrimSpace(v)
		}
		result[key] = values
	}

	return result, nil
}

func sortLongestFirst(tokens []Token) {
	sort.SliceStable(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})
}
