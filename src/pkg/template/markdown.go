package template

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	gotemplate "text/template"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
)

//go:embed templates/*.tmpl
var defaultTemplates embed.FS

// RenderPRBody renders the pull request description for a tenant run
func (r *Renderer) RenderPRBody(data *models.ReportData) (string, error) {
	return r.renderNamed(FileNamePRBodyTemplate, data)
}

// RenderCommitMessage renders the commit message for the generated files
func (r *Renderer) RenderCommitMessage(data *models.ReportData) (string, error) {
	return r.renderNamed(FileNameCommitTemplate, data)
}

// RenderSummary renders the notification summary with the tool signature
// prepended, so the comment can be found and updated on later runs
func (r *Renderer) RenderSummary(data *models.ReportData) (string, error) {
	body, err := r.renderNamed(FileNameSummaryTemplate, data)
	if err != nil {
		return "", err
	}
	return Signature(data.Tenant.TenantName) + "\n\n" + body, nil
}

// Signature is the hidden marker identifying the tool comment of one tenant
func Signature(tenant string) string {
	return strings.ReplaceAll(ToolCommentSignature, ToolCommentTenantToken, tenant)
}

// PRTitle is the title of the tenant pull request
func PRTitle(tenant string) string {
	return "Add tenant: " + tenant
}

func (r *Renderer) renderNamed(name string, data *models.ReportData) (string, error) {
	content, err := r.loadTemplate(name)
	if err != nil {
		return "", err
	}
	tmpl, err := gotemplate.New(name).Option("missingkey=error").Parse(string(content))
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", name, err)
	}
	return strings.TrimRight(buf.String(), "\n") + "\n", nil
}

// loadTemplate prefers <TemplatesPath>/<name> and falls back to the embedded default
func (r *Renderer) loadTemplate(name string) ([]byte, error) {
	if r.TemplatesPath != "" {
		p := filepath.Join(r.TemplatesPath, name)
		content, err := os.ReadFile(p)
		if err == nil {
			logger.WithField("path", p).Debug("Using template override")
			return content, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read template %s: %w", p, err)
		}
	}
	content, err := defaultTemplates.ReadFile("templates/" + name)
	if err != nil {
		return nil, fmt.Errorf("no template named %s: %w", name, err)
	}
	return content, nil
}
