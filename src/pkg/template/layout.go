package template

import (
	"errors"
	"fmt"
	"io/fs"
	"path"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
)

// Layout describes where templates live in the infrastructure repository and
// where the rendered tenant files go. All paths are slash separated and
// relative to the repository root.
//
// - <repoRoot>/
// |-- <TenantTemplateDir>/      -> <TenantRoot>/<tenant>/
// |   |-- dev/, stage/, prod/, uat/ ...
// |-- <WorkflowTemplateDir>/    -> <WorkflowDir>/
// |   |-- tenant_{{name}}.yml
// |   |-- tenant_{{name}}_deploy.yml
type Layout struct {
	TenantTemplateDir   string `yaml:"tenantTemplateDir"`
	WorkflowTemplateDir string `yaml:"workflowTemplateDir"`
	TenantRoot          string `yaml:"tenantRoot"`
	WorkflowDir         string `yaml:"workflowDir"`
}

func DefaultLayout() Layout {
	return Layout{
		TenantTemplateDir:   "template-repo/tenant",
		WorkflowTemplateDir: "template-repo/workflows",
		TenantRoot:          "tenant",
		WorkflowDir:         ".github/workflows",
	}
}

// TenantDir is the per-tenant configuration directory
func (l Layout) TenantDir(tenant string) string {
	return path.Join(l.TenantRoot, tenant)
}

// RenderTenant renders both template directories of repo into one tree whose
// paths are relative to the repository root. A missing template directory is
// logged and skipped.
func (r *Renderer) RenderTenant(repo fs.FS, layout Layout, tenant string, m Substituter) (*models.RenderedTree, error) {
	logger.WithField("tenant", tenant).WithField("layout", layout).Info("RenderTenant: starting...")

	result := &models.RenderedTree{}
	sources := []struct {
		src  string
		dest string
	}{
		{layout.TenantTemplateDir, layout.TenantDir(tenant)},
		{layout.WorkflowTemplateDir, layout.WorkflowDir},
	}
	for _, s := range sources {
		sub, err := fs.Sub(repo, s.src)
		if err != nil {
			return nil, fmt.Errorf("invalid template directory %q: %w", s.src, err)
		}
		if _, err := fs.Stat(sub, "."); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				logger.WithField("dir", s.src).Warn("Template directory does not exist, skipping")
				continue
			}
			return nil, fmt.Errorf("failed to stat %q: %w", s.src, err)
		}

		tree, err := r.RenderTree(sub, m)
		if err != nil {
			return nil, fmt.Errorf("failed to render %q: %w", s.src, err)
		}
		result.Merge(s.dest, tree)
	}

	logger.WithField("files", len(result.Files)).Info("RenderTenant: done.")
	return result, nil
}
