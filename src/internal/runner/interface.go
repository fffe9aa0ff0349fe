package runner

import (
	"io/fs"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
)

type RunnerInterface interface {
	// Initialize validates the tenant request and loads the policy guard
	Initialize() error

	// Render substitutes the tenant placeholders into every template of repo
	Render(repo fs.FS) (*models.RenderedTree, error)

	// Main routine to process the runner
	Process() error

	// Handling the export
	Output(data *models.ReportData) error
}
