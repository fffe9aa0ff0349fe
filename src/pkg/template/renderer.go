package template

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"unicode/utf8"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/placeholder"
	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("package", "template")

// Substituter is the part of placeholder.Map the renderer needs
type Substituter interface {
	Substitute(text string) (string, []string)
}

var _ Substituter = (*placeholder.Map)(nil)

// Renderer turns template trees and markdown templates into concrete text
type Renderer struct {
	// TemplatesPath optionally overrides the embedded markdown templates
	TemplatesPath string
}

func NewRenderer(templatesPath string) *Renderer {
	return &Renderer{TemplatesPath: templatesPath}
}

// Render walks every file under templateRoot, substitutes placeholders in both
// the relative path and the content, and writes the result under destRoot.
// Unknown tokens are recorded as warnings and never fail the run.
func (r *Renderer) Render(templateRoot, destRoot string, m Substituter) (*models.RenderedTree, error) {
	logger.WithField("templateRoot", templateRoot).WithField("destRoot", destRoot).Info("Render: starting...")

	tree, err := r.RenderTree(os.DirFS(templateRoot), m)
	if err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", templateRoot, err)
	}
	if err := WriteTree(destRoot, tree); err != nil {
		return nil, err
	}

	logger.WithField("files", len(tree.Files)).WithField("warnings", len(tree.Warnings)).Info("Render: done.")
	return tree, nil
}

// RenderTree renders fsys in memory. Files are visited in lexical order so the
// result is identical across runs. Unknown tokens in paths and contents are
// only collected in tree.Warnings; logging them is left to the caller.
func (r *Renderer) RenderTree(fsys fs.FS, m Substituter) (*models.RenderedTree, error) {
	tree := &models.RenderedTree{}
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		destPath, unknown := m.Substitute(p)
		for _, tok := range unknown {
			tree.Warnings = append(tree.Warnings, models.RenderWarning{Path: p, Token: tok})
		}
		if err := validateRelPath(destPath); err != nil {
			return fmt.Errorf("template %s: %w", p, err)
		}

		content, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", p, err)
		}

		if isBinary(content) {
			logger.WithField("path", p).Debug("Copying binary file as-is")
			tree.Add(models.RenderedFile{Path: destPath, Content: content, Binary: true})
			return nil
		}

		rendered, unknown := m.Substitute(string(content))
		for _, tok := range unknown {
			tree.Warnings = append(tree.Warnings, models.RenderWarning{Path: destPath, Token: tok})
		}
		tree.Add(models.RenderedFile{Path: destPath, Content: []byte(rendered)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

// WriteTree writes every rendered file under destRoot, creating directories as needed
func WriteTree(destRoot string, tree *models.RenderedTree) error {
	for _, f := range tree.Files {
		dest := filepath.Join(destRoot, filepath.FromSlash(f.Path))
		if err := os.MkdirAll(filepath.Dir(dest), renderedDirMode); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", dest, err)
		}
		if err := os.WriteFile(dest, f.Content, renderedFileMode); err != nil {
			logger.WithField("dest", dest).WithField("error", err).Error("Failed to write rendered file")
			return fmt.Errorf("failed to write %s: %w", dest, err)
		}
	}
	return nil
}

// validateRelPath rejects substituted paths escaping the destination root
func validateRelPath(p string) error {
	if !fs.ValidPath(p) || path.IsAbs(p) {
		return fmt.Errorf("rendered path %q escapes the destination root", p)
	}
	return nil
}

func isBinary(content []byte) bool {
	sniff := content
	if len(sniff) > binarySniffLen {
		sniff = sniff[:binarySniffLen]
	}
	if bytes.IndexByte(sniff, 0) >= 0 {
		return true
	}
	// a multi-byte rune may be cut at the sniff boundary
	for i := 0; i < utf8.UTFMax && len(sniff) > 0; i++ {
		if utf8.Valid(sniff) {
			return false
		}
		if len(content) <= binarySniffLen {
			return true
		}
		sniff = sniff[:len(sniff)-1]
	}
	return !utf8.Valid(sniff)
}
