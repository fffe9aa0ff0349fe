package template

const (
	ToolCommentTenantToken = "$TENANT$"
	ToolCommentSignature   = `<!-- gitops-tenantctl: $TENANT$ - auto-generated comment, please do not remove -->`

	FileNamePRBodyTemplate  = "pr-body.md.tmpl"
	FileNameSummaryTemplate = "summary.md.tmpl"
	FileNameCommitTemplate  = "commit.txt.tmpl"

	// Bytes sniffed to decide whether a template file is binary
	binarySniffLen = 8 * 1024

	renderedFileMode = 0o644
	renderedDirMode  = 0o755
)
