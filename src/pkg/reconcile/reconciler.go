// Package reconcile brings a tenant branch and its pull request in line with a
// rendered file set.
//
// Every step is lookup-then-act against the repository host, so repeated runs
// with the same input converge: the branch is reused, an unchanged tree
// produces no commit, and an open pull request is returned instead of a
// duplicate. Two runs racing on the same branch are not serialized here; the
// host orders their commits and the losing ref update surfaces as a
// ConflictError.
package reconcile

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/apperrors"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/trace"
	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("package", "reconcile")

// Host is the source-control API the reconciler drives
type Host interface {
	GetBranchSHA(ctx context.Context, branch string) (sha string, found bool, err error)
	CreateBranch(ctx context.Context, branch, sha string) error
	ListTreeBlobs(ctx context.Context, commitSHA string) (map[string]string, error)
	CreateCommit(ctx context.Context, req models.CommitRequest) (string, error)
	FindOpenPR(ctx context.Context, head, base string) (*models.PullRequest, error)
	CreatePR(ctx context.Context, head, base, title, body string) (*models.PullRequest, error)
}

// Request is one reconciliation of Tree onto Branch, reviewed against BaseRef
type Request struct {
	Branch        string
	BaseRef       string
	Tree          *models.RenderedTree
	Title         string
	Body          string
	CommitMessage string
}

// Result describes what the reconciliation changed
type Result struct {
	BranchCreated bool
	Committed     bool
	CommitSHA     string // new commit, or the unchanged tip
	ChangedPaths  []string
}

type Reconciler struct {
	host Host
}

func NewReconciler(host Host) *Reconciler {
	return &Reconciler{host: host}
}

// Reconcile ensures the branch exists, commits the rendered tree if it differs
// from the branch tip, and opens or reuses the pull request. Errors from the
// host are returned as-is; retry policy belongs to the caller.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) (*models.PullRequest, *Result, error) {
	ctx, span := trace.StartSpan(ctx, "Reconcile")
	defer span.End()

	lg := logger.WithField("branch", req.Branch).WithField("base", req.BaseRef)
	lg.Info("Reconcile: starting...")

	if err := validate(req); err != nil {
		return nil, nil, err
	}

	baseSHA, found, err := r.host.GetBranchSHA(ctx, req.BaseRef)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, &apperrors.ConflictError{Resource: "ref " + req.BaseRef, Reason: "base ref does not exist"}
	}

	result := &Result{}
	tipSHA, found, err := r.host.GetBranchSHA(ctx, req.Branch)
	if err != nil {
		return nil, nil, err
	}
	if found {
		lg.WithField("sha", tipSHA).Info("Branch already exists, reusing it")
	} else {
		lg.WithField("sha", baseSHA).Info("Creating branch from base")
		if err := r.host.CreateBranch(ctx, req.Branch, baseSHA); err != nil {
			return nil, nil, err
		}
		// re-read: a concurrent run may have created the branch with more history
		tipSHA, found, err = r.host.GetBranchSHA(ctx, req.Branch)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			return nil, nil, &apperrors.ConflictError{Resource: "branch " + req.Branch, Reason: "branch vanished after creation"}
		}
		result.BranchCreated = true
	}
	result.CommitSHA = tipSHA

	changes, err := r.diff(ctx, tipSHA, req.Tree)
	if err != nil {
		return nil, nil, err
	}
	if len(changes) == 0 {
		lg.Info("Branch already up to date, skipping commit")
	} else {
		sha, err := r.host.CreateCommit(ctx, models.CommitRequest{
			Branch:    req.Branch,
			ParentSHA: tipSHA,
			Message:   req.CommitMessage,
			Changes:   changes,
		})
		if err != nil {
			return nil, nil, err
		}
		result.Committed = true
		result.CommitSHA = sha
		for _, ch := range changes {
			result.ChangedPaths = append(result.ChangedPaths, ch.Path)
		}
	}

	pr, err := r.host.FindOpenPR(ctx, req.Branch, req.BaseRef)
	if err != nil {
		return nil, nil, err
	}
	if pr != nil {
		lg.WithField("number", pr.Number).Info("Pull request already open, reusing it")
		pr.Reused = true
	} else {
		pr, err = r.host.CreatePR(ctx, req.Branch, req.BaseRef, req.Title, req.Body)
		if err != nil {
			return nil, nil, err
		}
	}

	lg.WithField("pr", pr.Number).WithField("committed", result.Committed).Info("Reconcile: done.")
	return pr, result, nil
}

// diff returns the rendered files whose content differs from the tip tree.
// Paths absent from the rendered tree are never touched.
func (r *Reconciler) diff(ctx context.Context, tipSHA string, tree *models.RenderedTree) ([]models.FileChange, error) {
	existing, err := r.host.ListTreeBlobs(ctx, tipSHA)
	if err != nil {
		return nil, err
	}
	var changes []models.FileChange
	for _, f := range tree.Files {
		if existing[f.Path] == BlobSHA(f.Content) {
			continue
		}
		changes = append(changes, models.FileChange{Path: f.Path, Content: f.Content})
	}
	return changes, nil
}

func validate(req Request) error {
	switch {
	case req.Branch == "":
		return apperrors.Validation("branch", "is required")
	case req.BaseRef == "":
		return apperrors.Validation("base_ref", "is required")
	case req.Branch == req.BaseRef:
		return apperrors.Validation("branch", "must differ from the base ref %q", req.BaseRef)
	case req.Tree == nil:
		return apperrors.Validation("tree", "is required")
	case req.Title == "":
		return apperrors.Validation("title", "is required")
	case req.CommitMessage == "":
		return apperrors.Validation("commit_message", "is required")
	}
	return nil
}

// BlobSHA is the git object id of a blob with the given content
func BlobSHA(content []byte) string {
	h := sha1.New()
	fmt.Fprint(h, "blob ", strconv.Itoa(len(content)), "\x00")
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}
