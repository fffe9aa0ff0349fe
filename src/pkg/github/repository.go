package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/apperrors"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/google/go-github/v66/github"
)

const (
	fileModeBlob       = "100644"
	fileModeExecutable = "100755"
	typeBlob           = "blob"
)

// Repository binds a Client to one owner/repo and implements the source
// control operations the reconciler needs, on top of the Git data API so no
// local clone is required
type Repository struct {
	*Client
	FullName string
	owner    string
	name     string
}

func (c *Client) Repository(fullName string) (*Repository, error) {
	owner, name, err := ParseOwnerRepo(fullName)
	if err != nil {
		return nil, err
	}
	return &Repository{Client: c, FullName: fullName, owner: owner, name: name}, nil
}

// GetBranchSHA returns the tip commit of branch; found is false on 404
func (r *Repository) GetBranchSHA(ctx context.Context, branch string) (string, bool, error) {
	ref, _, err := r.client.Git.GetRef(ctx, r.owner, r.name, "heads/"+branch)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, classify("get ref "+branch, err)
	}
	return ref.GetObject().GetSHA(), true, nil
}

// CreateBranch creates refs/heads/<branch> pointing at sha. If another run
// created it first, the existing branch is reused.
func (r *Repository) CreateBranch(ctx context.Context, branch, sha string) error {
	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	}
	_, _, err := r.client.Git.CreateRef(ctx, r.owner, r.name, ref)
	if err != nil {
		if statusCode(err) == http.StatusUnprocessableEntity {
			logger.WithField("branch", branch).Warn("Branch was created concurrently, reusing it")
			return nil
		}
		return classify("create branch "+branch, err)
	}
	logger.WithField("branch", branch).WithField("sha", sha).Info("Created branch")
	return nil
}

// ListTreeBlobs returns path -> blob SHA for every file in the commit's tree
func (r *Repository) ListTreeBlobs(ctx context.Context, commitSHA string) (map[string]string, error) {
	commit, _, err := r.client.Git.GetCommit(ctx, r.owner, r.name, commitSHA)
	if err != nil {
		return nil, classify("get commit "+commitSHA, err)
	}
	entries, err := r.treeBlobs(ctx, commit.GetTree().GetSHA())
	if err != nil {
		return nil, err
	}

	blobs := make(map[string]string, len(entries))
	for _, e := range entries {
		blobs[e.GetPath()] = e.GetSHA()
	}
	return blobs, nil
}

// treeBlobs lists every blob entry of a tree recursively
func (r *Repository) treeBlobs(ctx context.Context, treeSHA string) ([]*github.TreeEntry, error) {
	tree, _, err := r.client.Git.GetTree(ctx, r.owner, r.name, treeSHA, true)
	if err != nil {
		return nil, classify("get tree", err)
	}
	if tree.GetTruncated() {
		return nil, fmt.Errorf("tree %s is too large to list recursively", treeSHA)
	}
	blobs := make([]*github.TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.GetType() == typeBlob {
			blobs = append(blobs, e)
		}
	}
	return blobs, nil
}

// executablePaths returns the paths of tree that carry the executable mode
func (r *Repository) executablePaths(ctx context.Context, treeSHA string) (map[string]bool, error) {
	entries, err := r.treeBlobs(ctx, treeSHA)
	if err != nil {
		return nil, err
	}
	exec := map[string]bool{}
	for _, e := range entries {
		if e.GetMode() == fileModeExecutable {
			exec[e.GetPath()] = true
		}
	}
	return exec, nil
}

// CreateCommit writes one commit containing every change on top of the parent
// tree and fast-forwards the branch. Rewritten files keep the executable bit
// they have in the parent tree. The ref update is not forced: if the
// branch moved meanwhile, a ConflictError is returned instead of dropping the
// other writer's commit.
func (r *Repository) CreateCommit(ctx context.Context, req models.CommitRequest) (string, error) {
	parent, _, err := r.client.Git.GetCommit(ctx, r.owner, r.name, req.ParentSHA)
	if err != nil {
		return "", classify("get commit "+req.ParentSHA, err)
	}
	executable, err := r.executablePaths(ctx, parent.GetTree().GetSHA())
	if err != nil {
		return "", err
	}

	entries := make([]*github.TreeEntry, 0, len(req.Changes))
	for _, ch := range req.Changes {
		mode := fileModeBlob
		if executable[ch.Path] {
			mode = fileModeExecutable
		}
		entry := &github.TreeEntry{
			Path: github.String(ch.Path),
			Mode: github.String(mode),
			Type: github.String(typeBlob),
		}
		switch {
		case ch.Delete:
			// nil SHA and nil Content marshal to "sha": null, which removes the path
		case utf8.Valid(ch.Content):
			entry.Content = github.String(string(ch.Content))
		default:
			blob, _, err := r.client.Git.CreateBlob(ctx, r.owner, r.name, &github.Blob{
				Content:  github.String(base64.StdEncoding.EncodeToString(ch.Content)),
				Encoding: github.String("base64"),
			})
			if err != nil {
				return "", classify("create blob "+ch.Path, err)
			}
			entry.SHA = blob.SHA
		}
		entries = append(entries, entry)
	}

	tree, _, err := r.client.Git.CreateTree(ctx, r.owner, r.name, parent.GetTree().GetSHA(), entries)
	if err != nil {
		return "", classify("create tree", err)
	}

	commit, _, err := r.client.Git.CreateCommit(ctx, r.owner, r.name, &github.Commit{
		Message: github.String(req.Message),
		Tree:    &github.Tree{SHA: tree.SHA},
		Parents: []*github.Commit{{SHA: github.String(req.ParentSHA)}},
	}, nil)
	if err != nil {
		return "", classify("create commit", err)
	}

	_, _, err = r.client.Git.UpdateRef(ctx, r.owner, r.name, &github.Reference{
		Ref:    github.String("refs/heads/" + req.Branch),
		Object: &github.GitObject{SHA: commit.SHA},
	}, false)
	if err != nil {
		if statusCode(err) == http.StatusUnprocessableEntity {
			return "", &apperrors.ConflictError{Resource: "branch " + req.Branch, Reason: "tip moved during commit", Err: err}
		}
		return "", classify("update ref "+req.Branch, err)
	}

	logger.WithField("branch", req.Branch).WithField("sha", commit.GetSHA()).WithField("changes", len(entries)).Info("Created commit")
	return commit.GetSHA(), nil
}

// FindOpenPR returns the open pull request for head -> base, or nil
func (r *Repository) FindOpenPR(ctx context.Context, head, base string) (*models.PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		Head:        r.owner + ":" + head,
		Base:        base,
		ListOptions: github.ListOptions{PerPage: 10},
	}
	prs, _, err := r.client.PullRequests.List(ctx, r.owner, r.name, opts)
	if err != nil {
		return nil, classify("list pull requests", err)
	}
	for _, pr := range prs {
		if pr.GetHead().GetRef() == head && pr.GetBase().GetRef() == base {
			return toPullRequest(pr), nil
		}
	}
	return nil, nil
}

// CreatePR opens a pull request head -> base
func (r *Repository) CreatePR(ctx context.Context, head, base, title, body string) (*models.PullRequest, error) {
	pr, _, err := r.client.PullRequests.Create(ctx, r.owner, r.name, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(base),
		Body:  github.String(body),
	})
	if err != nil {
		return nil, classify("create pull request", err)
	}
	logger.WithField("number", pr.GetNumber()).WithField("url", pr.GetHTMLURL()).Info("Created pull request")
	return toPullRequest(pr), nil
}

// Comments lists the comments of a pull request
func (r *Repository) Comments(ctx context.Context, number int) ([]*models.Comment, error) {
	return r.GetComments(ctx, r.FullName, number)
}

// UpsertToolComment updates the comment carrying signature, or creates one
func (r *Repository) UpsertToolComment(ctx context.Context, number int, signature, body string) error {
	existing, err := r.FindToolComment(ctx, r.FullName, number, signature)
	if err != nil {
		logger.WithField("error", err).Warn("Failed to find existing comment, will create new one")
	}
	if existing != nil {
		if err := r.UpdateComment(ctx, r.FullName, existing.ID, body); err != nil {
			return err
		}
		logger.WithField("commentID", existing.ID).Info("Updated existing GitHub comment")
		return nil
	}
	if _, err := r.CreateComment(ctx, r.FullName, number, body); err != nil {
		return err
	}
	logger.Info("Created new GitHub comment")
	return nil
}
