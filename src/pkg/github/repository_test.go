package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/apperrors"
	"github.com/gh-nvat/gitops-tenantctl/src/pkg/models"
	"github.com/google/go-github/v66/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRepository(t *testing.T) (*http.ServeMux, *Repository) {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	gh := github.NewClient(nil)
	baseURL, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = baseURL

	repo, err := NewClientWithHTTP(gh).Repository("org/infra")
	require.NoError(t, err)
	return mux, repo
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func TestGetBranchSHA(t *testing.T) {
	mux, repo := setupRepository(t)
	mux.HandleFunc("GET /repos/org/infra/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"ref":"refs/heads/main","object":{"sha":"abc123","type":"commit"}}`)
	})
	mux.HandleFunc("GET /repos/org/infra/git/ref/heads/feature/tenant-acme", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"message":"Not Found"}`)
	})

	sha, found, err := repo.GetBranchSHA(context.Background(), "main")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "abc123", sha)

	_, found, err = repo.GetBranchSHA(context.Background(), "feature/tenant-acme")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCreateBranchAlreadyExists(t *testing.T) {
	mux, repo := setupRepository(t)
	mux.HandleFunc("POST /repos/org/infra/git/refs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, `{"message":"Reference already exists"}`)
	})

	err := repo.CreateBranch(context.Background(), "feature/tenant-acme", "abc123")
	assert.NoError(t, err)
}

func TestPermissionDenied(t *testing.T) {
	mux, repo := setupRepository(t)
	mux.HandleFunc("POST /repos/org/infra/git/refs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"message":"Resource not accessible by integration"}`)
	})

	err := repo.CreateBranch(context.Background(), "feature/tenant-acme", "abc123")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPermission)
}

func TestListTreeBlobs(t *testing.T) {
	mux, repo := setupRepository(t)
	mux.HandleFunc("GET /repos/org/infra/git/commits/c1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"sha":"c1","tree":{"sha":"t1"}}`)
	})
	mux.HandleFunc("GET /repos/org/infra/git/trees/t1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("recursive"))
		writeJSON(w, http.StatusOK, `{"sha":"t1","truncated":false,"tree":[
			{"path":"README.md","type":"blob","sha":"b1"},
			{"path":"tenant","type":"tree","sha":"t2"},
			{"path":"tenant/acme.yaml","type":"blob","sha":"b2"}
		]}`)
	})

	blobs, err := repo.ListTreeBlobs(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"README.md": "b1", "tenant/acme.yaml": "b2"}, blobs)
}

func TestCreateCommit(t *testing.T) {
	mux, repo := setupRepository(t)
	mux.HandleFunc("GET /repos/org/infra/git/commits/p1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"sha":"p1","tree":{"sha":"t0"}}`)
	})
	mux.HandleFunc("GET /repos/org/infra/git/trees/t0", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"sha":"t0","truncated":false,"tree":[
			{"path":"tenant/acme/dev.yaml","type":"blob","mode":"100755","sha":"b1"},
			{"path":".github/workflows/onboarding_workflow.yml","type":"blob","mode":"100644","sha":"b2"}
		]}`)
	})
	mux.HandleFunc("POST /repos/org/infra/git/blobs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "base64", body["encoding"])
		writeJSON(w, http.StatusCreated, `{"sha":"blob-bin"}`)
	})
	mux.HandleFunc("POST /repos/org/infra/git/trees", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			BaseTree string `json:"base_tree"`
			Tree     []struct {
				Path    string  `json:"path"`
				Mode    string  `json:"mode"`
				SHA     *string `json:"sha"`
				Content *string `json:"content"`
			} `json:"tree"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "t0", body.BaseTree)
		require.Len(t, body.Tree, 3)
		assert.Equal(t, "tenant/acme/dev.yaml", body.Tree[0].Path)
		assert.Equal(t, "name: acme\n", *body.Tree[0].Content)
		assert.Equal(t, "100755", body.Tree[0].Mode, "existing executable bit is kept")
		assert.Equal(t, "blob-bin", *body.Tree[1].SHA)
		assert.Equal(t, "100644", body.Tree[1].Mode)
		assert.Nil(t, body.Tree[2].SHA)
		writeJSON(w, http.StatusCreated, `{"sha":"t1"}`)
	})
	mux.HandleFunc("POST /repos/org/infra/git/commits", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Message string   `json:"message"`
			Tree    string   `json:"tree"`
			Parents []string `json:"parents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Add tenant: acme", body.Message)
		assert.Equal(t, "t1", body.Tree)
		assert.Equal(t, []string{"p1"}, body.Parents)
		writeJSON(w, http.StatusCreated, `{"sha":"c2"}`)
	})
	mux.HandleFunc("PATCH /repos/org/infra/git/refs/heads/feature/tenant-acme", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SHA   string `json:"sha"`
			Force bool   `json:"force"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "c2", body.SHA)
		assert.False(t, body.Force)
		writeJSON(w, http.StatusOK, `{"ref":"refs/heads/feature/tenant-acme","object":{"sha":"c2"}}`)
	})

	sha, err := repo.CreateCommit(context.Background(), models.CommitRequest{
		Branch:    "feature/tenant-acme",
		ParentSHA: "p1",
		Message:   "Add tenant: acme",
		Changes: []models.FileChange{
			{Path: "tenant/acme/dev.yaml", Content: []byte("name: acme\n")},
			{Path: "tenant/acme/logo.png", Content: []byte{0xff, 0x00, 0xfe}},
			{Path: ".github/workflows/onboarding_workflow.yml", Delete: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "c2", sha)
}

func TestCreateCommitTipMoved(t *testing.T) {
	mux, repo := setupRepository(t)
	mux.HandleFunc("GET /repos/org/infra/git/commits/p1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"sha":"p1","tree":{"sha":"t0"}}`)
	})
	mux.HandleFunc("GET /repos/org/infra/git/trees/t0", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"sha":"t0","truncated":false,"tree":[]}`)
	})
	mux.HandleFunc("POST /repos/org/infra/git/trees", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, `{"sha":"t1"}`)
	})
	mux.HandleFunc("POST /repos/org/infra/git/commits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, `{"sha":"c2"}`)
	})
	mux.HandleFunc("PATCH /repos/org/infra/git/refs/heads/feature/tenant-acme", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, `{"message":"Update is not a fast forward"}`)
	})

	_, err := repo.CreateCommit(context.Background(), models.CommitRequest{
		Branch:    "feature/tenant-acme",
		ParentSHA: "p1",
		Message:   "Add tenant: acme",
		Changes:   []models.FileChange{{Path: "a.txt", Content: []byte("a")}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestFindOpenPR(t *testing.T) {
	mux, repo := setupRepository(t)
	mux.HandleFunc("GET /repos/org/infra/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "org:feature/tenant-acme", r.URL.Query().Get("head"))
		assert.Equal(t, "main", r.URL.Query().Get("base"))
		assert.Equal(t, "open", r.URL.Query().Get("state"))
		writeJSON(w, http.StatusOK, `[{"number":12,"html_url":"https://github.com/org/infra/pull/12",
			"head":{"ref":"feature/tenant-acme","sha":"c2"},"base":{"ref":"main","sha":"p0"}}]`)
	})

	pr, err := repo.FindOpenPR(context.Background(), "feature/tenant-acme", "main")
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, 12, pr.Number)
	assert.Equal(t, "c2", pr.HeadSHA)
}

func TestUpsertToolComment(t *testing.T) {
	tests := []struct {
		name       string
		existing   string
		wantMethod string
	}{
		{
			name:       "creates when absent",
			existing:   `[{"id":1,"body":"lgtm"}]`,
			wantMethod: http.MethodPost,
		},
		{
			name:       "updates when signed comment exists",
			existing:   `[{"id":1,"body":"lgtm"},{"id":55,"body":"<!-- sig -->\nold"}]`,
			wantMethod: http.MethodPatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, repo := setupRepository(t)
			var gotMethod string
			mux.HandleFunc("GET /repos/org/infra/issues/7/comments", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, tt.existing)
			})
			mux.HandleFunc("POST /repos/org/infra/issues/7/comments", func(w http.ResponseWriter, r *http.Request) {
				gotMethod = r.Method
				writeJSON(w, http.StatusCreated, `{"id":56}`)
			})
			mux.HandleFunc("PATCH /repos/org/infra/issues/comments/55", func(w http.ResponseWriter, r *http.Request) {
				gotMethod = r.Method
				writeJSON(w, http.StatusOK, `{"id":55}`)
			})

			require.NoError(t, repo.UpsertToolComment(context.Background(), 7, "<!-- sig -->", "<!-- sig -->\nnew"))
			assert.Equal(t, tt.wantMethod, gotMethod)
		})
	}
}

func TestGetPR(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	gh := github.NewClient(nil)
	baseURL, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = baseURL
	client := NewClientWithHTTP(gh)

	mux.HandleFunc("GET /repos/org/infra/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"number":7,"html_url":"https://github.com/org/infra/pull/7",
			"base":{"ref":"main","sha":"b1"},"head":{"ref":"feature/tenant-acme","sha":"h1"}}`)
	})
	mux.HandleFunc("GET /repos/org/infra/pulls/8", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"message":"Resource not accessible by integration"}`)
	})

	pr, err := client.GetPR(context.Background(), "org/infra", 7)
	require.NoError(t, err)
	assert.Equal(t, &models.PullRequest{
		Number:  7,
		HTMLURL: "https://github.com/org/infra/pull/7",
		BaseRef: "main",
		BaseSHA: "b1",
		HeadRef: "feature/tenant-acme",
		HeadSHA: "h1",
	}, pr)

	_, err = client.GetPR(context.Background(), "org/infra", 8)
	assert.ErrorIs(t, err, apperrors.ErrPermission)
}
