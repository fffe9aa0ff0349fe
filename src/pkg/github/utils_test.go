package github

import "testing"

func TestParseOwnerRepo(t *testing.T) {
	tests := []struct {
		repo      string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{"org/infra", "org", "infra", false},
		{" org/infra ", "org", "infra", false},
		{"org", "", "", true},
		{"org/infra/extra", "", "", true},
		{"/infra", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.repo, func(t *testing.T) {
			owner, repo, err := ParseOwnerRepo(tt.repo)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseOwnerRepo() error = %v, wantErr %v", err, tt.wantErr)
			}
			if owner != tt.wantOwner || repo != tt.wantRepo {
				t.Errorf("ParseOwnerRepo() = %s, %s, want %s, %s", owner, repo, tt.wantOwner, tt.wantRepo)
			}
		})
	}
}

func TestGetWorkflowRunUrl(t *testing.T) {
	url, err := GetWorkflowRunUrl("org/infra", 42)
	if err != nil {
		t.Fatalf("GetWorkflowRunUrl() error = %v", err)
	}
	if url != "https://github.com/org/infra/actions/runs/42" {
		t.Errorf("GetWorkflowRunUrl() = %s", url)
	}
	if _, err := GetWorkflowRunUrl("org/infra", 0); err == nil {
		t.Errorf("GetWorkflowRunUrl() with run id 0 should fail")
	}
}
