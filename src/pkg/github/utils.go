package github

import (
	"fmt"
	"strings"
)

// ParseOwnerRepo splits "owner/repo" into its parts
func ParseOwnerRepo(repo string) (string, string, error) {
	parts := strings.Split(strings.TrimSpace(repo), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository %q, expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// GetHTTPSCloneURLForRepo returns https://github.com/owner/repo.git
func GetHTTPSCloneURLForRepo(repo string) (string, error) {
	owner, name, err := ParseOwnerRepo(repo)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, name), nil
}

// GetWorkflowRunUrl returns the Actions run page, used as a link in notifications
func GetWorkflowRunUrl(repo string, runId int) (string, error) {
	owner, name, err := ParseOwnerRepo(repo)
	if err != nil {
		return "", err
	}
	if runId == 0 {
		return "", fmt.Errorf("workflow run id is not set")
	}
	return fmt.Sprintf("https://github.com/%s/%s/actions/runs/%d", owner, name, runId), nil
}
