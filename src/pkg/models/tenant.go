package models

import (
	"fmt"
	"time"
)

const (
	BranchPrefix = "feature/tenant-"
)

// TenantRequest carries the identifying parameters of one provisioning run.
// It is built once from caller input and treated as immutable afterwards.
type TenantRequest struct {
	TenantName        string `json:"tenantName" yaml:"tenantName"`
	SubTenantName     string `json:"subTenantName" yaml:"subTenantName"`
	DevNetworkRange   string `json:"devNetworkRange" yaml:"devNetworkRange"`
	StageNetworkRange string `json:"stageNetworkRange" yaml:"stageNetworkRange"`
	EnableDeparture   bool   `json:"enableDeparture" yaml:"enableDeparture"`
	EnableAVScan      bool   `json:"enableAvscan" yaml:"enableAvscan"`
}

// BranchName is the head branch that holds the tenant's generated files
func (r TenantRequest) BranchName() string {
	return BranchPrefix + r.TenantName
}

func (r TenantRequest) String() string {
	return fmt.Sprintf("tenant=%s sub_tenant=%s dev=%s stage=%s departure=%t avscan=%t",
		r.TenantName, r.SubTenantName, r.DevNetworkRange, r.StageNetworkRange, r.EnableDeparture, r.EnableAVScan)
}

// PullRequest is the subset of a GitHub pull request the tool cares about
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"htmlUrl"`
	BaseRef string `json:"baseRef"`
	BaseSHA string `json:"baseSha"`
	HeadRef string `json:"headRef"`
	HeadSHA string `json:"headSha"`
	Reused  bool   `json:"reused"` // true if the PR already existed before this run
}

type Comment struct {
	ID        int64
	Body      string
	Author    string
	CreatedAt time.Time
	UpdatedAt time.Time
}
