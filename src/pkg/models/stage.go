package models

import (
	"sort"
	"strings"
	"time"
)

type Stage string

const (
	StageNetwork     Stage = "network"
	StageCredentials Stage = "credentials"
	StageWorkspace   Stage = "workspace"
	StageParameters  Stage = "parameters"
)

type StageState string

const (
	StageStatePending          StageState = "Pending"
	StageStateRunning          StageState = "Running"
	StageStateAwaitingApproval StageState = "AwaitingApproval"
	StageStateApproved         StageState = "Approved"
	StageStateRejected         StageState = "Rejected"
	StageStateFailed           StageState = "Failed"
	StageStateCompleted        StageState = "Completed"
)

// StageOutput maps output names (e.g. vpc_id) to values produced by stages
type StageOutput map[string]string

// Clone returns an independent copy, never nil
func (o StageOutput) Clone() StageOutput {
	out := make(StageOutput, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Merge returns a copy of o extended with next. Keys already present in o
// with a different value are reported as conflicts and keep their old value.
// So are new keys that differ from an existing one only by case, since both
// would be exported under the same environment variable.
func (o StageOutput) Merge(next StageOutput) (StageOutput, []string) {
	out := o.Clone()
	folded := make(map[string]string, len(o))
	for k := range o {
		folded[strings.ToLower(k)] = k
	}
	var conflicts []string
	for _, k := range next.Keys() {
		if old, ok := out[k]; ok {
			if old != next[k] {
				conflicts = append(conflicts, k)
			}
			continue
		}
		if _, clash := folded[strings.ToLower(k)]; clash {
			conflicts = append(conflicts, k)
			continue
		}
		out[k] = next[k]
		folded[strings.ToLower(k)] = k
	}
	return out, conflicts
}

// Keys returns the output names in sorted order
func (o StageOutput) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StageRun is the lifecycle record of one stage within a pipeline run
type StageRun struct {
	Stage      Stage       `json:"stage" yaml:"stage"`
	State      StageState  `json:"state" yaml:"state"`
	Outputs    StageOutput `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	StartedAt  time.Time   `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	FinishedAt time.Time   `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
	Error      string      `json:"error,omitempty" yaml:"error,omitempty"`
}
