// Package layers works out which infrastructure layers a tenant has enabled,
// grouped by deployment stack.
//
// Input is the tenant's locals file in JSON form:
//
//	{"locals": [{"vpc": {"enabled": true, "path": "layers/vpc"}, "dns": {"enabled": false}}]}
//
// and a stack definition such as "networking=vpc,dns;metadata=tags".
package layers

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/gh-nvat/gitops-tenantctl/src/pkg/placeholder"
	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("package", "layers")

const (
	OutputFilePathMap = "filepath_map"
	layersSuffix      = "_layers"
)

type localsFile struct {
	Locals []map[string]json.RawMessage `json:"locals"`
}

type layerSettings struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StackLayers lists the enabled layers of one stack, in stack order
type StackLayers struct {
	Stack  string
	Layers []string
}

type Resolution struct {
	FilePaths map[string]string // enabled layer -> path
	Stacks    []StackLayers     // sorted by stack name
}

// ParseLocals returns every enabled layer with its path. Entries that are not
// objects, or have no "enabled" flag, are ignored. The first path seen for a
// layer wins.
func ParseLocals(data []byte) (map[string]string, error) {
	var f localsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse locals: %w", err)
	}
	if f.Locals == nil {
		return nil, fmt.Errorf("failed to parse locals: missing \"locals\" list")
	}

	enabled := map[string]string{}
	for _, block := range f.Locals {
		for key, raw := range block {
			var s layerSettings
			if err := json.Unmarshal(raw, &s); err != nil {
				logger.WithField("key", key).Debug("Skipping non-object local")
				continue
			}
			if !s.Enabled {
				continue
			}
			if _, seen := enabled[key]; !seen {
				enabled[key] = s.Path
			}
		}
	}
	return enabled, nil
}

// Resolve filters each stack down to the layers enabled in the locals file
func Resolve(locals []byte, stacks string) (*Resolution, error) {
	enabled, err := ParseLocals(locals)
	if err != nil {
		return nil, err
	}
	stackMap, err := placeholder.ParseValues(stacks)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stacks: %w", err)
	}

	names := make([]string, 0, len(stackMap))
	for name := range stackMap {
		names = append(names, name)
	}
	sort.Strings(names)

	res := &Resolution{FilePaths: enabled}
	for _, name := range names {
		layers := []string{}
		for _, layer := range stackMap[name] {
			if _, ok := enabled[layer]; ok {
				layers = append(layers, layer)
			}
		}
		res.Stacks = append(res.Stacks, StackLayers{Stack: name, Layers: layers})
	}
	logger.WithField("enabled", len(enabled)).WithField("stacks", len(res.Stacks)).Debug("Resolved layers")
	return res, nil
}

// ResolveFile reads the locals file at path
func ResolveFile(path, stacks string) (*Resolution, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read locals file: %w", err)
	}
	return Resolve(data, stacks)
}

// WriteOutputs prints name=value lines in the GITHUB_OUTPUT format, values
// JSON-encoded so workflows can fromJSON() them
func (r *Resolution) WriteOutputs(w io.Writer) error {
	paths, err := json.Marshal(r.FilePaths)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "%s=%s\n", OutputFilePathMap, paths); err != nil {
		return err
	}
	for _, s := range r.Stacks {
		layers, err := json.Marshal(s.Layers)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s%s=%s\n", s.Stack, layersSuffix, layers); err != nil {
			return err
		}
	}
	return nil
}
