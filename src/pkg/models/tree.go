package models

import "sort"

// RenderedFile is one template output, path relative to the destination root
type RenderedFile struct {
	Path    string
	Content []byte
	Binary  bool // copied byte-for-byte, no substitution
}

// RenderWarning records a {{token}} that no placeholder matched
type RenderWarning struct {
	Path  string `json:"path"`
	Token string `json:"token"`
}

// RenderedTree is the placeholder-substituted file set ready to be committed.
// Files are kept sorted by Path.
type RenderedTree struct {
	Files    []RenderedFile
	Warnings []RenderWarning
}

// Add inserts or replaces a file, keeping Files sorted by path
func (t *RenderedTree) Add(f RenderedFile) {
	i := sort.Search(len(t.Files), func(i int) bool { return t.Files[i].Path >= f.Path })
	if i < len(t.Files) && t.Files[i].Path == f.Path {
		t.Files[i] = f
		return
	}
	t.Files = append(t.Files, RenderedFile{})
	copy(t.Files[i+1:], t.Files[i:])
	t.Files[i] = f
}

// Merge adds every file of other under prefix (joined with "/")
func (t *RenderedTree) Merge(prefix string, other *RenderedTree) {
	if other == nil {
		return
	}
	for _, f := range other.Files {
		f.Path = joinSlash(prefix, f.Path)
		t.Add(f)
	}
	for _, w := range other.Warnings {
		w.Path = joinSlash(prefix, w.Path)
		t.Warnings = append(t.Warnings, w)
	}
}

func (t *RenderedTree) Paths() []string {
	paths := make([]string, len(t.Files))
	for i, f := range t.Files {
		paths[i] = f.Path
	}
	return paths
}

func joinSlash(prefix, p string) string {
	if prefix == "" {
		return p
	}
	return prefix + "/" + p
}

// FileChange is one path in a commit; Delete removes the path from the tree
type FileChange struct {
	Path    string
	Content []byte
	Delete  bool
}

// CommitRequest describes a single commit on top of ParentSHA, advancing Branch
type CommitRequest struct {
	Branch    string
	ParentSHA string
	Message   string
	Changes   []FileChange
}
