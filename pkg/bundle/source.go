package bundle

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
)

// SourceFile is one policy file selected for inclusion.
type SourceFile struct {
	Path    string // bundle-relative, forward slashes
	Content []byte
}

// Source yields the policy files belonging to a scope. Unknown scopes
// contribute no files and are not an error.
type Source interface {
	FilesForScope(scope string) ([]SourceFile, error)
	Scopes() ([]string, error)
}

// scopeDir maps a scope tag to its subtree inside the source root.
// "policy:fvey" -> "fvey".
func scopeDir(scope string) string {
	return strings.TrimPrefix(scope, "policy:")
}

// FSSource reads policy files from a directory tree, one subtree per
// scope. Files are returned in lexicographic path order so bundle
// hashes are reproducible.
type FSSource struct {
	root string
}

func NewFSSource(root string) *FSSource {
	return &FSSource{root: root}
}

func (s *FSSource) FilesForScope(scope string) ([]SourceFile, error) {
	dir := path.Join(s.root, scopeDir(scope))
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	var out []SourceFile
	sub := os.DirFS(dir)
	err := fs.WalkDir(sub, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		content, err := fs.ReadFile(sub, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		out = append(out, SourceFile{
			Path:    path.Join(scopeDir(scope), p),
			Content: content,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk scope %s: %w", scope, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *FSSource) Scopes() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read source root: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, "policy:"+e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// MapSource serves files from memory. Used in tests and for inline
// ground-truth data.
type MapSource struct {
	files map[string][]SourceFile // scope -> files
}

func NewMapSource(files map[string][]SourceFile) *MapSource {
	return &MapSource{files: files}
}

func (s *MapSource) FilesForScope(scope string) ([]SourceFile, error) {
	out := append([]SourceFile(nil), s.files[scope]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MapSource) Scopes() ([]string, error) {
	out := make([]string, 0, len(s.files))
	for scope := range s.files {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out, nil
}
