package core

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar"
)

// DefaultInputs is used when a task declares no inputs: every file in the
// package directory, minus the excluded directories and declared outputs.
var DefaultInputs = []string{"**/*"}

var excludedDirs = map[string]bool{
	".git":         true,
	".monorun":     true,
	"node_modules": true,
}

// InputResolver expands input patterns inside one package directory.
//
// Expansion is sorted and deduplicated so that filesystem ordering never
// leaks into a fingerprint.
type InputResolver struct {
	BaseDir string
	// Exclude holds output patterns whose files never count as inputs.
	Exclude []string
}

// NewInputResolver creates a resolver rooted at baseDir.
func NewInputResolver(baseDir string, exclude []string) *InputResolver {
	return &InputResolver{BaseDir: baseDir, Exclude: exclude}
}

// Resolve expands patterns and reads every matched file.
func (r *InputResolver) Resolve(patterns []string) (*InputSet, error) {
	if len(patterns) == 0 {
		patterns = DefaultInputs
	}

	pathSet := make(map[string]struct{})
	for _, pattern := range patterns {
		expanded, err := r.expandPattern(pattern)
		if err != nil {
			return nil, fmt.Errorf("expanding pattern %q: %w", pattern, err)
		}
		for _, p := range expanded {
			pathSet[p] = struct{}{}
		}
	}

	paths := make([]string, 0, len(pathSet))
	for p := range pathSet {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	inputs := make([]Input, 0, len(paths))
	for _, rel := range paths {
		content, err := os.ReadFile(filepath.Join(r.BaseDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("reading input %q: %w", rel, err)
		}
		inputs = append(inputs, Input{Path: rel, Content: content})
	}
	return &InputSet{Inputs: inputs}, nil
}

// expandPattern returns the matching regular files as slash-separated paths
// relative to BaseDir.
func (r *InputResolver) expandPattern(pattern string) ([]string, error) {
	if filepath.IsAbs(pattern) {
		return nil, fmt.Errorf("input pattern must be relative to the package directory")
	}
	matches, err := doublestar.Glob(filepath.Join(r.BaseDir, pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern: %w", err)
	}

	out := make([]string, 0, len(matches))
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			return nil, fmt.Errorf("stat %q: %w", match, err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		rel, err := filepath.Rel(r.BaseDir, match)
		if err != nil {
			return nil, err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, "../") {
			continue
		}
		excluded, err := r.excluded(rel)
		if err != nil {
			return nil, err
		}
		if !excluded {
			out = append(out, rel)
		}
	}
	return out, nil
}

func (r *InputResolver) excluded(rel string) (bool, error) {
	first := rel
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		first = rel[:i]
	}
	if excludedDirs[first] {
		return true, nil
	}
	for _, out := range r.Exclude {
		out = strings.TrimSuffix(filepath.ToSlash(out), "/")
		if rel == out || strings.HasPrefix(rel, out+"/") {
			return true, nil
		}
		if containsGlobChar(out) {
			ok, err := doublestar.Match(out, rel)
			if err != nil {
				return false, fmt.Errorf("invalid output pattern %q: %w", out, err)
			}
			if ok {
				return true, nil
			}
		}
	}
	return false, nil
}

// walkFiles lists regular files under root, relative and slash-separated.
func walkFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func containsGlobChar(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[]{}")
}
