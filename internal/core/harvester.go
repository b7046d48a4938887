package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar"
)

// Harvester collects declared outputs from a package directory after a
// successful execution. Only declared outputs are captured; nothing else in
// the package directory is inspected.
type Harvester struct {
	BaseDir string
}

// NewHarvester creates a harvester rooted at a package directory.
func NewHarvester(baseDir string) *Harvester {
	return &Harvester{BaseDir: baseDir}
}

// Harvest reads every file named by outputs. A literal output that does not
// exist is an error; a glob that matches nothing is not.
func (h *Harvester) Harvest(outputs []string) (*ArtifactSet, error) {
	var rels []string
	for _, output := range outputs {
		found, err := h.expand(output)
		if err != nil {
			return nil, err
		}
		rels = append(rels, found...)
	}
	sort.Strings(rels)
	rels = deduplicateSorted(rels)

	artifacts := make([]Artifact, 0, len(rels))
	for _, rel := range rels {
		full := filepath.Join(h.BaseDir, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil {
			return nil, fmt.Errorf("stat artifact %q: %w", rel, err)
		}
		content, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("reading artifact %q: %w", rel, err)
		}
		artifacts = append(artifacts, Artifact{Path: rel, Mode: info.Mode().Perm(), Content: content})
	}
	return &ArtifactSet{Artifacts: artifacts}, nil
}

func (h *Harvester) expand(output string) ([]string, error) {
	if _, err := safeJoin(h.BaseDir, output); err != nil {
		return nil, err
	}

	var roots []string
	if containsGlobChar(output) {
		matches, err := doublestar.Glob(filepath.Join(h.BaseDir, output))
		if err != nil {
			return nil, fmt.Errorf("invalid output pattern %q: %w", output, err)
		}
		roots = matches
	} else {
		full := filepath.Join(h.BaseDir, output)
		if _, err := os.Stat(full); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("declared output does not exist: %s", output)
			}
			return nil, fmt.Errorf("stat output %q: %w", output, err)
		}
		roots = []string{full}
	}

	var out []string
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("stat output %q: %w", root, err)
		}
		rel, err := filepath.Rel(h.BaseDir, root)
		if err != nil {
			return nil, err
		}
		rel = filepath.ToSlash(rel)
		if !info.IsDir() {
			out = append(out, rel)
			continue
		}
		files, err := walkFiles(root)
		if err != nil {
			return nil, fmt.Errorf("collecting files from %q: %w", output, err)
		}
		for _, f := range files {
			if rel == "." {
				out = append(out, f)
			} else {
				out = append(out, rel+"/"+f)
			}
		}
	}
	return out, nil
}

func deduplicateSorted(sorted []string) []string {
	if len(sorted) == 0 {
		return sorted
	}
	result := sorted[:1]
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1] {
			result = append(result, sorted[i])
		}
	}
	return result
}
