// Package workspace discovers the packages of a monorepo and builds their
// dependency graph.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar"
	"github.com/bytedance/sonic"

	"monorun/internal/core"
	"monorun/internal/dag"
)

// ManifestName is the per-package manifest file.
const ManifestName = "package.json"

var ErrInvalidManifest = errors.New("invalid package manifest")

type manifest struct {
	Name                 string            `json:"name"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
}

// Discover finds every directory matching one of patterns (relative to root)
// that holds a package.json, and returns the packages keyed by name.
func Discover(root string, patterns []string) (map[string]core.Package, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	pkgs := make(map[string]core.Package)
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(filepath.Join(absRoot, pattern, ManifestName))
		if err != nil {
			return nil, fmt.Errorf("invalid workspace pattern %q: %w", pattern, err)
		}
		sort.Strings(matches)
		for _, path := range matches {
			pkg, err := readManifest(path)
			if err != nil {
				return nil, err
			}
			if prev, dup := pkgs[pkg.Name]; dup {
				if prev.Dir == pkg.Dir {
					continue
				}
				return nil, fmt.Errorf("%w: package %q declared in both %s and %s", ErrInvalidManifest, pkg.Name, prev.Dir, pkg.Dir)
			}
			pkgs[pkg.Name] = pkg
		}
	}
	return pkgs, nil
}

func readManifest(path string) (core.Package, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Package{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var m manifest
	if err := sonic.Unmarshal(data, &m); err != nil {
		return core.Package{}, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, path, err)
	}
	if m.Name == "" {
		return core.Package{}, fmt.Errorf("%w: %s has no name", ErrInvalidManifest, path)
	}

	seen := map[string]bool{}
	var deps []string
	for _, group := range []map[string]string{m.Dependencies, m.DevDependencies, m.PeerDependencies, m.OptionalDependencies} {
		for name := range group {
			if !seen[name] {
				seen[name] = true
				deps = append(deps, name)
			}
		}
	}
	sort.Strings(deps)
	return core.Package{Name: m.Name, Dir: filepath.Dir(path), Dependencies: deps}, nil
}

// BuildDependencyGraph adds one node per package, in name order, and an
// edge dep -> pkg for every dependency that is itself a workspace package.
// External dependencies are ignored and duplicates collapse. A package that
// depends on itself gets a self-loop.
func BuildDependencyGraph(pkgs map[string]core.Package) (*dag.Graph, dag.Index) {
	names := make([]string, 0, len(pkgs))
	for name := range pkgs {
		names = append(names, name)
	}
	sort.Strings(names)

	g := dag.New()
	idx := make(dag.Index, len(names))
	for _, name := range names {
		idx[name] = g.AddNode(name)
	}
	for _, name := range names {
		for _, dep := range pkgs[name].Dependencies {
			from, ok := idx[dep]
			if !ok {
				continue
			}
			// Both IDs come from idx, so AddEdge cannot fail.
			_ = g.AddEdge(from, idx[name])
		}
	}
	return g, idx
}

// DirectDependencies returns the dependencies of pkg that are workspace
// packages, in manifest order (sorted by name).
func DirectDependencies(pkg core.Package, pkgs map[string]core.Package) []core.Package {
	var out []core.Package
	for _, dep := range pkg.Dependencies {
		if p, ok := pkgs[dep]; ok {
			out = append(out, p)
		}
	}
	return out
}
