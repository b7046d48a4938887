package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"path/filepath"
	"sort"
)

// Fingerprint is the content-derived cache key of a (package, task) pair.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Short returns the first 16 characters, for progress lines.
func (f Fingerprint) Short() string {
	if len(f) <= 16 {
		return string(f)
	}
	return string(f[:16])
}

// HashInput holds every component that contributes to a fingerprint.
//
// PackageDir is relative to the workspace root so that fingerprints are
// stable across checkouts and usable as shared remote cache keys.
type HashInput struct {
	Package    string
	PackageDir string
	Task       string
	Command    string
	DependsOn  []string
	Env        map[string]string
	Outputs    []string
	Inputs     *InputSet
}

// ComputeHash hashes input with sha256. Every field is length-prefixed and
// every collection is sorted, so equal inputs always give equal output.
func ComputeHash(input HashInput) Fingerprint {
	h := sha256.New()

	writeField(h, []byte(input.Package))
	writeField(h, []byte(input.PackageDir))
	writeField(h, []byte(input.Task))
	writeField(h, []byte(input.Command))

	// DependsOn order is significant: prerequisites run in declared order.
	writeCount(h, len(input.DependsOn))
	for _, d := range input.DependsOn {
		writeField(h, []byte(d))
	}

	envKeys := make([]string, 0, len(input.Env))
	for k := range input.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	writeCount(h, len(envKeys))
	for _, k := range envKeys {
		writeField(h, []byte(k))
		writeField(h, []byte(input.Env[k]))
	}

	outputs := append([]string(nil), input.Outputs...)
	sort.Strings(outputs)
	writeCount(h, len(outputs))
	for _, out := range outputs {
		writeField(h, []byte(out))
	}

	var inputs []Input
	if input.Inputs != nil {
		inputs = input.Inputs.Inputs
	}
	writeCount(h, len(inputs))
	for _, in := range inputs {
		writeField(h, []byte(in.Path))
		writeField(h, in.Content)
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

func writeField(h hash.Hash, data []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	h.Write(prefix[:])
	h.Write(data)
}

func writeCount(h hash.Hash, n int) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	writeField(h, buf[:])
}

// Fingerprinter computes fingerprints for packages of one workspace.
type Fingerprinter struct {
	Root string
}

// NewFingerprinter returns a Fingerprinter for the workspace at root.
func NewFingerprinter(root string) *Fingerprinter {
	return &Fingerprinter{Root: root}
}

// Fingerprint resolves the task's inputs in pkg and hashes them together
// with the task configuration.
func (f *Fingerprinter) Fingerprint(pkg Package, task string, spec TaskSpec) (Fingerprint, error) {
	rel, err := filepath.Rel(f.Root, pkg.Dir)
	if err != nil {
		return "", fmt.Errorf("package %q is outside the workspace: %w", pkg.Name, err)
	}
	inputs, err := NewInputResolver(pkg.Dir, spec.Outputs).Resolve(spec.Inputs)
	if err != nil {
		return "", fmt.Errorf("resolving inputs for %s#%s: %w", pkg.Name, task, err)
	}
	return ComputeHash(HashInput{
		Package:    pkg.Name,
		PackageDir: filepath.ToSlash(rel),
		Task:       task,
		Command:    spec.Run,
		DependsOn:  spec.DependsOn,
		Env:        spec.Env,
		Outputs:    spec.Outputs,
		Inputs:     inputs,
	}), nil
}
