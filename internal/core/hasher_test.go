package core

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestComputeHash_IdenticalInputsIdenticalHash(t *testing.T) {
	in := HashInput{
		Package: "web", PackageDir: "apps/web", Task: "build", Command: "make",
		Env:     map[string]string{"A": "1", "B": "2"},
		Outputs: []string{"dist", "bin"},
		Inputs:  &InputSet{Inputs: []Input{{Path: "a.go", Content: []byte("x")}}},
	}
	again := in
	again.Env = map[string]string{"B": "2", "A": "1"}
	again.Outputs = []string{"bin", "dist"}

	if ComputeHash(in) != ComputeHash(again) {
		t.Fatalf("map or output ordering changed the fingerprint")
	}
}

func TestComputeHash_EachFieldContributes(t *testing.T) {
	base := HashInput{Package: "p", PackageDir: "p", Task: "build", Command: "make"}
	want := ComputeHash(base)

	variants := map[string]HashInput{
		"package":    {Package: "q", PackageDir: "p", Task: "build", Command: "make"},
		"dir":        {Package: "p", PackageDir: "q", Task: "build", Command: "make"},
		"task":       {Package: "p", PackageDir: "p", Task: "lint", Command: "make"},
		"command":    {Package: "p", PackageDir: "p", Task: "build", Command: "make all"},
		"depends_on": {Package: "p", PackageDir: "p", Task: "build", Command: "make", DependsOn: []string{"^build"}},
		"env":        {Package: "p", PackageDir: "p", Task: "build", Command: "make", Env: map[string]string{"X": ""}},
		"outputs":    {Package: "p", PackageDir: "p", Task: "build", Command: "make", Outputs: []string{"dist"}},
		"inputs": {Package: "p", PackageDir: "p", Task: "build", Command: "make",
			Inputs: &InputSet{Inputs: []Input{{Path: "f", Content: nil}}}},
	}
	for name, v := range variants {
		if ComputeHash(v) == want {
			t.Errorf("changing %s did not change the fingerprint", name)
		}
	}
}

func TestComputeHash_LengthPrefixPreventsAmbiguity(t *testing.T) {
	a := ComputeHash(HashInput{Package: "ab", Task: "c"})
	b := ComputeHash(HashInput{Package: "a", Task: "bc"})
	if a == b {
		t.Fatalf("field boundaries must be unambiguous")
	}
}

func TestFingerprinter_ContentChangeChangesFingerprint(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "packages", "lib")
	writeFile(t, filepath.Join(dir, "src", "main.go"), "package main")
	writeFile(t, filepath.Join(dir, "README.md"), "doc")

	f := NewFingerprinter(root)
	pkg := Package{Name: "lib", Dir: dir}
	spec := TaskSpec{Run: "go build", Inputs: []string{"src/**/*.go"}}

	first, err := f.Fingerprint(pkg, "build", spec)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}

	writeFile(t, filepath.Join(dir, "README.md"), "changed, but not an input")
	second, err := f.Fingerprint(pkg, "build", spec)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if first != second {
		t.Fatalf("a file outside the declared inputs changed the fingerprint")
	}

	writeFile(t, filepath.Join(dir, "src", "main.go"), "package main // edit")
	third, err := f.Fingerprint(pkg, "build", spec)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if third == first {
		t.Fatalf("input content change must change the fingerprint")
	}
}

func TestInputResolver_DefaultExcludesOutputsAndVendorDirs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "index.js"), "x")
	writeFile(t, filepath.Join(dir, "dist", "bundle.js"), "y")
	writeFile(t, filepath.Join(dir, "node_modules", "dep", "index.js"), "z")

	set, err := NewInputResolver(dir, []string{"dist"}).Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(set.Inputs) != 1 || set.Inputs[0].Path != "index.js" {
		t.Fatalf("unexpected inputs: %+v", set.Inputs)
	}
}

func TestInputResolver_SortedAndDeduplicated(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.txt"), "b")
	writeFile(t, filepath.Join(dir, "a.txt"), "a")

	set, err := NewInputResolver(dir, nil).Resolve([]string{"*.txt", "a.txt"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(set.Inputs) != 2 || set.Inputs[0].Path != "a.txt" || set.Inputs[1].Path != "b.txt" {
		t.Fatalf("unexpected inputs: %+v", set.Inputs)
	}
}
