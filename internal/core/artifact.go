package core

import "io/fs"

// Artifact is one harvested output file. Path is relative to the package
// directory and slash-separated.
type Artifact struct {
	Path    string      `json:"path"`
	Mode    fs.FileMode `json:"mode"`
	Content []byte      `json:"-"`
}

// ArtifactSet is a sorted artifact list.
type ArtifactSet struct {
	Artifacts []Artifact
}
