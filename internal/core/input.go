package core

// Input is a resolved input file. Path is relative to the package
// directory and uses forward slashes.
type Input struct {
	Path    string
	Content []byte
}

// InputSet is the resolved input list of a task, sorted by Path.
type InputSet struct {
	Inputs []Input
}
