// Package core holds the per-package task model and the collaborators the
// scheduler drives for a single (package, task) unit of work: content
// fingerprinting, the local cache tier, output harvest and restore, and the
// shell executor.
//
// Toolkit bundles these collaborators behind the small method set the engine
// depends on.
package core
