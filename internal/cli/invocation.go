package cli

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"monorun/internal/config"
	"monorun/internal/engine"
	"monorun/internal/workspace"
)

const (
	ExitSuccess           = 0
	ExitTaskFailure       = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// Invocation is the canonical description of one `run`. Relative paths are
// resolved against WorkDir, never against the process working directory.
type Invocation struct {
	Task       string
	Scope      string
	WorkDir    string
	ConfigPath string
	ReportPath string
	TracePath  string

	// Concurrency below zero defers to the config file.
	Concurrency int
	Explain     bool
	DryRun      bool
	PrintGraph  bool
	NoCache     bool
	Force       bool
	Strict      bool
	Clean       bool
	Debug       bool
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// Canonicalize validates inv and resolves its paths.
func (inv Invocation) Canonicalize() (Invocation, error) {
	inv.Task = strings.TrimSpace(inv.Task)
	if inv.Task == "" {
		return Invocation{}, invalidInvocationf("task name is required")
	}
	if strings.Contains(inv.Task, "#") {
		return Invocation{}, invalidInvocationf("task name must not contain '#' (got %q)", inv.Task)
	}
	inv.Scope = strings.TrimSpace(inv.Scope)

	workDir, err := filepath.Abs(filepath.Clean(inv.WorkDir))
	if err != nil {
		return Invocation{}, invalidInvocationf("invalid --cwd %q: %v", inv.WorkDir, err)
	}
	inv.WorkDir = workDir

	if inv.ConfigPath != "" {
		if inv.ConfigPath, err = resolveUnderWorkDir(workDir, inv.ConfigPath); err != nil {
			return Invocation{}, err
		}
	}
	if inv.ReportPath != "" && inv.ReportPath != "-" {
		if inv.ReportPath, err = resolveUnderWorkDir(workDir, inv.ReportPath); err != nil {
			return Invocation{}, err
		}
	}
	if inv.TracePath != "" {
		if inv.TracePath, err = resolveUnderWorkDir(workDir, inv.TracePath); err != nil {
			return Invocation{}, err
		}
	}
	if inv.Force && inv.NoCache {
		return Invocation{}, invalidInvocationf("--force and --no-cache are mutually exclusive")
	}
	return inv, nil
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if clean == "." {
		return "", invalidInvocationf("path must not be '.'")
	}
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	return filepath.Join(workDir, clean), nil
}

// ExitCode maps an error returned by the CLI onto a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	switch {
	case errors.Is(err, engine.ErrTaskExecution):
		return ExitTaskFailure
	case errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, workspace.ErrInvalidManifest),
		errors.Is(err, engine.ErrInvalidTaskConfig),
		errors.Is(err, engine.ErrScopeNotFound),
		errors.Is(err, engine.ErrCircularDependency):
		return ExitConfigError
	}
	return ExitInternalError
}
