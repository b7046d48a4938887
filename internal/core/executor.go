package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
)

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("command exited with code %d", e.Code) }

// ExecutionResult is the captured result of one command.
type ExecutionResult struct {
	// Output interleaves stdout and stderr in write order.
	Output   []byte
	ExitCode int
}

// ShellExecutor runs task commands with "sh -c" in the package directory.
type ShellExecutor struct{}

// NewShellExecutor returns a ShellExecutor.
func NewShellExecutor() *ShellExecutor { return &ShellExecutor{} }

// Execute runs command in dir. In strict mode the environment is exactly
// env; otherwise env is layered over the host environment.
//
// Cancelling ctx kills the whole process group.
func (e *ShellExecutor) Execute(ctx context.Context, dir, command string, env map[string]string, strict bool) (*ExecutionResult, error) {
	if command == "" {
		return nil, fmt.Errorf("command is empty")
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = dir
	if strict {
		cmd.Env = buildIsolatedEnv(env)
	} else {
		cmd.Env = buildInheritedEnv(os.Environ(), env)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return &ExecutionResult{Output: out.Bytes(), ExitCode: exitCode}, nil
}

// buildIsolatedEnv returns only the declared variables, sorted. The result
// is never nil: a nil Env would make exec inherit the host environment.
func buildIsolatedEnv(env map[string]string) []string {
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

func buildInheritedEnv(host []string, env map[string]string) []string {
	result := make([]string, 0, len(host)+len(env))
	for _, kv := range host {
		k, _, _ := strings.Cut(kv, "=")
		if _, overridden := env[k]; overridden {
			continue
		}
		result = append(result, kv)
	}
	return append(result, buildIsolatedEnv(env)...)
}
