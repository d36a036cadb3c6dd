// Package executor runs job scripts in interpreter subprocesses. Each
// executor writes the script body to a temp file, invokes the interpreter
// with a wall-clock timeout, and returns captured output. Failures never
// surface as errors: any problem becomes a Result with Retcode -1 and the
// error text in Stderr.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout applies when a job config carries no timeout.
const DefaultTimeout = 300 * time.Second

// Result holds the captured outcome of one script run.
type Result struct {
	Stdout  string
	Stderr  string
	Retcode int
}

// Request describes one script run.
type Request struct {
	// JobName and JobType are exported to the script environment.
	JobName string
	JobType string

	// Script is the script body to execute.
	Script string

	// Timeout is the wall-clock limit; DefaultTimeout when zero.
	Timeout time.Duration

	// InputPath, when non-empty, is passed as the sole positional
	// argument after the script path.
	InputPath string

	// DigestID and DigestTags describe the work item, exported to the
	// script environment.
	DigestID   string
	DigestTags []string
}

// Executor runs a script in a subprocess.
type Executor interface {
	Run(ctx context.Context, req Request) Result
}

// Registry maps language names to executors.
type Registry struct {
	executors map[string]Executor
}

// NewRegistry builds the executor set for all supported languages.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{executors: map[string]Executor{
		"bash":       &bashExecutor{logger: logger},
		"python":     &pythonExecutor{logger: logger},
		"powershell": newPowerShellExecutor(logger),
	}}
}

// ForLanguage returns the executor for a language, or false when the
// language is unsupported.
func (r *Registry) ForLanguage(lang string) (Executor, bool) {
	e, ok := r.executors[lang]
	return e, ok
}

// Supported returns the supported language names.
func (r *Registry) Supported() []string {
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	return names
}

// runInterpreter is the shared subprocess runner. suffix is the temp-file
// extension for the interpreter; argv builds the command line from the
// written script path.
func runInterpreter(ctx context.Context, logger *slog.Logger, name, suffix string, argv func(scriptPath string) []string, req Request) Result {
	f, err := os.CreateTemp("", "kash-stash-*"+suffix)
	if err != nil {
		return failure(fmt.Sprintf("creating script file: %v", err))
	}
	scriptPath := f.Name()
	defer os.Remove(scriptPath)

	if _, err := f.WriteString(req.Script); err != nil {
		f.Close()
		return failure(fmt.Sprintf("writing script file: %v", err))
	}
	if err := f.Close(); err != nil {
		return failure(fmt.Sprintf("closing script file: %v", err))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := argv(scriptPath)
	if req.InputPath != "" {
		args = append(args, req.InputPath)
	}

	logger.Debug("running script", "executor", name, "job", req.JobName, "path", scriptPath)

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		"JOB_NAME="+req.JobName,
		"JOB_TYPE="+req.JobType,
		"JOB_DIGEST_ID="+req.DigestID,
		"JOB_DIGEST_TAGS="+strings.Join(req.DigestTags, ","),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		logger.Warn("script timed out", "executor", name, "job", req.JobName, "timeout", timeout)
		return Result{
			Stderr:  fmt.Sprintf("script timed out after %d seconds", int(timeout.Seconds())),
			Retcode: -1,
		}
	}

	retcode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			retcode = exitErr.ExitCode()
		} else {
			// Interpreter missing, I/O error, etc.
			logger.Warn("script failed to run", "executor", name, "job", req.JobName, "error", runErr)
			return Result{
				Stdout:  stdout.String(),
				Stderr:  runErr.Error(),
				Retcode: -1,
			}
		}
	}

	logger.Debug("script finished", "executor", name, "job", req.JobName, "exit", retcode)
	return Result{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Retcode: retcode,
	}
}

func failure(msg string) Result {
	return Result{Stderr: msg, Retcode: -1}
}
