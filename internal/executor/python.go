package executor

import (
	"context"
	"log/slog"
	"os/exec"
)

// pythonExecutor runs scripts with the system python3 (falling back to
// python where python3 is not on PATH).
type pythonExecutor struct {
	logger *slog.Logger
}

func (e *pythonExecutor) Run(ctx context.Context, req Request) Result {
	interp := "python3"
	if _, err := exec.LookPath(interp); err != nil {
		interp = "python"
	}
	return runInterpreter(ctx, e.logger, "python", ".py", func(scriptPath string) []string {
		return []string{interp, scriptPath}
	}, req)
}
