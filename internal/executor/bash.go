package executor

import (
	"context"
	"log/slog"
)

// bashExecutor runs scripts with bash. Profile and rc files are suppressed
// so job scripts see a clean shell.
type bashExecutor struct {
	logger *slog.Logger
}

func (e *bashExecutor) Run(ctx context.Context, req Request) Result {
	return runInterpreter(ctx, e.logger, "bash", ".sh", func(scriptPath string) []string {
		return []string{"bash", "--noprofile", "--norc", scriptPath}
	}, req)
}
