package executor

import (
	"context"
	"log/slog"
	"os/exec"
	"runtime"
)

// powerShellExecutor runs scripts with PowerShell Core (pwsh), falling back
// to Windows PowerShell on Windows hosts.
type powerShellExecutor struct {
	logger  *slog.Logger
	command string
}

func newPowerShellExecutor(logger *slog.Logger) *powerShellExecutor {
	return &powerShellExecutor{logger: logger, command: findPowerShell()}
}

func findPowerShell() string {
	if _, err := exec.LookPath("pwsh"); err == nil {
		return "pwsh"
	}
	if runtime.GOOS == "windows" {
		if _, err := exec.LookPath("powershell"); err == nil {
			return "powershell"
		}
		return `C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`
	}
	return "pwsh"
}

func (e *powerShellExecutor) Run(ctx context.Context, req Request) Result {
	return runInterpreter(ctx, e.logger, "powershell", ".ps1", func(scriptPath string) []string {
		// -NoProfile: skip profile scripts. -NonInteractive: never prompt.
		// -ExecutionPolicy Bypass: allow unsigned job scripts.
		return []string{e.command, "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File", scriptPath}
	}, req)
}
