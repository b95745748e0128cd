//go:build windows

package privilege

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/windows"
)

// New returns the bridge for the current platform.
func New() Bridge {
	return NewElevator(nil)
}

// Elevator elevates through a UAC prompt on Windows.
type Elevator struct {
	run Runner
}

// NewElevator returns a UAC bridge. A nil runner executes real commands.
func NewElevator(run Runner) *Elevator {
	if run == nil {
		run = execRunner
	}
	return &Elevator{run: run}
}

// HasPrivilege reports whether the process token is elevated.
func (e *Elevator) HasPrivilege() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}

// RunElevated runs the command directly when elevated, otherwise through
// PowerShell Start-Process with the RunAs verb and waits for it.
func (e *Elevator) RunElevated(ctx context.Context, name string, args ...string) error {
	if e.HasPrivilege() {
		out, err := e.run(ctx, name, args...)
		if err != nil {
			return commandError(name, args, out, err)
		}
		return nil
	}

	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", "''") + "'"
	}
	script := fmt.Sprintf("Start-Process -FilePath '%s' -Verb RunAs -Wait -WindowStyle Hidden", strings.ReplaceAll(name, "'", "''"))
	if len(quoted) > 0 {
		script += " -ArgumentList " + strings.Join(quoted, ",")
	}

	psArgs := []string{"-NoProfile", "-NonInteractive", "-Command", script}
	out, err := e.run(ctx, "powershell", psArgs...)
	if err != nil {
		return commandError("powershell", psArgs, out, err)
	}
	return nil
}

// PrivilegedCopy copies from into to with xcopy, merging into existing directories.
func (e *Elevator) PrivilegedCopy(ctx context.Context, from, to string) error {
	info, err := os.Stat(from)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", from, err)
	}
	if !info.IsDir() {
		return e.RunElevated(ctx, "cmd", "/C", "copy", "/Y", from, to)
	}
	return e.RunElevated(ctx, "xcopy", from, to, "/E", "/I", "/Y", "/H")
}
