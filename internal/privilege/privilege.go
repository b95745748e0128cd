// Package privilege runs filesystem operations with elevated rights when the
// current process cannot perform them itself.
package privilege

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Bridge escalates privileges for a single command or copy.
type Bridge interface {
	// HasPrivilege reports whether the process already runs elevated.
	HasPrivilege() bool
	// RunElevated runs name with args using elevated rights.
	RunElevated(ctx context.Context, name string, args ...string) error
	// PrivilegedCopy copies from into to using elevated rights.
	PrivilegedCopy(ctx context.Context, from, to string) error
}

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 - commands are built by this package
	cmd.Stdin = os.Stdin
	return cmd.CombinedOutput()
}

func commandError(name string, args []string, out []byte, err error) error {
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		return fmt.Errorf("elevated command %s %s failed: %w", name, strings.Join(args, " "), err)
	}
	return fmt.Errorf("elevated command %s %s failed: %w: %s", name, strings.Join(args, " "), err, msg)
}
