package privilege

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Sudo elevates through sudo on Unix-like systems.
type Sudo struct {
	run  Runner
	euid func() int
}

// NewSudo returns a sudo bridge. A nil runner executes real commands.
func NewSudo(run Runner) *Sudo {
	if run == nil {
		run = execRunner
	}
	return &Sudo{run: run, euid: os.Geteuid}
}

// HasPrivilege reports whether the effective user is root.
func (s *Sudo) HasPrivilege() bool {
	return s.euid() == 0
}

// RunElevated runs the command directly as root, otherwise through sudo.
func (s *Sudo) RunElevated(ctx context.Context, name string, args ...string) error {
	cmdName, cmdArgs := name, args
	if !s.HasPrivilege() {
		cmdName = "sudo"
		cmdArgs = append([]string{name}, args...)
	}

	out, err := s.run(ctx, cmdName, cmdArgs...)
	if err != nil {
		return commandError(cmdName, cmdArgs, out, err)
	}
	return nil
}

// PrivilegedCopy merges the contents of from into to and makes the result
// readable for the container's users.
func (s *Sudo) PrivilegedCopy(ctx context.Context, from, to string) error {
	info, err := os.Stat(from)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", from, err)
	}

	if !info.IsDir() {
		if err := s.RunElevated(ctx, "mkdir", "-p", filepath.Dir(to)); err != nil {
			return err
		}
		return s.RunElevated(ctx, "cp", from, to)
	}

	if err := s.RunElevated(ctx, "mkdir", "-p", to); err != nil {
		return err
	}
	if err := s.RunElevated(ctx, "cp", "-R", filepath.Clean(from)+string(filepath.Separator)+".", to); err != nil {
		return err
	}
	return s.RunElevated(ctx, "chmod", "-R", "u+rwX,go+rX", to)
}
