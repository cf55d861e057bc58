//go:build !windows

package executil

import (
	"context"
	"os/exec"
)

// Command creates an *exec.Cmd for non-Windows platforms.
func Command(name string, arg ...string) *exec.Cmd {
	return exec.Command(name, arg...)
}

// CommandContext creates an *exec.Cmd bound to ctx for timeout/cancellation.
func CommandContext(ctx context.Context, name string, arg ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, arg...)
}
