package executil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
)

// FindBinary searches for a worker binary with a 3-tier priority:
//  1. an explicit override (from an environment variable or config setting)
//  2. a `bin` folder relative to the orchestrator executable
//  3. the system PATH
func FindBinary(name, override string) (string, error) {
	if goruntime.GOOS == "windows" && !strings.HasSuffix(name, ".exe") {
		name += ".exe"
	}

	if override != "" {
		if _, err := os.Stat(override); err == nil {
			return override, nil
		}
	}

	if ex, err := os.Executable(); err == nil {
		localPath := filepath.Join(filepath.Dir(ex), "bin", name)
		if _, err := os.Stat(localPath); err == nil {
			return localPath, nil
		}
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%s not found: checked override, local bin/, and PATH", name)
}
