//go:build !windows

package executil

import (
	"bufio"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ProbeGPUFreeMemoryMiB invokes `nvidia-smi --query-gpu=memory.free
// --format=csv,noheader,nounits` and returns the free memory in MiB
// for every detected GPU. A failure to run nvidia-smi is reported to
// the caller, who treats it as zero free memory rather than failing.
func ProbeGPUFreeMemoryMiB(timeout time.Duration) ([]int, error) {
	cmd := exec.Command("nvidia-smi", "--query-gpu=memory.free", "--format=csv,noheader,nounits")
	output, err := runWithTimeout(cmd, timeout)
	if err != nil {
		return nil, err
	}
	return parseMiBLines(output), nil
}

func parseMiBLines(output string) []int {
	var values []int
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		v, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	return values
}

func runWithTimeout(cmd *exec.Cmd, timeout time.Duration) (string, error) {
	done := make(chan struct{})
	var output []byte
	var err error

	go func() {
		output, err = cmd.Output()
		close(done)
	}()

	select {
	case <-done:
		return string(output), err
	case <-time.After(timeout):
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return "", exec.ErrNotFound
	}
}
