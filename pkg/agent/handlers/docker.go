// Package handlers implements the commands of the stratus-agent on top of the
// docker CLI.
package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Docker runs one docker CLI invocation and returns its stdout.
type Docker interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// DockerCLI shells out to the docker binary.
type DockerCLI struct {
	// Binary defaults to "docker".
	Binary string
}

// Run executes docker with args.
func (d *DockerCLI) Run(ctx context.Context, args ...string) (string, error) {
	bin := d.Binary
	if bin == "" {
		bin = "docker"
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("docker %s exited with %d: %s",
				args[0], exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("failed to run docker %s: %w", args[0], err)
	}
	return stdout.String(), nil
}

// lines splits CLI output into its non-empty lines.
func lines(out string) []string {
	var result []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			result = append(result, l)
		}
	}
	return result
}
