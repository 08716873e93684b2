package localnode

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner abstracts command execution so the fetcher can be unit-tested
// without a celestia binary around.
//
type Runner interface {
	// Output runs `name` with `args`, with `env` appended to the current
	// process' environment, returning whatever was written to stdout.
	//
	Output(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// OSRunner executes commands on the host via os/exec.
//
type OSRunner struct{}

var _ Runner = OSRunner{}

func (OSRunner) Output(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("run '%s %s': %w: %s",
				name, strings.Join(args, " "), err, msg)
		}

		return nil, fmt.Errorf("run '%s %s': %w",
			name, strings.Join(args, " "), err)
	}

	return stdout.Bytes(), nil
}
