package pool

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/3cpo-dev/vpb/internal/agent"
	"github.com/3cpo-dev/vpb/internal/ssh"
)

// Runner executes a command line on a machine, streaming combined output to
// out.
type Runner interface {
	RunCommand(ctx context.Context, command string, out io.Writer) error
}

// ShellRunner runs commands on the local host through sh -c.
type ShellRunner struct {
	Shell string
}

func (r ShellRunner) RunCommand(ctx context.Context, command string, out io.Writer) error {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %q: %w", command, err)
	}
	return nil
}

// RunnerFactory picks the transport for a machine.
type RunnerFactory func(spec Spec) (Runner, error)

// DefaultRunner uses the agent when an agent URL is configured, SSH when an
// ssh block is present, and the local shell otherwise.
func DefaultRunner(spec Spec) (Runner, error) {
	switch {
	case spec.Agent != "":
		return &agent.Client{BaseURL: spec.Agent, Token: spec.AgentToken}, nil
	case spec.SSH != nil:
		c, err := ssh.NewClient(spec.Hostname, *spec.SSH)
		if err != nil {
			return nil, fmt.Errorf("machine %s: %w", spec.Hostname, err)
		}
		return c, nil
	default:
		return ShellRunner{}, nil
	}
}
