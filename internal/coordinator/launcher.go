package coordinator

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
)

// Process is a launched worker.
type Process interface {
	// Wait blocks until the worker has exited.
	Wait() error
	Kill() error
}

// Launcher starts one worker that will connect back to addr and introduce
// itself with identifier.
type Launcher interface {
	Launch(ctx context.Context, addr, identifier string) (Process, error)
}

// ExecLauncher re-invokes a binary with its worker subcommand.
type ExecLauncher struct {
	// Path defaults to the running executable.
	Path string
	// Args are forwarded after --port and --identifier.
	Args []string
	// Stderr receives the worker's log output; defaults to os.Stderr.
	Stderr io.Writer
}

// Launch starts `<Path> worker --port P --identifier ID <Args...>`.
func (l *ExecLauncher) Launch(ctx context.Context, addr, identifier string) (Process, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}

	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("coordinator address %q: %w", addr, err)
	}

	args := append([]string{"worker", "--port", port, "--identifier", identifier}, l.Args...)
	cmd := exec.CommandContext(ctx, path, args...)

	stderr := l.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	// Protocol traffic never goes through stdio.
	cmd.Stdout = stderr
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
