package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Handle is what the manager needs from a running process to stop it.
type Handle interface {
	Pid() int
	Signal(sig os.Signal) error
	Alive() bool
	Done() <-chan struct{}
}

// Process is a started process with its output streams.
type Process interface {
	Handle
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser

	// ExitCode is valid once Done is closed; -1 means the process ended
	// without an exit code (signal or wait failure).
	ExitCode() int
}

// Command describes one process launch.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Spawner starts processes.
type Spawner interface {
	Start(ctx context.Context, cmd Command) (Process, error)
}

// ExecSpawner starts real OS processes with os/exec.
type ExecSpawner struct{}

// Start launches cmd. Output goes through OS pipes the caller drains; the
// process is reaped in the background so Done closes on exit even while
// output is still being read.
func (ExecSpawner) Start(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		return nil, err
	}

	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()

	p := &execProcess{
		cmd:    cmd,
		stdout: outR,
		stderr: errR,
		done:   make(chan struct{}),
		code:   -1,
	}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	done   chan struct{}

	mu   sync.Mutex
	code int
}

func (p *execProcess) wait() {
	_ = p.cmd.Wait()
	p.mu.Lock()
	if p.cmd.ProcessState != nil {
		p.code = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Stdout() io.ReadCloser {
	return p.stdout
}

func (p *execProcess) Stderr() io.ReadCloser {
	return p.stderr
}

func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}
