package process

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
)

type fakeProcess struct {
	pid        int
	ignoreTerm bool

	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
	done       chan struct{}
	once       sync.Once

	mu      sync.Mutex
	code    int
	signals []os.Signal
}

func newFakeProcess(pid int) *fakeProcess {
	p := &fakeProcess{pid: pid, done: make(chan struct{}), code: -1}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	return p
}

func (p *fakeProcess) stdout(s string) { _, _ = p.outW.Write([]byte(s)) }
func (p *fakeProcess) stderr(s string) { _, _ = p.errW.Write([]byte(s)) }

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		p.outW.Close()
		p.errW.Close()
		close(p.done)
	})
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(sig os.Signal) error {
	if !p.Alive() {
		return os.ErrProcessDone
	}
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == os.Kill || (sig == syscall.SIGTERM && !p.ignoreTerm) {
		go p.exit(-1)
	}
	return nil
}

func (p *fakeProcess) received() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

func (p *fakeProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.outR }
func (p *fakeProcess) Stderr() io.ReadCloser { return p.errR }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

// fakeSpawner hands out prepared processes in order.
type fakeSpawner struct {
	mu       sync.Mutex
	queue    []*fakeProcess
	err      error
	commands []Command
}

func (s *fakeSpawner) push(p ...*fakeProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, p...)
}

func (s *fakeSpawner) Start(_ context.Context, c Command) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, c)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.queue) == 0 {
		return nil, errors.New("no fake process queued")
	}
	p := s.queue[0]
	s.queue = s.queue[1:]
	return p, nil
}

func (s *fakeSpawner) lastCommand() Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[len(s.commands)-1]
}
