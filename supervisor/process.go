package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/devserver/stream"
	"go.uber.org/zap"
)

var (
	// ErrSpawn wraps failures to create the child process.
	ErrSpawn = errors.New("spawning process")
	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("process already started")
)

type State int32

const (
	NotStarted State = iota
	Running
	// Exited means the process ended on its own.
	Exited
	// Killed means the process was terminated by Dispose or by context cancellation.
	Killed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Killed:
		return "killed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type StartRequest struct {
	Command string
	Args    []string
	// Env is merged over the current process environment, explicit keys win.
	Env map[string]string
	WD  string
}

type Result struct {
	ExitCode int
	Duration time.Duration
}

// Process supervises a single child process and exposes its stdout and stderr as line streams.
// The readers exist from construction, so subscribers can be registered before Start without missing output.
type Process struct {
	ID     string
	Stdout *stream.Reader
	Stderr *stream.Reader

	log       *zap.SugaredLogger
	req       StartRequest
	waitDelay time.Duration

	stdoutW *io.PipeWriter
	stderrW *io.PipeWriter

	m        sync.Mutex
	state    State
	startErr error
	cmd      *exec.Cmd
	result   *Result
	waitErr  error
	exited   chan struct{}
	disposed sync.Once
}

type Option func(p *Process)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Process) {
		p.log = l
	}
}

// WithWaitDelay bounds how long to wait for the output pipes to drain after the process exits,
// since grandchildren may inherit and hold them open.
func WithWaitDelay(d time.Duration) Option {
	return func(p *Process) {
		p.waitDelay = d
	}
}

func New(req StartRequest, opts ...Option) *Process {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	p := &Process{
		ID:        uuid.NewString(),
		Stdout:    stream.NewReader(stdoutR),
		Stderr:    stream.NewReader(stderrR),
		log:       zap.NewNop().Sugar(),
		req:       req,
		waitDelay: 5 * time.Second,
		stdoutW:   stdoutW,
		stderrW:   stderrW,
		exited:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.Named("supervisor").With("ID", p.ID, "Command", req.Command)
	return p
}

// Start spawns the process. When ctx is done, the process is killed.
// If spawning fails the output streams are closed, and the Process cannot be started again.
func (p *Process) Start(ctx context.Context) error {
	p.m.Lock()
	if p.startErr != nil {
		p.m.Unlock()
		return p.startErr
	}
	if p.state != NotStarted {
		p.m.Unlock()
		return ErrAlreadyStarted
	}

	cmd := exec.Command(p.req.Command, p.req.Args...)
	cmd.Dir = p.req.WD
	cmd.Env = MergeEnv(os.Environ(), p.req.Env)
	cmd.Stdout = p.stdoutW
	cmd.Stderr = p.stderrW
	cmd.WaitDelay = p.waitDelay
	setProcessGroup(cmd)

	start := time.Now()
	err := cmd.Start()
	if err != nil {
		p.startErr = fmt.Errorf("%w %q: %w", ErrSpawn, p.req.Command, err)
		p.m.Unlock()
		p.closeStreams()
		return p.startErr
	}
	p.cmd = cmd
	p.state = Running
	p.m.Unlock()

	p.log.Debugw("process started", "PID", cmd.Process.Pid, "Args", p.req.Args, "WD", p.req.WD)

	p.Stdout.Start()
	p.Stderr.Start()

	go p.wait(start)

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			p.log.Debugw("context done, killing process", "Error", ctx.Err())
			p.kill()
		case <-p.exited:
		}
	}()

	return nil
}

func (p *Process) wait(start time.Time) {
	err := p.cmd.Wait()
	dur := time.Since(start)
	p.stdoutW.Close()
	p.stderrW.Close()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.log.Debugf("unexpected wait error: %s", err)
	}

	p.m.Lock()
	if p.state == Running {
		p.state = Exited
	}
	p.result = &Result{ExitCode: p.cmd.ProcessState.ExitCode(), Duration: dur}
	if err != nil && exitErr == nil && !errors.Is(err, exec.ErrWaitDelay) {
		p.waitErr = err
	}
	state := p.state
	close(p.exited)
	p.m.Unlock()

	p.log.Debugw("process ended", "State", state, "ExitCode", p.result.ExitCode, "Duration", dur)
}

// kill terminates a running process. It is a no-op in any other state.
func (p *Process) kill() {
	p.m.Lock()
	if p.state != Running {
		p.m.Unlock()
		return
	}
	p.state = Killed
	cmd := p.cmd
	p.m.Unlock()

	err := killProcess(cmd)
	if err != nil {
		p.log.Debugf("error killing process: %s", err)
	}
}

func (p *Process) closeStreams() {
	p.stdoutW.Close()
	p.stderrW.Close()
	// start the readers so subscribers observe the closure
	p.Stdout.Start()
	p.Stderr.Start()
}

// Dispose kills the process if it is running and waits for it to be reaped.
// A process that was never started moves straight to Killed. Calls after the first are no-ops.
func (p *Process) Dispose() {
	p.disposed.Do(func() {
		p.m.Lock()
		state := p.state
		if state == NotStarted {
			p.state = Killed
		}
		p.m.Unlock()

		if state == NotStarted {
			p.closeStreams()
			close(p.exited)
			return
		}

		p.kill()
		<-p.exited
	})
}

func (p *Process) State() State {
	p.m.Lock()
	defer p.m.Unlock()
	return p.state
}

// PID returns the OS process ID, or 0 if the process was never started.
func (p *Process) PID() int {
	p.m.Lock()
	defer p.m.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exited is closed once the process has ended, for any reason.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Wait waits for the process to end and returns its exit status.
func (p *Process) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.exited:
	}
	p.m.Lock()
	defer p.m.Unlock()
	if p.result == nil {
		return nil, errors.New("process was never started")
	}
	res := *p.result
	return &res, p.waitErr
}
