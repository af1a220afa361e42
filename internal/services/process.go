package services

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// DefaultStopTimeout is how long Stop waits after each signal before escalating or giving up.
const DefaultStopTimeout = 10 * time.Second

var errBackendRunning = errors.New("a backend process is already running")

// ProcessManager owns at most one inference backend child process. Start, Stop and Restart are
// serialized by a single lock, so concurrent model switches run one after another and a new process
// is only spawned once the previous one is confirmed dead.
type ProcessManager struct {
	executable  string
	port        int
	stopTimeout time.Duration
	output      io.Writer

	mu   sync.Mutex
	proc *backendProcess

	logger *slog.Logger
}

type backendProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	err      error
	stopping atomic.Bool
}

// ProcessManagerOption configures a ProcessManager.
type ProcessManagerOption func(*ProcessManager)

// WithStopTimeout sets how long Stop waits for the process to exit after SIGTERM, and again after
// SIGKILL.
func WithStopTimeout(d time.Duration) ProcessManagerOption {
	return func(p *ProcessManager) {
		p.stopTimeout = d
	}
}

// WithOutput sends the backend's stdout and stderr to w. Without it the output is discarded.
func WithOutput(w io.Writer) ProcessManagerOption {
	return func(p *ProcessManager) {
		p.output = w
	}
}

// NewProcessManager creates a ProcessManager that launches executable and tells it to listen on port.
func NewProcessManager(executable string, port int, logger *slog.Logger, opts ...ProcessManagerOption) *ProcessManager {
	p := &ProcessManager{
		executable:  executable,
		port:        port,
		stopTimeout: DefaultStopTimeout,
		logger:      logger.With(slog.String("module", "process")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the backend for the model at modelPath. The backend begins listening on the
// reserved port after a startup delay that Start does not wait for.
func (p *ProcessManager) Start(modelPath string, args []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.start(modelPath, args)
}

// Stop terminates the running backend and blocks until it has exited. It is a no-op when no backend
// is running.
func (p *ProcessManager) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.stop()
}

// Restart stops the running backend, then starts a new one for modelPath. If the old backend cannot
// be confirmed dead, no new backend is started.
func (p *ProcessManager) Restart(modelPath string, args []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.stop(); err != nil {
		return err
	}
	return p.start(modelPath, args)
}

// Running reports whether a backend process is alive.
func (p *ProcessManager) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.proc == nil {
		return false
	}
	select {
	case <-p.proc.done:
		return false
	default:
		return true
	}
}

// PID returns the process ID of the held backend, or 0 if there is none.
func (p *ProcessManager) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.proc == nil {
		return 0
	}
	return p.proc.cmd.Process.Pid
}

func (p *ProcessManager) commandArgs(modelPath string, args []string) []string {
	cmdArgs := make([]string, 0, len(args)+4)
	cmdArgs = append(cmdArgs, "-m", modelPath)
	cmdArgs = append(cmdArgs, args...)
	return append(cmdArgs, "--port", strconv.Itoa(p.port))
}

func (p *ProcessManager) start(modelPath string, args []string) error {
	if p.proc != nil {
		select {
		case <-p.proc.done:
			p.proc = nil
		default:
			return &SpawnError{Executable: p.executable, Err: errBackendRunning}
		}
	}

	cmdArgs := p.commandArgs(modelPath, args)
	cmd := exec.Command(p.executable, cmdArgs...)
	if p.output != nil {
		cmd.Stdout = p.output
		cmd.Stderr = p.output
	}

	p.logger.Info("Starting backend",
		slog.String("executable", p.executable),
		slog.Any("args", cmdArgs))

	if err := cmd.Start(); err != nil {
		return &SpawnError{Executable: p.executable, Err: err}
	}

	bp := &backendProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		bp.err = cmd.Wait()
		close(bp.done)
		if !bp.stopping.Load() {
			p.logger.Warn("Backend exited unexpectedly",
				slog.Int("pid", cmd.Process.Pid),
				slog.Any(errLoggerKey, bp.err))
		}
	}()

	p.proc = bp
	p.logger.Info("Backend started", slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (p *ProcessManager) stop() error {
	bp := p.proc
	if bp == nil {
		return nil
	}

	pid := bp.cmd.Process.Pid
	select {
	case <-bp.done:
		p.proc = nil
		return nil
	default:
	}

	bp.stopping.Store(true)
	children := p.children(pid)

	p.logger.Info("Stopping backend", slog.Int("pid", pid))

	if err := bp.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug("SIGTERM not delivered, killing backend",
			slog.Int("pid", pid),
			slog.String(errLoggerKey, err.Error()))
		_ = bp.cmd.Process.Kill()
	}

	if !waitClosed(bp.done, p.stopTimeout) {
		p.logger.Warn("Backend ignored SIGTERM, killing", slog.Int("pid", pid))
		if err := bp.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return &ShutdownError{PID: pid, Err: fmt.Errorf("failed to kill: %w", err)}
		}
		if !waitClosed(bp.done, p.stopTimeout) {
			return &ShutdownError{PID: pid, Err: errors.New("process did not exit after SIGKILL")}
		}
	}
	p.proc = nil

	if err := p.reapChildren(children); err != nil {
		return &ShutdownError{PID: pid, Err: err}
	}

	p.logger.Info("Backend stopped", slog.Int("pid", pid))
	return nil
}

// children lists the direct children of pid. Their create times are read up front so that a later
// IsRunning can tell a reused PID apart from the child it was read for.
func (p *ProcessManager) children(pid int) []*process.Process {
	parent, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	children, err := parent.Children()
	if err != nil {
		if !errors.Is(err, process.ErrorNoChildren) {
			p.logger.Debug("Failed to list backend children",
				slog.Int("pid", pid),
				slog.String(errLoggerKey, err.Error()))
		}
		return nil
	}
	for _, c := range children {
		_, _ = c.CreateTime()
	}
	return children
}

func (p *ProcessManager) reapChildren(children []*process.Process) error {
	for _, c := range children {
		if !alive(c) {
			continue
		}
		p.logger.Warn("Killing leftover backend child", slog.Int("pid", int(c.Pid)))
		if err := c.Kill(); err != nil && alive(c) {
			return fmt.Errorf("failed to kill child %d: %w", c.Pid, err)
		}
	}

	deadline := time.Now().Add(p.stopTimeout)
	for _, c := range children {
		for alive(c) {
			if time.Now().After(deadline) {
				return fmt.Errorf("child %d still running", c.Pid)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
	return nil
}

// alive reports whether c is still running. A zombie counts as dead: it has exited and only waits
// for its new parent to reap it.
func alive(c *process.Process) bool {
	running, err := c.IsRunning()
	if err != nil || !running {
		return false
	}
	status, err := c.Status()
	if err != nil {
		return true
	}
	return !slices.Contains(status, process.Zombie)
}

func waitClosed(ch <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		<-ch
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
