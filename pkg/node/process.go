package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Process is a running node started by the Launcher
type Process struct {
	Binary string
	Args   []string
	Env    []string

	cmd    *exec.Cmd
	logs   *LogBuffer
	logger zerolog.Logger
	done   chan struct{}
	err    error
	mu     sync.Mutex
}

// NewProcess prepares a process; nothing runs until Start.
func NewProcess(binary string, args []string, logger zerolog.Logger) *Process {
	return &Process{
		Binary: binary,
		Args:   args,
		logs:   &LogBuffer{},
		logger: logger,
	}
}

// Start starts the process without waiting for it
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return fmt.Errorf("process already started with PID %d", p.cmd.Process.Pid)
	}

	cmd := exec.Command(p.Binary, p.Args...)
	cmd.Env = append(os.Environ(), p.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}

	p.cmd = cmd
	p.done = make(chan struct{})

	var readers sync.WaitGroup
	readers.Add(2)
	go p.captureLogs("stdout", stdout, &readers)
	go p.captureLogs("stderr", stderr, &readers)

	// Wait must not run before the pipes are drained
	go func() {
		readers.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()

	return nil
}

// PID returns the process id, or 0 before Start
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Terminate sends SIGTERM
func (p *Process) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil {
		return fmt.Errorf("process not running")
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}
	return nil
}

// Wait blocks until the process exits. Exit caused by our SIGTERM is not an error.
func (p *Process) Wait() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	if done == nil {
		return fmt.Errorf("process not started")
	}
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil && !terminatedBySignal(p.err) {
		return fmt.Errorf("process exited with error: %w", p.err)
	}
	return nil
}

// Exited reports whether the process has exited
func (p *Process) Exited() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	if done == nil {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Shutdown terminates the process and waits for it. With a zero timeout the
// wait is unbounded; otherwise the process is killed once timeout passes.
func (p *Process) Shutdown(timeout time.Duration) error {
	p.logger.Info().Int("pid", p.PID()).Msg("Shutting down node")

	if p.Exited() {
		return p.Wait()
	}
	if err := p.Terminate(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return p.Wait()
		}
		return err
	}
	if timeout <= 0 {
		return p.Wait()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-p.done:
		return p.Wait()
	case <-ctx.Done():
		p.logger.Warn().Dur("timeout", timeout).Msg("node did not stop, killing it")
		p.mu.Lock()
		_ = p.cmd.Process.Kill()
		p.mu.Unlock()
		<-p.done
		return nil
	}
}

// Logs returns everything the process wrote so far
func (p *Process) Logs() string {
	return p.logs.String()
}

// LogTail returns the last n lines the process wrote
func (p *Process) LogTail(n int) []string {
	return p.logs.Tail(n)
}

func (p *Process) captureLogs(source string, reader io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.logs.Append(line)
		p.logger.Debug().Str("stream", source).Msg(line)
	}
}

func terminatedBySignal(err error) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if ok && status.Signaled() {
		return status.Signal() == syscall.SIGTERM || status.Signal() == syscall.SIGKILL
	}
	// JVMs exit with 128+SIGTERM after handling the signal
	return exitErr.ExitCode() == 143
}

// LogBuffer is a thread-safe line buffer
type LogBuffer struct {
	mu    sync.RWMutex
	lines []string
}

// Append adds a line
func (lb *LogBuffer) Append(line string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.lines = append(lb.lines, line)
}

// String returns all lines joined with newlines
func (lb *LogBuffer) String() string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	if len(lb.lines) == 0 {
		return ""
	}
	return strings.Join(lb.lines, "\n") + "\n"
}

// Tail returns up to the last n lines
func (lb *LogBuffer) Tail(n int) []string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	start := len(lb.lines) - n
	if start < 0 {
		start = 0
	}
	return append([]string(nil), lb.lines[start:]...)
}

// Contains reports whether any line contains pattern
func (lb *LogBuffer) Contains(pattern string) bool {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	for _, line := range lb.lines {
		if strings.Contains(line, pattern) {
			return true
		}
	}
	return false
}
