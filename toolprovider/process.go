package toolprovider

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// process owns the provider subprocess and its stdio pipes.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *slog.Logger

	writeMu sync.Mutex

	stderrDone chan struct{}
	exited     chan struct{} // closed after Wait returns
	exitErr    error
}

func startProcess(ctx context.Context, cfg Config, logger *slog.Logger) (*process, error) {
	if cfg.Command == "" {
		return nil, errors.New("tool provider command is empty")
	}
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", cfg.Command, err)
	}

	cmd := exec.CommandContext(ctx, path, cfg.Args...)
	cmd.Env = cfg.environ()
	cmd.Dir = cfg.Dir
	// Own process group so shutdown reaches anything the command forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", cfg.Command, err)
	}

	p := &process{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		logger:     logger.With("pid", cmd.Process.Pid),
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}
	go p.monitorStderr()
	return p, nil
}

func (p *process) write(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.stdin.Write(frame)
	return err
}

// monitorStderr relays the provider's diagnostics to the log.
func (p *process) monitorStderr() {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		p.logger.Debug("tool provider stderr", "line", scanner.Text())
	}
}

// wait reaps the subprocess once stdout has been drained. Wait closes the
// pipes, so readers must finish first or buffered frames are lost.
func (p *process) wait(stdoutDone <-chan struct{}) {
	<-stdoutDone
	<-p.stderrDone
	p.exitErr = p.cmd.Wait()
	if p.exitErr != nil {
		p.logger.Debug("tool provider exited", "error", p.exitErr)
	} else {
		p.logger.Debug("tool provider exited")
	}
	close(p.exited)
}

// stop closes stdin and waits up to timeout for a clean exit before killing
// the process group. It blocks until the process has been reaped.
func (p *process) stop(timeout time.Duration) error {
	_ = p.stdin.Close()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	}

	p.logger.Warn("tool provider did not exit, killing", "timeout", timeout)
	if err := killGroup(p.cmd); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.logger.Warn("kill tool provider", "error", err)
	}
	<-p.exited
	return nil
}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
