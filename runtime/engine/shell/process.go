package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/BDNK1/steprunner/runtime"
)

// DefaultWaitDelay bounds how long output pipes are read after the process
// exited. Background children holding stdout or stderr are cut off then.
const DefaultWaitDelay = time.Second

// Process is a started command running in its own process group. When ctx
// is done the group gets SIGTERM, then SIGKILL once the grace period has
// passed without the process exiting.
type Process struct {
	cmd      *exec.Cmd
	exited   chan struct{}
	err      error
	stop     func() bool
	signaled atomic.Bool
}

// StartProcess starts cmd in a new process group and watches ctx until it
// exits. A zero cmd.WaitDelay is set to DefaultWaitDelay.
func StartProcess(ctx context.Context, cmd *exec.Cmd, grace time.Duration) (*Process, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	p := &Process{cmd: cmd, exited: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()

	pid := cmd.Process.Pid
	p.stop = context.AfterFunc(ctx, func() {
		select {
		case <-p.exited:
			return
		default:
		}
		p.signaled.Store(true)
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		select {
		case <-p.exited:
		case <-time.After(grace):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	})
	return p, nil
}

// Pid returns the process id, which is also the process group id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the process exited and its output was copied.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Wait blocks until the process exited and maps the result to a status:
// cancelled when it was stopped because ctx ended, success on exit 0,
// failure otherwise. An error is returned only when waiting itself failed.
func (p *Process) Wait() (runtime.Status, error) {
	<-p.exited
	p.stop()

	if p.signaled.Load() {
		return runtime.StatusCancelled, nil
	}
	if p.err == nil || errors.Is(p.err, exec.ErrWaitDelay) {
		return runtime.StatusSuccess, nil
	}
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		return runtime.StatusFailure, nil
	}
	return runtime.StatusFailure, p.err
}

// ExitCode returns the exit code of an exited process, -1 if it was killed.
func (p *Process) ExitCode() int {
	<-p.exited
	return p.cmd.ProcessState.ExitCode()
}
