package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty programs.
	maxOutputBytes = 1 << 20 // 1 MB

	// waitDelay bounds how long Wait blocks on pipes still held by grandchildren.
	waitDelay = 2 * time.Second

	fallbackPath = "/usr/local/bin:/usr/bin:/bin"
)

// run spawns the runtime on path and waits for exit, timeout or cancellation,
// whichever comes first. The outcome is written into res.
func (m *Manager) run(ctx context.Context, ex *execution, argv []string, path string, res *ExecutionResult) {
	args := make([]string, 0, len(argv))
	args = append(args, argv[1:]...)
	args = append(args, path)

	cmd := exec.Command(argv[0], args...)
	cmd.Dir = m.cfg.WorkingDir
	cmd.Env = m.env

	// The child leads its own process group so that anything it forks is
	// killed along with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	if err := cmd.Start(); err != nil {
		res.State = StateFailed
		res.ExitCode = -1
		res.Error = "Execution error: " + err.Error()
		return
	}
	m.attach(ex, cmd)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(m.cfg.Timeout)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		// Background children must not outlive the execution slot.
		_ = signalGroup(cmd, syscall.SIGKILL)
		interpretExit(ex, cmd.ProcessState, err, stdoutBuf.String(), stderrBuf.String(), res)

	case <-timer.C:
		_ = signalGroup(cmd, syscall.SIGKILL)
		<-waitCh
		res.State = StateTimedOut
		res.ExitCode = -1
		res.Output = stdoutBuf.String()
		res.Error = fmt.Sprintf("Execution timeout after %dms", m.cfg.Timeout.Milliseconds())
		res.ExecutionTimeMs = m.cfg.Timeout.Milliseconds()

	case <-ctx.Done():
		_ = signalGroup(cmd, syscall.SIGKILL)
		<-waitCh
		res.State = StateFailed
		res.ExitCode = -1
		res.Output = stdoutBuf.String()
		res.Error = "Execution cancelled: " + ctx.Err().Error()
	}
}

// interpretExit maps a finished process onto the result.
func interpretExit(ex *execution, ps *os.ProcessState, waitErr error, stdout, stderr string, res *ExecutionResult) {
	res.Output = stdout

	if ps == nil {
		res.State = StateFailed
		res.ExitCode = -1
		res.Error = "Execution error: " + errString(waitErr)
		return
	}

	res.ExitCode = ps.ExitCode()

	if ex.killed.Load() {
		res.State = StateFailed
		res.Error = "Execution terminated: sandbox shutting down"
		return
	}

	if ps.Success() {
		// exec.ErrWaitDelay means a grandchild kept the pipes open after the
		// child exited; the child itself succeeded.
		res.State = StateCompleted
		if stdout == "" {
			res.Output = "Code executed successfully (no output)"
		}
		return
	}

	res.State = StateFailed
	switch {
	case stderr != "":
		res.Error = stderr
	case signaled(ps):
		res.Error = fmt.Sprintf("Process terminated by signal %s", ps.Sys().(syscall.WaitStatus).Signal())
	default:
		res.Error = fmt.Sprintf("Process exited with code %d", res.ExitCode)
	}
}

func signaled(ps *os.ProcessState) bool {
	ws, ok := ps.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled()
}

func errString(err error) string {
	if err == nil {
		return "process state unavailable"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.String()
	}
	return err.Error()
}

// signalGroup delivers sig to the whole process group led by cmd.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	// Negative PID = the entire process group.
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// buildEnv constructs the child environment. Only PATH and HOME are taken
// from the host; npx needs both to locate and cache tsx. Nothing else is
// inherited, so API keys and credentials never reach submitted code.
func buildEnv() []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = fallbackPath
	}
	env := []string{
		"PATH=" + path,
		"TMPDIR=" + os.TempDir(),
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"NODE_ENV=sandbox",
	}
	if home, err := os.UserHomeDir(); err == nil {
		env = append(env, "HOME="+home)
	}
	return env
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is discarded and still reported as written, so the copy
// goroutine never fails with a short write.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
