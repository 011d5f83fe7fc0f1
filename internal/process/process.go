// Package process wraps a single spawned transcoding subprocess: its
// lifecycle events (started, produced output, exited) and a kill
// operation with graceful-interrupt escalation.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ebudiman/visionary_nvr/internal/lib/sl"
)

// Exit codes treated as a clean shutdown. ffmpeg exits with 255 when
// interrupted externally; anything else warrants restart-policy
// evaluation by the owning session manager.
const (
	exitCodeKilled = 137
)

// CleanExit reports whether an exit code represents a graceful stop.
func CleanExit(code int) bool {
	return code == 0 || code == 255
}

// Handle manages the lifecycle of one subprocess. Callbacks must be
// registered before Start and are invoked from the handle's reader and
// waiter goroutines: OnOutput per stdout chunk, OnLogLine per stderr
// line, OnExit exactly once after both streams drain.
type Handle struct {
	id  string
	cmd *exec.Cmd
	log *slog.Logger

	onOutput  func(chunk []byte)
	onLogLine func(line string)
	onExit    func(code int)

	gracefulTimeout time.Duration
	killTimeout     time.Duration

	stopping atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	exitCode atomic.Int64
}

// New creates a handle for the given command. The subprocess is not
// spawned until Start.
func New(id, name string, args []string, log *slog.Logger) *Handle {
	return &Handle{
		id:              id,
		cmd:             exec.Command(name, args...),
		log:             log,
		gracefulTimeout: 5 * time.Second,
		killTimeout:     5 * time.Second,
		done:            make(chan struct{}),
	}
}

func (h *Handle) OnOutput(fn func(chunk []byte)) { h.onOutput = fn }
func (h *Handle) OnLogLine(fn func(line string)) { h.onLogLine = fn }
func (h *Handle) OnExit(fn func(code int))       { h.onExit = fn }

// SetGracefulTimeout overrides the interrupt-to-kill escalation delay.
func (h *Handle) SetGracefulTimeout(d time.Duration) {
	h.gracefulTimeout = d
}

// Start spawns the subprocess and begins streaming its output. A spawn
// failure is returned synchronously; no goroutines are left behind.
func (h *Handle) Start() error {
	const op = "process.Start"

	h.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := h.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	stderr, err := h.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := h.cmd.Start(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	h.log.Info("process started", slog.String("id", h.id), slog.Int("pid", h.cmd.Process.Pid))

	outputDone := make(chan struct{}, 2)
	go func() {
		h.streamChunks(stdout)
		outputDone <- struct{}{}
	}()
	go func() {
		h.streamLines(stderr)
		outputDone <- struct{}{}
	}()

	go func() {
		<-outputDone
		<-outputDone

		code := exitCodeFromError(h.cmd.Wait())
		h.exitCode.Store(int64(code))
		h.log.Info("process exited", slog.String("id", h.id), slog.Int("exit_code", code))

		if h.onExit != nil {
			h.onExit(code)
		}
		close(h.done)
	}()

	return nil
}

// Pid returns the OS process id, or 0 before Start.
func (h *Handle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed after the process has exited and the exit callback ran.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode is valid once Done is closed.
func (h *Handle) ExitCode() int {
	return int(h.exitCode.Load())
}

// Stopping reports whether a stop has been requested; the owning
// session manager uses it to treat any subsequent exit as clean.
func (h *Handle) Stopping() bool {
	return h.stopping.Load()
}

// Stop sends a graceful interrupt and escalates to a hard kill if the
// process does not exit within the grace period. Safe to call more
// than once and on an already-exited handle.
func (h *Handle) Stop() {
	h.stopping.Store(true)

	h.stopOnce.Do(func() {
		h.signal(syscall.SIGINT)

		go func() {
			select {
			case <-h.done:
			case <-time.After(h.gracefulTimeout):
				h.log.Warn("graceful shutdown timeout, forcing kill",
					slog.String("id", h.id), slog.Duration("timeout", h.gracefulTimeout))
				h.Kill()

				select {
				case <-h.done:
				case <-time.After(h.killTimeout):
					h.log.Error("process did not exit after kill", slog.String("id", h.id))
				}
			}
		}()
	})
}

// Kill terminates the process immediately. Killing an already-exited
// handle is a no-op, not an error.
func (h *Handle) Kill() {
	h.stopping.Store(true)

	if h.cmd.Process == nil {
		return
	}
	if err := h.cmd.Process.Kill(); err != nil {
		if !errors.Is(err, os.ErrProcessDone) {
			h.log.Error("failed to kill process", slog.String("id", h.id), sl.Err(err))
		}
	}
}

func (h *Handle) signal(sig syscall.Signal) {
	if h.cmd.Process == nil {
		return
	}
	if err := h.cmd.Process.Signal(sig); err != nil {
		if !errors.Is(err, os.ErrProcessDone) {
			h.log.Warn("failed to signal process", slog.String("id", h.id), sl.Err(err))
		}
	}
}

// streamChunks forwards stdout to the output callback. Each callback
// receives its own copy; the buffer is reused between reads.
func (h *Handle) streamChunks(r io.Reader) {
	buf := make([]byte, 32*1024)

	for {
		n, err := r.Read(buf)
		if n > 0 && h.onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.onOutput(chunk)
		}
		if err != nil {
			if err != io.EOF {
				h.log.Warn("error reading process output", slog.String("id", h.id), sl.Err(err))
			}
			return
		}
	}
}

// streamLines forwards stderr lines to the log-line callback and the
// operator log. Diagnostic output never reaches API clients.
func (h *Handle) streamLines(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if h.onLogLine != nil {
			h.onLogLine(line)
		}

		h.log.Debug("process output", slog.String("id", h.id), slog.String("line", line))
	}

	if err := scanner.Err(); err != nil {
		h.log.Warn("error reading process output", slog.String("id", h.id), sl.Err(err))
	}
}

// exitCodeFromError extracts the exit code from cmd.Wait's error.
// Returns 0 for nil, the code for ExitError, 137 for a signal kill
// without code, and 1 for anything else.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		return exitCodeKilled
	}

	return 1
}
