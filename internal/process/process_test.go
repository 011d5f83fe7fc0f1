package process

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestHandle wraps a shell snippet in a handle with short timeouts.
func newTestHandle(script string) *Handle {
	h := New("test", "sh", []string{"-c", script}, testLogger())
	h.gracefulTimeout = 100 * time.Millisecond
	h.killTimeout = 100 * time.Millisecond
	return h
}

// waitDone waits for the handle to exit, failing the test on timeout.
func waitDone(t *testing.T, h *Handle, timeout time.Duration) int {
	t.Helper()
	select {
	case <-h.Done():
		return h.ExitCode()
	case <-time.After(timeout):
		t.Fatal("timeout waiting for process to exit")
		return -1
	}
}

func TestExitCodeCapture(t *testing.T) {
	h := newTestHandle("exit 3")

	var exitCode int
	exited := make(chan struct{})
	h.OnExit(func(code int) {
		exitCode = code
		close(exited)
	})

	if err := h.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitDone(t, h, 2*time.Second)

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("exit callback never fired")
	}

	if exitCode != 3 {
		t.Errorf("expected exit code 3, got %d", exitCode)
	}
	if h.ExitCode() != 3 {
		t.Errorf("expected ExitCode 3, got %d", h.ExitCode())
	}
}

func TestStdoutChunks(t *testing.T) {
	h := newTestHandle(`printf 'hello world'`)

	var mu sync.Mutex
	var buf bytes.Buffer
	h.OnOutput(func(chunk []byte) {
		mu.Lock()
		buf.Write(chunk)
		mu.Unlock()
	})

	if err := h.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitDone(t, h, 2*time.Second)

	mu.Lock()
	got := buf.String()
	mu.Unlock()

	if got != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", got)
	}
}

func TestStderrLines(t *testing.T) {
	h := newTestHandle(`echo first >&2; echo second >&2`)

	var mu sync.Mutex
	var lines []string
	h.OnLogLine(func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})

	if err := h.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitDone(t, h, 2*time.Second)

	mu.Lock()
	got := strings.Join(lines, ",")
	mu.Unlock()

	if got != "first,second" {
		t.Errorf("expected lines first,second, got %q", got)
	}
}

func TestGracefulStop(t *testing.T) {
	h := newTestHandle(`trap 'exit 0' INT TERM; while :; do sleep 0.1; done`)
	h.gracefulTimeout = 500 * time.Millisecond

	if err := h.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	h.Stop()

	if !h.Stopping() {
		t.Error("expected Stopping to report true after Stop")
	}

	if code := waitDone(t, h, 2*time.Second); code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
}

func TestKillEscalation(t *testing.T) {
	h := newTestHandle(`trap '' INT; sleep 10`)
	h.gracefulTimeout = 50 * time.Millisecond

	if err := h.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	h.Stop()

	// Killed with SIGKILL, expect 137 (128 + 9)
	if code := waitDone(t, h, 2*time.Second); code != 137 {
		t.Errorf("expected exit code 137, got %d", code)
	}
}

func TestStopAfterExit(t *testing.T) {
	h := newTestHandle("exit 0")

	if err := h.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitDone(t, h, 2*time.Second)

	h.Stop()
	h.Stop()
	h.Kill()
}

func TestStartFailure(t *testing.T) {
	h := New("test", "definitely-not-a-real-binary-xyz", nil, testLogger())

	if err := h.Start(); err == nil {
		t.Fatal("expected start to fail for missing binary")
	}
}

func TestCleanExit(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{0, true},
		{255, true},
		{1, false},
		{137, false},
	}

	for _, tc := range cases {
		if got := CleanExit(tc.code); got != tc.want {
			t.Errorf("CleanExit(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}
