package recorder

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ebudiman/visionary_nvr/internal/config"
	"github.com/ebudiman/visionary_nvr/internal/domain/constants"
	"github.com/ebudiman/visionary_nvr/internal/domain/errs"
	"github.com/ebudiman/visionary_nvr/internal/domain/models"
	"github.com/ebudiman/visionary_nvr/internal/process"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRegistry struct {
	mu      sync.Mutex
	cameras map[string]models.Camera
	status  map[string]string

	// cameraHook, when set, runs at the top of every Camera call so
	// tests can hold the caller inside a lookup.
	cameraHook func(cameraID string)
}

func newFakeRegistry(cams ...models.Camera) *fakeRegistry {
	r := &fakeRegistry{
		cameras: make(map[string]models.Camera),
		status:  make(map[string]string),
	}
	for _, cam := range cams {
		r.cameras[cam.CameraID] = cam
	}
	return r
}

func (r *fakeRegistry) Camera(cameraID string) (models.Camera, error) {
	r.mu.Lock()
	hook := r.cameraHook
	r.mu.Unlock()

	if hook != nil {
		hook(cameraID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cam, ok := r.cameras[cameraID]
	if !ok {
		return models.Camera{}, errs.ErrCameraNotFound
	}
	return cam, nil
}

func (r *fakeRegistry) EnabledContinuous() ([]models.Camera, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cams []models.Camera
	for _, cam := range r.cameras {
		if cam.Enabled && cam.RecordingMode == constants.ModeContinuous {
			cams = append(cams, cam)
		}
	}
	return cams, nil
}

func (r *fakeRegistry) UpdateStatus(cameraID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status[cameraID] = status
	return nil
}

func (r *fakeRegistry) set(cam models.Camera) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cameras[cam.CameraID] = cam
}

func (r *fakeRegistry) setCameraHook(hook func(cameraID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cameraHook = hook
}

func (r *fakeRegistry) statusOf(cameraID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status[cameraID]
}

type fakeReclaimer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeReclaimer) Reclaim() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	return nil
}

func (f *fakeReclaimer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls
}

// timerStub captures scheduled retries so tests fire them by hand.
type timerStub struct {
	mu        sync.Mutex
	callbacks []func()
}

func (s *timerStub) afterFunc(_ time.Duration, f func()) *time.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callbacks = append(s.callbacks, f)
	return time.NewTimer(time.Hour)
}

func (s *timerStub) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.callbacks)
}

func (s *timerStub) fire(t *testing.T, i int) {
	t.Helper()

	s.mu.Lock()
	if i >= len(s.callbacks) {
		s.mu.Unlock()
		t.Fatalf("no callback %d scheduled", i)
	}
	f := s.callbacks[i]
	s.mu.Unlock()

	f()
}

// spawner replaces the transcode with a shell snippet and counts spawns.
type spawner struct {
	mu     sync.Mutex
	script string
	count  int
}

func (s *spawner) new(id, _ string, _ []string, log *slog.Logger) *process.Handle {
	s.mu.Lock()
	s.count++
	script := s.script
	s.mu.Unlock()

	h := process.New(id, "sh", []string{"-c", script}, log)
	h.SetGracefulTimeout(100 * time.Millisecond)
	return h
}

func (s *spawner) spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.count
}

func testConfig(t *testing.T) config.Recorder {
	t.Helper()
	return config.Recorder{
		RecordingsPath:  t.TempDir(),
		SegmentDuration: time.Minute,
		RetryInterval:   10 * time.Second,
		SweepInterval:   time.Hour,
		MaxStorageGB:    500,
		CheckCamera:     false,
	}
}

func testCamera(id string) models.Camera {
	return models.Camera{
		CameraID:      id,
		Name:          "Test " + id,
		SourceURL:     "rtsp://example.com/" + id,
		RecordingMode: constants.ModeContinuous,
		Status:        constants.StatusOffline,
		Enabled:       true,
	}
}

func newTestRecorder(t *testing.T, registry *fakeRegistry, script string) (*Recorder, *timerStub, *spawner, *fakeReclaimer) {
	t.Helper()

	timers := &timerStub{}
	procs := &spawner{script: script}
	reclaim := &fakeReclaimer{}

	r := New(testLogger(), registry, registry, reclaim, testConfig(t))
	r.afterFunc = timers.afterFunc
	r.newProcess = procs.new
	r.checkAvailable = func(string) (bool, error) { return true, nil }

	return r, timers, procs, reclaim
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestStartAndStop(t *testing.T) {
	registry := newFakeRegistry(testCamera("cam-1"))
	r, _, procs, _ := newTestRecorder(t, registry, `trap 'exit 0' INT TERM; while :; do sleep 0.1; done`)

	if err := r.Start("cam-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if !r.Status()["cam-1"] {
		t.Error("expected cam-1 to report recording")
	}
	if got := registry.statusOf("cam-1"); got != constants.StatusRecording {
		t.Errorf("expected status recording, got %q", got)
	}

	// Second start is a no-op while running.
	if err := r.Start("cam-1"); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if procs.spawns() != 1 {
		t.Errorf("expected 1 spawn, got %d", procs.spawns())
	}

	if err := r.Stop("cam-1"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if len(r.Status()) != 0 {
		t.Error("expected no sessions after stop")
	}

	waitFor(t, 2*time.Second, func() bool {
		return registry.statusOf("cam-1") == constants.StatusOnline
	})

	// Stopping again is a no-op.
	if err := r.Stop("cam-1"); err != nil {
		t.Fatalf("repeated stop failed: %v", err)
	}
}

func TestStartRejectsDisabledCamera(t *testing.T) {
	cam := testCamera("cam-1")
	cam.Enabled = false
	registry := newFakeRegistry(cam)
	r, _, procs, _ := newTestRecorder(t, registry, "sleep 10")

	err := r.Start("cam-1")
	if !errors.Is(err, errs.ErrCameraDisabled) {
		t.Fatalf("expected ErrCameraDisabled, got %v", err)
	}
	if procs.spawns() != 0 {
		t.Error("disabled camera must not spawn a process")
	}
}

func TestStartRejectsUnconfiguredCamera(t *testing.T) {
	cam := testCamera("cam-1")
	cam.SourceURL = ""
	registry := newFakeRegistry(cam)
	r, _, _, _ := newTestRecorder(t, registry, "sleep 10")

	err := r.Start("cam-1")
	if !errors.Is(err, errs.ErrCameraNotConfigured) {
		t.Fatalf("expected ErrCameraNotConfigured, got %v", err)
	}
}

func TestCrashSchedulesSingleRetry(t *testing.T) {
	registry := newFakeRegistry(testCamera("cam-1"))
	r, timers, procs, _ := newTestRecorder(t, registry, "exit 1")

	if err := r.Start("cam-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return timers.scheduled() == 1 })

	infos := r.Sessions()
	if len(infos) != 1 || infos[0].State != StateRetryPending {
		t.Fatalf("expected one retry-pending session, got %+v", infos)
	}
	if infos[0].RestartCount != 1 {
		t.Errorf("expected restart count 1, got %d", infos[0].RestartCount)
	}
	waitFor(t, 2*time.Second, func() bool {
		return registry.statusOf("cam-1") == constants.StatusOffline
	})

	timers.fire(t, 0)

	waitFor(t, 2*time.Second, func() bool { return procs.spawns() == 2 })

	// The second attempt crashes too; exactly one new timer appears.
	waitFor(t, 2*time.Second, func() bool { return timers.scheduled() == 2 })
}

func TestStopDuringBackoffCancelsRetry(t *testing.T) {
	registry := newFakeRegistry(testCamera("cam-1"))
	r, timers, procs, _ := newTestRecorder(t, registry, "exit 1")

	if err := r.Start("cam-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return timers.scheduled() == 1 })

	if err := r.Stop("cam-1"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	// A late timer fire after Stop must not resurrect the session.
	timers.fire(t, 0)
	time.Sleep(50 * time.Millisecond)

	if procs.spawns() != 1 {
		t.Errorf("expected no respawn after stop, got %d spawns", procs.spawns())
	}
	if len(r.Status()) != 0 {
		t.Error("expected no sessions after cancelled retry")
	}
}

func TestStopDuringRetryCancelsRespawn(t *testing.T) {
	registry := newFakeRegistry(testCamera("cam-1"))
	r, timers, procs, _ := newTestRecorder(t, registry, "exit 1")

	if err := r.Start("cam-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return timers.scheduled() == 1 })

	// Hold the retry inside its camera lookup, then stop the session
	// from under it.
	entered := make(chan struct{})
	release := make(chan struct{})
	registry.setCameraHook(func(string) {
		close(entered)
		<-release
	})

	done := make(chan struct{})
	go func() {
		timers.fire(t, 0)
		close(done)
	}()

	<-entered

	if err := r.Stop("cam-1"); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	close(release)
	<-done

	time.Sleep(50 * time.Millisecond)

	if procs.spawns() != 1 {
		t.Errorf("session resurrected after stop, got %d spawns", procs.spawns())
	}
	if len(r.Status()) != 0 {
		t.Error("expected no sessions after stop")
	}
	if got := registry.statusOf("cam-1"); got != constants.StatusOnline {
		t.Errorf("expected status online after stop, got %q", got)
	}
}

func TestRetryAbandonedWhenCameraNoLongerRecordable(t *testing.T) {
	registry := newFakeRegistry(testCamera("cam-1"))
	r, timers, procs, _ := newTestRecorder(t, registry, "exit 1")

	if err := r.Start("cam-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return timers.scheduled() == 1 })

	cam := testCamera("cam-1")
	cam.Enabled = false
	registry.set(cam)

	timers.fire(t, 0)
	time.Sleep(50 * time.Millisecond)

	if procs.spawns() != 1 {
		t.Errorf("expected no respawn for disabled camera, got %d spawns", procs.spawns())
	}
	if len(r.Status()) != 0 {
		t.Error("expected session to be abandoned")
	}
}

func TestCleanExitEndsSession(t *testing.T) {
	registry := newFakeRegistry(testCamera("cam-1"))
	r, timers, _, _ := newTestRecorder(t, registry, "exit 0")

	if err := r.Start("cam-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(r.Status()) == 0 })

	if timers.scheduled() != 0 {
		t.Error("clean exit must not schedule a retry")
	}
	if got := registry.statusOf("cam-1"); got != constants.StatusOnline {
		t.Errorf("expected status online after clean exit, got %q", got)
	}
}

func TestSegmentMarkerTriggersReclaim(t *testing.T) {
	registry := newFakeRegistry(testCamera("cam-1"))
	script := `echo "[segment @ 0x1] Opening './recordings/cam-1/x.mp4' for writing" >&2; trap 'exit 0' INT TERM; while :; do sleep 0.1; done`
	r, _, _, reclaim := newTestRecorder(t, registry, script)

	if err := r.Start("cam-1"); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer r.StopAll()

	waitFor(t, 2*time.Second, func() bool { return reclaim.count() >= 1 })
}

func TestStartAll(t *testing.T) {
	noURL := testCamera("cam-3")
	noURL.SourceURL = ""
	registry := newFakeRegistry(testCamera("cam-1"), testCamera("cam-2"), noURL)
	r, _, procs, _ := newTestRecorder(t, registry, `trap 'exit 0' INT TERM; while :; do sleep 0.1; done`)

	if err := r.StartAll(); err != nil {
		t.Fatalf("start all failed: %v", err)
	}
	defer r.StopAll()

	if procs.spawns() != 2 {
		t.Errorf("expected 2 spawns, got %d", procs.spawns())
	}

	status := r.Status()
	if !status["cam-1"] || !status["cam-2"] {
		t.Errorf("expected cam-1 and cam-2 recording, got %v", status)
	}
	if _, ok := status["cam-3"]; ok {
		t.Error("camera without source url must not start")
	}
}

func TestSegmentOpenMarker(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{"[segment @ 0x55] Opening './recordings/cam/x.mp4' for writing", true},
		{"Opening 'file.mp4' for reading", false},
		{"frame= 100 fps= 25", false},
	}

	for _, tc := range cases {
		if got := isSegmentOpenMarker(tc.line); got != tc.want {
			t.Errorf("isSegmentOpenMarker(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}
