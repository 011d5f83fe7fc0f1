// Package recorder owns one continuous-segment recording session per
// camera: it starts the segmenting transcode, restarts it with a fixed
// backoff on unexpected exit, and tears it down on request.
package recorder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ebudiman/visionary_nvr/internal/config"
	"github.com/ebudiman/visionary_nvr/internal/domain/constants"
	"github.com/ebudiman/visionary_nvr/internal/domain/errs"
	"github.com/ebudiman/visionary_nvr/internal/domain/models"
	"github.com/ebudiman/visionary_nvr/internal/lib/sl"
	"github.com/ebudiman/visionary_nvr/internal/process"
)

// CameraProvider resolves camera records from the registry.
type CameraProvider interface {
	Camera(cameraID string) (models.Camera, error)
	EnabledContinuous() ([]models.Camera, error)
}

// StatusUpdater writes the observed operational state back to the
// registry.
type StatusUpdater interface {
	UpdateStatus(cameraID, status string) error
}

// StorageReclaimer bounds disk usage; invoked after each new segment
// and by the periodic sweep.
type StorageReclaimer interface {
	Reclaim() error
}

type session struct {
	cameraID     string
	handle       *process.Handle
	state        State
	startedAt    time.Time
	restartCount int
	retryTimer   *time.Timer
}

type Recorder struct {
	log            *slog.Logger
	cameraProvider CameraProvider
	statusUpdater  StatusUpdater
	reclaimer      StorageReclaimer
	cfg            config.Recorder

	sessions map[string]*session
	mu       sync.Mutex

	// injected for deterministic tests
	afterFunc      func(d time.Duration, f func()) *time.Timer
	checkAvailable func(sourceURL string) (bool, error)
	newProcess     func(id, name string, args []string, log *slog.Logger) *process.Handle
}

func New(log *slog.Logger, cameraProvider CameraProvider, statusUpdater StatusUpdater, reclaimer StorageReclaimer, cfg config.Recorder) *Recorder {
	return &Recorder{
		log:            log,
		cameraProvider: cameraProvider,
		statusUpdater:  statusUpdater,
		reclaimer:      reclaimer,
		cfg:            cfg,
		sessions:       make(map[string]*session),
		afterFunc:      time.AfterFunc,
		checkAvailable: isCameraAvailable,
		newProcess:     process.New,
	}
}

// Start begins continuous recording for the camera. A session that is
// already Running or Starting makes this a no-op; a disabled or
// unconfigured camera fails fast without touching the registry.
func (r *Recorder) Start(cameraID string) error {
	const op = "service.recorder.Start"

	log := r.log.With(
		slog.String("op", op),
		slog.String("camera_id", cameraID),
	)

	cam, err := r.cameraProvider.Camera(cameraID)
	if err != nil {
		log.Error("failed to get camera", sl.Err(err))

		return fmt.Errorf("%s: %w", op, err)
	}

	if !cam.Enabled {
		log.Warn("camera is disabled, not recording")

		return fmt.Errorf("%s: %w", op, errs.ErrCameraDisabled)
	}

	if cam.SourceURL == "" {
		log.Warn("no source url configured, skipping")

		return fmt.Errorf("%s: %w", op, errs.ErrCameraNotConfigured)
	}

	if r.cfg.CheckCamera && strings.HasPrefix(cam.SourceURL, "rtsp") {
		available, err := r.checkAvailable(cam.SourceURL)
		if err != nil || !available {
			log.Error("camera is not available", slog.String("source_url", cam.SourceURL))

			return fmt.Errorf("%s: %w", op, errs.ErrCameraIsNotAvailable)
		}
	}

	return r.startSession(cam)
}

// startSession spawns the segmenting transcode and registers the
// session. Check-and-spawn is atomic per camera.
func (r *Recorder) startSession(cam models.Camera) error {
	const op = "service.recorder.startSession"

	log := r.log.With(
		slog.String("op", op),
		slog.String("camera_id", cam.CameraID),
	)

	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[cam.CameraID]; ok {
		if sess.state == StateRunning || sess.state == StateStarting {
			log.Info("recorder already running")

			return nil
		}
	}

	handle, err := r.spawnLocked(cam, log)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	r.sessions[cam.CameraID] = &session{
		cameraID:  cam.CameraID,
		handle:    handle,
		state:     StateRunning,
		startedAt: time.Now(),
	}

	log.Info("recording started", slog.Int("pid", handle.Pid()))

	r.setStatus(cam.CameraID, constants.StatusRecording)

	return nil
}

// spawnLocked creates and starts the segmenting transcode for cam.
// Caller holds r.mu, so an exit callback cannot observe the handle
// before it is registered.
func (r *Recorder) spawnLocked(cam models.Camera, log *slog.Logger) (*process.Handle, error) {
	camDir := filepath.Join(r.cfg.RecordingsPath, cam.CameraID)
	if err := os.MkdirAll(camDir, 0o755); err != nil {
		log.Error("failed to create recordings directory", sl.Err(err))

		return nil, err
	}

	handle := r.newProcess(cam.CameraID, "ffmpeg", recordArgs(cam, camDir, r.cfg.SegmentDuration), r.log)

	handle.OnLogLine(func(line string) {
		if isSegmentOpenMarker(line) {
			go func() {
				if err := r.reclaimer.Reclaim(); err != nil {
					log.Error("segment reclaim failed", sl.Err(err))
				}
			}()
		}
	})

	handle.OnExit(func(code int) {
		r.handleExit(cam.CameraID, handle, code)
	})

	if err := handle.Start(); err != nil {
		log.Error("failed to start recording process", sl.Err(err))

		return nil, err
	}

	return handle, nil
}

// handleExit runs on the handle's waiter goroutine. A clean exit, or
// any exit after a stop request, ends the session; everything else
// schedules exactly one retry per backoff interval.
func (r *Recorder) handleExit(cameraID string, handle *process.Handle, code int) {
	r.mu.Lock()

	sess, ok := r.sessions[cameraID]
	if !ok || sess.handle != handle {
		// Stop already removed the session, or a newer attempt owns it.
		r.mu.Unlock()
		return
	}

	if handle.Stopping() || process.CleanExit(code) {
		delete(r.sessions, cameraID)
		r.mu.Unlock()

		r.log.Info("recording stopped cleanly",
			slog.String("camera_id", cameraID), slog.Int("exit_code", code))
		r.setStatus(cameraID, constants.StatusOnline)

		return
	}

	sess.state = StateRetryPending
	sess.restartCount++
	sess.retryTimer = r.afterFunc(r.cfg.RetryInterval, func() {
		r.retry(cameraID)
	})
	r.mu.Unlock()

	r.log.Error("recording stopped unexpectedly, retrying",
		slog.String("camera_id", cameraID),
		slog.Int("exit_code", code),
		slog.Duration("retry_in", r.cfg.RetryInterval),
	)
	r.setStatus(cameraID, constants.StatusOffline)
}

// retry re-reads the camera record before respawning: a camera edited,
// disabled or deleted during the backoff must not come back. The
// session entry stays registered for the whole attempt so a concurrent
// Stop can cancel it; the cancellation is re-checked after the registry
// read, which runs outside the lock.
func (r *Recorder) retry(cameraID string) {
	r.mu.Lock()

	sess, ok := r.sessions[cameraID]
	if !ok || sess.state != StateRetryPending {
		r.mu.Unlock()
		return
	}

	sess.state = StateStarting
	sess.retryTimer = nil
	sess.handle = nil
	r.mu.Unlock()

	cam, camErr := r.cameraProvider.Camera(cameraID)

	log := r.log.With(
		slog.String("op", "service.recorder.retry"),
		slog.String("camera_id", cameraID),
	)

	r.mu.Lock()

	if cur, present := r.sessions[cameraID]; !present || cur != sess || sess.state != StateStarting {
		// Stop landed while the camera record was reloading.
		r.mu.Unlock()
		return
	}

	if camErr != nil || !cam.Recordable() {
		delete(r.sessions, cameraID)
		r.mu.Unlock()

		log.Info("camera no longer recordable, abandoning retries")
		return
	}

	handle, err := r.spawnLocked(cam, log)
	if err != nil {
		sess.state = StateRetryPending
		sess.restartCount++
		sess.retryTimer = r.afterFunc(r.cfg.RetryInterval, func() {
			r.retry(cameraID)
		})
		r.mu.Unlock()

		log.Error("retry failed, scheduling next attempt", sl.Err(err))
		return
	}

	sess.handle = handle
	sess.state = StateRunning
	sess.startedAt = time.Now()
	r.mu.Unlock()

	log.Info("recording restarted", slog.Int("pid", handle.Pid()))
	r.setStatus(cameraID, constants.StatusRecording)
}

// Stop ends the camera's recording session. Stopping a camera with no
// active session is a no-op.
func (r *Recorder) Stop(cameraID string) error {
	const op = "service.recorder.Stop"

	log := r.log.With(
		slog.String("op", op),
		slog.String("camera_id", cameraID),
	)

	r.mu.Lock()
	sess, ok := r.sessions[cameraID]
	if !ok {
		r.mu.Unlock()
		log.Info("no active recording")

		return nil
	}

	if sess.retryTimer != nil {
		sess.retryTimer.Stop()
	}

	handle := sess.handle
	sess.state = StateStopping
	delete(r.sessions, cameraID)
	r.mu.Unlock()

	if handle != nil {
		handle.Stop()
	}

	log.Info("recording stopped")
	r.setStatus(cameraID, constants.StatusOnline)

	return nil
}

// Status reports which cameras are actively recording.
func (r *Recorder) Status() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := make(map[string]bool, len(r.sessions))
	for id, sess := range r.sessions {
		status[id] = sess.state == StateRunning
	}

	return status
}

// Sessions returns a snapshot of all sessions for diagnostics.
func (r *Recorder) Sessions() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.sessions))
	for _, sess := range r.sessions {
		infos = append(infos, Info{
			CameraID:     sess.cameraID,
			State:        sess.state,
			RestartCount: sess.restartCount,
		})
	}

	return infos
}

// StartAll is the boot-time entry point: it ensures the recordings root
// exists and starts a session for every enabled continuous-mode camera.
func (r *Recorder) StartAll() error {
	const op = "service.recorder.StartAll"

	log := r.log.With(slog.String("op", op))

	if err := os.MkdirAll(r.cfg.RecordingsPath, 0o755); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	cams, err := r.cameraProvider.EnabledContinuous()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("starting continuous recorders", slog.Int("count", len(cams)))

	for _, cam := range cams {
		if cam.SourceURL == "" {
			log.Warn("no source url configured, skipping", slog.String("camera_id", cam.CameraID))
			continue
		}

		if err := r.Start(cam.CameraID); err != nil {
			log.Error("failed to start recorder", slog.String("camera_id", cam.CameraID), sl.Err(err))
		}
	}

	return nil
}

// StopAll gracefully stops every session. Used on shutdown.
func (r *Recorder) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Stop(id); err != nil {
			r.log.Error("failed to stop recorder", slog.String("camera_id", id), sl.Err(err))
		}
	}
}

func (r *Recorder) setStatus(cameraID, status string) {
	if err := r.statusUpdater.UpdateStatus(cameraID, status); err != nil {
		r.log.Error("failed to update camera status",
			slog.String("camera_id", cameraID), slog.String("status", status), sl.Err(err))
	}
}

// isSegmentOpenMarker recognizes the transcoder's open-for-write log
// line. Reclamation must not depend on it for correctness; the periodic
// sweep is the backstop.
func isSegmentOpenMarker(line string) bool {
	return strings.Contains(line, "Opening '") && strings.Contains(line, "' for writing")
}
