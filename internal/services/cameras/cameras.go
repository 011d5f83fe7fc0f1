package cameraservice

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lithammer/shortuuid/v3"

	"github.com/ebudiman/visionary_nvr/internal/domain/constants"
	"github.com/ebudiman/visionary_nvr/internal/domain/models"
	"github.com/ebudiman/visionary_nvr/internal/lib/sl"
	"github.com/ebudiman/visionary_nvr/internal/lib/streamkey"
)

type CameraService struct {
	log            *slog.Logger
	recordingsPath string
	cameraStorage  CameraStorage
	recordings     RecordingStopper
	previews       PreviewStopper
}

type CameraStorage interface {
	Save(cam models.Camera) (models.Camera, error)
	Update(cam models.Camera) error
	Delete(cameraID string) error
	Camera(cameraID string) (models.Camera, error)
	Cameras() ([]models.Camera, error)
}

// RecordingStopper tears down a camera's recording session.
type RecordingStopper interface {
	Stop(cameraID string) error
}

// PreviewStopper force-closes a camera's live preview session.
type PreviewStopper interface {
	Drop(key string)
}

func New(log *slog.Logger, recordingsPath string, cameraStorage CameraStorage, recordings RecordingStopper, previews PreviewStopper) *CameraService {
	return &CameraService{
		log:            log,
		recordingsPath: recordingsPath,
		cameraStorage:  cameraStorage,
		recordings:     recordings,
		previews:       previews,
	}
}

// SaveCamera registers a camera and pre-creates its recordings
// directory. New cameras start offline until a session observes them.
func (s *CameraService) SaveCamera(cam models.Camera) (models.Camera, error) {
	const op = "service.cameras.SaveCamera"

	log := s.log.With(
		slog.String("op", op),
		slog.String("name", cam.Name),
	)

	log.Info("save camera")

	cam.CameraID = "cam-" + shortuuid.New()
	cam.Status = constants.StatusOffline
	if cam.RecordingMode == "" {
		cam.RecordingMode = constants.ModeContinuous
	}

	cam, err := s.cameraStorage.Save(cam)
	if err != nil {
		log.Error("failed to save camera", sl.Err(err))

		return models.Camera{}, fmt.Errorf("%s: %w", op, err)
	}

	dirPath := filepath.Join(s.recordingsPath, cam.CameraID)
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		log.Error("failed to create directory", sl.Err(err))

		return models.Camera{}, fmt.Errorf("%s: %w", op, err)
	}

	return cam, nil
}

// SaveFromCandidate translates a device reported by the external
// network probe into a camera record.
func (s *CameraService) SaveFromCandidate(candidate models.Candidate, name, sourceURL string) (models.Camera, error) {
	cam := models.Camera{
		Name:      name,
		IP:        candidate.Address,
		Location:  candidate.Metadata["location"],
		SourceURL: sourceURL,
		Enabled:   true,
	}

	return s.SaveCamera(cam)
}

func (s *CameraService) UpdateCamera(cam models.Camera) error {
	const op = "service.cameras.UpdateCamera"

	log := s.log.With(
		slog.String("op", op),
		slog.String("camera_id", cam.CameraID),
	)

	log.Info("update camera")

	if err := s.cameraStorage.Update(cam); err != nil {
		log.Error("failed to update camera", sl.Err(err))

		return fmt.Errorf("%s: %w", op, err)
	}

	// A camera that is no longer recordable must have no active session
	// of any kind.
	if !cam.Recordable() {
		s.stopSessions(cam.CameraID)
	}

	return nil
}

func (s *CameraService) DeleteCamera(cameraID string) error {
	const op = "service.cameras.DeleteCamera"

	log := s.log.With(
		slog.String("op", op),
		slog.String("camera_id", cameraID),
	)

	log.Info("delete camera")

	if err := s.cameraStorage.Delete(cameraID); err != nil {
		log.Error("failed to delete camera", sl.Err(err))

		return fmt.Errorf("%s: %w", op, err)
	}

	s.stopSessions(cameraID)

	return nil
}

// stopSessions ends the camera's recording and live preview.
func (s *CameraService) stopSessions(cameraID string) {
	if err := s.recordings.Stop(cameraID); err != nil {
		s.log.Error("failed to stop recording session",
			slog.String("camera_id", cameraID), sl.Err(err))
	}

	s.previews.Drop(streamkey.FromCameraID(cameraID))
}

func (s *CameraService) Camera(cameraID string) (models.Camera, error) {
	const op = "service.cameras.Camera"

	cam, err := s.cameraStorage.Camera(cameraID)
	if err != nil {
		return models.Camera{}, fmt.Errorf("%s: %w", op, err)
	}

	return cam, nil
}

func (s *CameraService) Cameras() ([]models.Camera, error) {
	const op = "service.cameras.Cameras"

	cams, err := s.cameraStorage.Cameras()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return cams, nil
}
