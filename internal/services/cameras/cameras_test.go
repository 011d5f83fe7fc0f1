package cameraservice

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ebudiman/visionary_nvr/internal/domain/constants"
	"github.com/ebudiman/visionary_nvr/internal/domain/errs"
	"github.com/ebudiman/visionary_nvr/internal/domain/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStorage struct {
	mu      sync.Mutex
	cameras map[string]models.Camera
}

func newFakeStorage(cams ...models.Camera) *fakeStorage {
	s := &fakeStorage{cameras: make(map[string]models.Camera)}
	for _, cam := range cams {
		s.cameras[cam.CameraID] = cam
	}
	return s
}

func (s *fakeStorage) Save(cam models.Camera) (models.Camera, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cameras[cam.CameraID] = cam
	return cam, nil
}

func (s *fakeStorage) Update(cam models.Camera) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cameras[cam.CameraID]; !ok {
		return errs.ErrCameraNotFound
	}
	s.cameras[cam.CameraID] = cam
	return nil
}

func (s *fakeStorage) Delete(cameraID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cameras, cameraID)
	return nil
}

func (s *fakeStorage) Camera(cameraID string) (models.Camera, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cam, ok := s.cameras[cameraID]
	if !ok {
		return models.Camera{}, errs.ErrCameraNotFound
	}
	return cam, nil
}

func (s *fakeStorage) Cameras() ([]models.Camera, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cams := make([]models.Camera, 0, len(s.cameras))
	for _, cam := range s.cameras {
		cams = append(cams, cam)
	}
	return cams, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	stopped []string
}

func (f *fakeRecorder) Stop(cameraID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopped = append(f.stopped, cameraID)
	return nil
}

func (f *fakeRecorder) stops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.stopped...)
}

type fakePreview struct {
	mu      sync.Mutex
	dropped []string
}

func (f *fakePreview) Drop(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dropped = append(f.dropped, key)
}

func (f *fakePreview) drops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.dropped...)
}

func testCamera(id string) models.Camera {
	return models.Camera{
		CameraID:      id,
		Name:          "Test " + id,
		SourceURL:     "rtsp://example.com/" + id,
		RecordingMode: constants.ModeContinuous,
		Status:        constants.StatusRecording,
		Enabled:       true,
	}
}

func newTestService(t *testing.T, storage *fakeStorage) (*CameraService, *fakeRecorder, *fakePreview) {
	t.Helper()

	recordings := &fakeRecorder{}
	previews := &fakePreview{}

	return New(testLogger(), t.TempDir(), storage, recordings, previews), recordings, previews
}

func TestUpdateNonRecordableCameraStopsSessions(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*models.Camera)
	}{
		{"disabled", func(cam *models.Camera) { cam.Enabled = false }},
		{"source url cleared", func(cam *models.Camera) { cam.SourceURL = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			storage := newFakeStorage(testCamera("cam-1"))
			svc, recordings, previews := newTestService(t, storage)

			cam := testCamera("cam-1")
			tc.mutate(&cam)

			if err := svc.UpdateCamera(cam); err != nil {
				t.Fatalf("update failed: %v", err)
			}

			if got := recordings.stops(); len(got) != 1 || got[0] != "cam-1" {
				t.Errorf("expected recording session stopped for cam-1, got %v", got)
			}
			if got := previews.drops(); len(got) != 1 || got[0] != "cam-1" {
				t.Errorf("expected preview session dropped for cam-1, got %v", got)
			}
		})
	}
}

func TestUpdateRecordableCameraKeepsSessions(t *testing.T) {
	storage := newFakeStorage(testCamera("cam-1"))
	svc, recordings, previews := newTestService(t, storage)

	cam := testCamera("cam-1")
	cam.Name = "Renamed"

	if err := svc.UpdateCamera(cam); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if got := recordings.stops(); len(got) != 0 {
		t.Errorf("recordable update must not stop sessions, got %v", got)
	}
	if got := previews.drops(); len(got) != 0 {
		t.Errorf("recordable update must not drop previews, got %v", got)
	}
}

func TestUpdateFailureLeavesSessionsAlone(t *testing.T) {
	storage := newFakeStorage()
	svc, recordings, previews := newTestService(t, storage)

	cam := testCamera("cam-1")
	cam.Enabled = false

	if err := svc.UpdateCamera(cam); err == nil {
		t.Fatal("expected error for unknown camera")
	}

	if got := recordings.stops(); len(got) != 0 {
		t.Errorf("failed update must not stop sessions, got %v", got)
	}
	if got := previews.drops(); len(got) != 0 {
		t.Errorf("failed update must not drop previews, got %v", got)
	}
}

func TestDeleteCameraStopsSessions(t *testing.T) {
	storage := newFakeStorage(testCamera("cam-1"))
	svc, recordings, previews := newTestService(t, storage)

	if err := svc.DeleteCamera("cam-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if got := recordings.stops(); len(got) != 1 || got[0] != "cam-1" {
		t.Errorf("expected recording session stopped for cam-1, got %v", got)
	}
	if got := previews.drops(); len(got) != 1 || got[0] != "cam-1" {
		t.Errorf("expected preview session dropped for cam-1, got %v", got)
	}
}
