package camerastorage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ebudiman/visionary_nvr/internal/domain/constants"
	"github.com/ebudiman/visionary_nvr/internal/domain/errs"
	"github.com/ebudiman/visionary_nvr/internal/domain/models"
	"github.com/ebudiman/visionary_nvr/internal/storage/postgres"
)

type CameraStorage struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *CameraStorage {
	return &CameraStorage{
		db: db,
	}
}

func (s *CameraStorage) Save(cam models.Camera) (models.Camera, error) {
	const op = "storage.postgres.cameras.Save"

	query := fmt.Sprintf(`INSERT INTO %s (camera_id, name, ip, location, source_url, recording_mode, status, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING *`, postgres.CamerasTable)

	err := s.db.QueryRowx(query,
		cam.CameraID, cam.Name, cam.IP, cam.Location, cam.SourceURL, cam.RecordingMode, cam.Status, cam.Enabled,
	).StructScan(&cam)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return cam, fmt.Errorf("%s: %w", op, errs.ErrCameraAlreadyExists)
		}

		return cam, fmt.Errorf("%s: %w", op, err)
	}

	return cam, nil
}

func (s *CameraStorage) Update(cam models.Camera) error {
	const op = "storage.postgres.cameras.Update"

	query := fmt.Sprintf(`UPDATE %s SET name = $1, ip = $2, location = $3, source_url = $4,
		recording_mode = $5, enabled = $6 WHERE camera_id = $7`, postgres.CamerasTable)

	result, err := s.db.Exec(query, cam.Name, cam.IP, cam.Location, cam.SourceURL, cam.RecordingMode, cam.Enabled, cam.CameraID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", op, errs.ErrCameraNotFound)
	}

	return nil
}

func (s *CameraStorage) Delete(cameraID string) error {
	const op = "storage.postgres.cameras.Delete"

	query := fmt.Sprintf(`DELETE FROM %s WHERE camera_id = $1`, postgres.CamerasTable)

	result, err := s.db.Exec(query, cameraID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", op, errs.ErrCameraNotFound)
	}

	return nil
}

func (s *CameraStorage) Camera(cameraID string) (models.Camera, error) {
	const op = "storage.postgres.cameras.Camera"

	var cam models.Camera

	query := fmt.Sprintf(`SELECT * FROM %s WHERE camera_id = $1`, postgres.CamerasTable)

	err := s.db.Get(&cam, query, cameraID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cam, fmt.Errorf("%s: %w", op, errs.ErrCameraNotFound)
		}

		return cam, fmt.Errorf("%s: %w", op, err)
	}

	return cam, nil
}

func (s *CameraStorage) Cameras() ([]models.Camera, error) {
	const op = "storage.postgres.cameras.Cameras"

	var cams []models.Camera

	query := fmt.Sprintf(`SELECT * FROM %s ORDER BY name`, postgres.CamerasTable)

	if err := s.db.Select(&cams, query); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return cams, nil
}

// EnabledContinuous returns the cameras that boot-time orchestration
// must start recording sessions for.
func (s *CameraStorage) EnabledContinuous() ([]models.Camera, error) {
	const op = "storage.postgres.cameras.EnabledContinuous"

	var cams []models.Camera

	query := fmt.Sprintf(`SELECT * FROM %s WHERE enabled = true AND recording_mode = $1 ORDER BY name`, postgres.CamerasTable)

	if err := s.db.Select(&cams, query, constants.ModeContinuous); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return cams, nil
}

func (s *CameraStorage) UpdateStatus(cameraID, status string) error {
	const op = "storage.postgres.cameras.UpdateStatus"

	query := fmt.Sprintf(`UPDATE %s SET status = $1 WHERE camera_id = $2`, postgres.CamerasTable)

	result, err := s.db.Exec(query, status, cameraID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", op, errs.ErrCameraNotFound)
	}

	return nil
}
