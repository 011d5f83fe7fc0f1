package settingstorage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/ebudiman/visionary_nvr/internal/domain/errs"
	"github.com/ebudiman/visionary_nvr/internal/storage/postgres"
)

type SettingStorage struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *SettingStorage {
	return &SettingStorage{
		db: db,
	}
}

func (s *SettingStorage) Setting(key string) (string, error) {
	const op = "storage.postgres.settings.Setting"

	var value string

	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, postgres.SettingsTable)

	err := s.db.Get(&value, query, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%s: %w", op, errs.ErrSettingNotFound)
		}

		return "", fmt.Errorf("%s: %w", op, err)
	}

	return value, nil
}

func (s *SettingStorage) SetSetting(key, value string) error {
	const op = "storage.postgres.settings.SetSetting"

	query := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, postgres.SettingsTable)

	if _, err := s.db.Exec(query, key, value); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
