package authstorage

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

type AuthStorage struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *AuthStorage {
	return &AuthStorage{db: db}
}

func (s *AuthStorage) SaveUser(email, userType string, passHash []byte) (string, error) {
	const op = "storage.postgres.auth.SaveUser"

	if userType != constants.User && userType != constants.Admin {
		return "", fmt.Errorf("%s: %w", op, errs.ErrUserType)
	}

	var id string
	query := fmt.Sprintf("INSERT INTO %s (email, user_type, password_hash) VALUES ($1, $2, $3) RETURNING id", postgres.UsersTable)

	row := s.db.QueryRow(query, email, userType, passHash)
	if err := row.Scan(&id); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return "", fmt.Errorf("%s: %w", op, errs.ErrUserExists)
		}

		return "", fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}

func (s *AuthStorage) User(email string) (models.User, error) {
	const op = "storage.postgres.auth.User"

	var user models.User
	query := fmt.Sprintf("SELECT id, email, user_type, password_hash FROM %s WHERE email = $1", postgres.UsersTable)

	if err := s.db.Get(&user, query, email); err != nil {
		if err == sql.ErrNoRows {
			return models.User{}, fmt.Errorf("%s: %w", op, errs.ErrInvalidCredentials)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}
