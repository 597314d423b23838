package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	apperrors "github.com/ashishkum25/AiChatCode/pkg/errors"
)

// User is a registered collaborator, keyed by lowercased email.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateUser registers a user. Emails are stored lowercased so lookups are
// case-insensitive.
func (s *Store) CreateUser(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "email is required")
	}

	u := &User{
		ID:        ulid.Make().String(),
		Email:     email,
		CreatedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO users (user_id, email, created_at)
		VALUES (?, ?, ?)
	`
	if err := s.execWithRetry(ctx, query, u.ID, u.Email, u.CreatedAt); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "create user").
			WithContext("email", email)
	}
	return u, nil
}

// GetUserByEmail loads a user by email. Returns (nil, nil) when no such user
// exists.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	query := `
		SELECT user_id, email, created_at
		FROM users
		WHERE email = ?
	`
	var u User
	err := s.db.QueryRowContext(ctx, query, email).Scan(&u.ID, &u.Email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "get user").
			WithContext("email", email)
	}
	return &u, nil
}

// IsProjectMember reports whether the user belongs to the project.
func (s *Store) IsProjectMember(ctx context.Context, projectID, userID string) (bool, error) {
	query := `
		SELECT COUNT(1)
		FROM project_users
		WHERE project_id = ? AND user_id = ?
	`
	var n int
	if err := s.db.QueryRowContext(ctx, query, projectID, userID).Scan(&n); err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "check project membership").
			WithContext("project_id", projectID).
			WithContext("user_id", userID)
	}
	return n > 0, nil
}
