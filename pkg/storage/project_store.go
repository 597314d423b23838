package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	apperrors "github.com/ashishkum25/AiChatCode/pkg/errors"
	"github.com/ashishkum25/AiChatCode/pkg/filetree"
)

// Project is a collaboration room's backing record. FileTree always holds the
// canonical nested form.
type Project struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	FileTree  filetree.Tree `json:"fileTree"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// ValidateProjectID checks that id is a well-formed project identifier.
// Project IDs are ULIDs; anything else is rejected before touching the
// database.
func ValidateProjectID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperrors.New(apperrors.ErrCodeInvalidProject, "project id is required")
	}
	if _, err := ulid.Parse(id); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidProject, "malformed project id").
			WithContext("project_id", id)
	}
	return nil
}

// NewProjectID mints a fresh project identifier.
func NewProjectID() string {
	return ulid.Make().String()
}

// CreateProject inserts a new project with an empty file tree.
func (s *Store) CreateProject(ctx context.Context, id, name string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "project name is required")
	}
	if err := ValidateProjectID(id); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO projects (project_id, name, file_tree, created_at, updated_at)
		VALUES (?, ?, '{}', ?, ?)
	`
	if err := s.execWithRetry(ctx, query, id, name, now, now); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "create project").
			WithContext("project_id", id)
	}

	return &Project{ID: id, Name: name, FileTree: filetree.Tree{}, CreatedAt: now, UpdatedAt: now}, nil
}

// GetProject loads a project by id. Returns (nil, nil) when no such project
// exists so callers can distinguish absence from storage failure.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	query := `
		SELECT project_id, name, file_tree, created_at, updated_at
		FROM projects
		WHERE project_id = ?
	`

	var (
		p        Project
		treeJSON string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &treeJSON, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "get project").
			WithContext("project_id", id)
	}

	if treeJSON == "" {
		treeJSON = "{}"
	}
	if err := json.Unmarshal([]byte(treeJSON), &p.FileTree); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "decode project file tree").
			WithContext("project_id", id)
	}
	return &p, nil
}

// PersistFileTree replaces a project's stored file tree. Only canonical trees
// are accepted; normalize before calling.
func (s *Store) PersistFileTree(ctx context.Context, projectID string, tree filetree.Tree) error {
	if !filetree.IsCanonical(tree) {
		return apperrors.New(apperrors.ErrCodeTreeInvalid, "file tree is not in canonical form").
			WithContext("project_id", projectID)
	}

	payload, err := json.Marshal(tree)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "encode file tree").
			WithContext("project_id", projectID)
	}

	query := `
		UPDATE projects
		SET file_tree = ?, updated_at = ?
		WHERE project_id = ?
	`
	res, execErr := s.db.ExecContext(ctx, query, string(payload), time.Now().UTC(), projectID)
	if execErr != nil {
		if isBusyError(execErr) {
			if err := s.execWithRetry(ctx, query, string(payload), time.Now().UTC(), projectID); err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "persist file tree").
					WithContext("project_id", projectID)
			}
			return nil
		}
		return apperrors.Wrap(execErr, apperrors.ErrCodeStorageWrite, "persist file tree").
			WithContext("project_id", projectID)
	}

	rows, err := res.RowsAffected()
	if err == nil && rows == 0 {
		return apperrors.New(apperrors.ErrCodeProjectNotFound, "project does not exist").
			WithContext("project_id", projectID)
	}
	return nil
}

// AddUserToProject grants a user access to a project. Adding the same user
// twice is a no-op.
func (s *Store) AddUserToProject(ctx context.Context, projectID, userID string) error {
	query := `
		INSERT OR IGNORE INTO project_users (project_id, user_id)
		VALUES (?, ?)
	`
	if err := s.execWithRetry(ctx, query, projectID, userID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "add user to project").
			WithContext("project_id", projectID).
			WithContext("user_id", userID)
	}
	return nil
}

// ListProjectsForUser returns the projects a user belongs to, newest first.
func (s *Store) ListProjectsForUser(ctx context.Context, userID string) ([]*Project, error) {
	query := `
		SELECT p.project_id, p.name, p.file_tree, p.created_at, p.updated_at
		FROM projects p
		JOIN project_users pu ON pu.project_id = p.project_id
		WHERE pu.user_id = ?
		ORDER BY p.created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "list projects").
			WithContext("user_id", userID)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var (
			p        Project
			treeJSON string
		)
		if err := rows.Scan(&p.ID, &p.Name, &treeJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "scan project")
		}
		if treeJSON == "" {
			treeJSON = "{}"
		}
		if err := json.Unmarshal([]byte(treeJSON), &p.FileTree); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "decode project file tree").
				WithContext("project_id", p.ID)
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// execWithRetry runs a write with exponential backoff on transient
// SQLITE_BUSY/LOCKED errors.
func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) error {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if !isBusyError(err) || attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay * time.Duration(1<<uint(attempt))):
		}
	}
	return fmt.Errorf("exec after retries: %w", err)
}
