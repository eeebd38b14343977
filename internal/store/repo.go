package store

import (
	"database/sql"
	"time"

	"github.com/devpeace/devpeace/internal/models"
)

// AddRepo registers a repository.
func (s *Store) AddRepo(path, name string) (*models.Repo, error) {
	result, err := s.db.Exec(
		"INSERT INTO repos (path, name) VALUES (?, ?)",
		path, name,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return s.GetRepoByID(id)
}

// GetRepoByID returns a repository by id, or nil when absent.
func (s *Store) GetRepoByID(id int64) (*models.Repo, error) {
	return s.scanRepo(s.db.QueryRow(
		"SELECT id, path, name, enabled, created_at, last_activity FROM repos WHERE id = ?", id,
	))
}

// GetRepoByPath returns a repository by path, or nil when absent.
func (s *Store) GetRepoByPath(path string) (*models.Repo, error) {
	return s.scanRepo(s.db.QueryRow(
		"SELECT id, path, name, enabled, created_at, last_activity FROM repos WHERE path = ?", path,
	))
}

// ListRepos returns all registered repositories.
func (s *Store) ListRepos() ([]models.Repo, error) {
	rows, err := s.db.Query(
		"SELECT id, path, name, enabled, created_at, last_activity FROM repos ORDER BY name, path",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []models.Repo
	for rows.Next() {
		var repo models.Repo
		var lastActivity sql.NullTime

		if err := rows.Scan(&repo.ID, &repo.Path, &repo.Name, &repo.Enabled, &repo.CreatedAt, &lastActivity); err != nil {
			return nil, err
		}
		if lastActivity.Valid {
			repo.LastActivity = &lastActivity.Time
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// SetRepoEnabled toggles watching for a repository.
func (s *Store) SetRepoEnabled(id int64, enabled bool) error {
	_, err := s.db.Exec("UPDATE repos SET enabled = ? WHERE id = ?", enabled, id)
	return err
}

// TouchRepo records the most recent activity time for a repository.
func (s *Store) TouchRepo(id int64, at time.Time) error {
	_, err := s.db.Exec("UPDATE repos SET last_activity = ? WHERE id = ?", at, id)
	return err
}

// RemoveRepo deletes a repository and, via cascade, its sessions.
func (s *Store) RemoveRepo(id int64) error {
	_, err := s.db.Exec("DELETE FROM repos WHERE id = ?", id)
	return err
}

func (s *Store) scanRepo(row *sql.Row) (*models.Repo, error) {
	var repo models.Repo
	var lastActivity sql.NullTime

	err := row.Scan(&repo.ID, &repo.Path, &repo.Name, &repo.Enabled, &repo.CreatedAt, &lastActivity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if lastActivity.Valid {
		repo.LastActivity = &lastActivity.Time
	}
	return &repo, nil
}
