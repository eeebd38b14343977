package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/devpeace/devpeace/internal/models"
)

// CreateSession persists a newly opened session and assigns its id.
func (s *Store) CreateSession(sess *models.Session) error {
	commits, err := marshalCommits(sess.Commits)
	if err != nil {
		return err
	}

	result, err := s.db.Exec(
		`INSERT INTO sessions (repo_id, branch, issue_key, started_at, last_activity, commits)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.RepoID, sess.Branch, sess.IssueKey, sess.StartedAt, sess.LastActivity, commits,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	sess.ID, err = result.LastInsertId()
	return err
}

// UpdateSession persists activity and commit progress of an open session.
func (s *Store) UpdateSession(sess *models.Session) error {
	commits, err := marshalCommits(sess.Commits)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		"UPDATE sessions SET last_activity = ?, commits = ? WHERE id = ?",
		sess.LastActivity, commits, sess.ID,
	)
	return err
}

// CloseSession marks a session as ended.
func (s *Store) CloseSession(sess *models.Session) error {
	if sess.EndedAt == nil {
		return fmt.Errorf("session %d has no end time", sess.ID)
	}

	commits, err := marshalCommits(sess.Commits)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		"UPDATE sessions SET ended_at = ?, last_activity = ?, commits = ? WHERE id = ?",
		*sess.EndedAt, sess.LastActivity, commits, sess.ID,
	)
	return err
}

// OpenSessions returns sessions with no end time, oldest first. Used on
// startup to recover sessions interrupted by a crash.
func (s *Store) OpenSessions() ([]*models.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, repo_id, branch, issue_key, started_at, last_activity, ended_at, commits
		 FROM sessions WHERE ended_at IS NULL ORDER BY started_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SessionsForRepo returns all sessions of one repository, newest first.
func (s *Store) SessionsForRepo(repoID int64) ([]*models.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, repo_id, branch, issue_key, started_at, last_activity, ended_at, commits
		 FROM sessions WHERE repo_id = ? ORDER BY started_at DESC`,
		repoID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanSession(rows *sql.Rows) (*models.Session, error) {
	var sess models.Session
	var endedAt sql.NullTime
	var commits string

	if err := rows.Scan(&sess.ID, &sess.RepoID, &sess.Branch, &sess.IssueKey,
		&sess.StartedAt, &sess.LastActivity, &endedAt, &commits); err != nil {
		return nil, err
	}

	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if err := json.Unmarshal([]byte(commits), &sess.Commits); err != nil {
		return nil, fmt.Errorf("decode session commits: %w", err)
	}

	return &sess, nil
}

func marshalCommits(commits []models.Commit) (string, error) {
	if commits == nil {
		commits = []models.Commit{}
	}
	data, err := json.Marshal(commits)
	if err != nil {
		return "", fmt.Errorf("encode session commits: %w", err)
	}
	return string(data), nil
}
