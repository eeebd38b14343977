package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/devpeace/devpeace/internal/models"
)

// InsertOrphan persists a new orphan record.
func (s *Store) InsertOrphan(o *models.OrphanRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO orphan_records
		 (id, repo_name, branch, duration_sec, comment, started_at, closed_at, resolved, assigned_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.RepoName, o.Branch, int64(o.Duration.Seconds()), o.Comment,
		o.StartedAt, o.ClosedAt, o.Resolved, o.AssignedKey,
	)
	return err
}

// GetOrphan returns one orphan record by id, or nil when absent.
func (s *Store) GetOrphan(id string) (*models.OrphanRecord, error) {
	rows, err := s.db.Query(selectOrphan+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanOrphan(rows)
}

// UnresolvedOrphans returns all orphan records still awaiting an issue key,
// newest first.
func (s *Store) UnresolvedOrphans() ([]*models.OrphanRecord, error) {
	rows, err := s.db.Query(selectOrphan + " WHERE resolved = 0 ORDER BY created_at DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orphans []*models.OrphanRecord
	for rows.Next() {
		o, err := scanOrphan(rows)
		if err != nil {
			return nil, err
		}
		orphans = append(orphans, o)
	}
	return orphans, rows.Err()
}

// ResolveOrphan marks an orphan as manually associated with an issue key.
func (s *Store) ResolveOrphan(id, issueKey string) error {
	_, err := s.db.Exec(
		"UPDATE orphan_records SET resolved = 1, assigned_key = ? WHERE id = ?",
		issueKey, id,
	)
	return err
}

// AssociateOrphan resolves an orphan and inserts the worklog entry
// created from it in one transaction. Either both land or neither does,
// so a retry can never produce a second entry for the same orphan.
func (s *Store) AssociateOrphan(e *models.WorklogEntry, orphanID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		"UPDATE orphan_records SET resolved = 1, assigned_key = ? WHERE id = ? AND resolved = 0",
		e.IssueKey, orphanID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("orphan %s is missing or already resolved", orphanID)
	}

	if _, err := tx.Exec(insertWorklog, insertWorklogArgs(e)...); err != nil {
		return err
	}
	return tx.Commit()
}

const selectOrphan = `SELECT id, repo_name, branch, duration_sec, comment, started_at,
 closed_at, resolved, assigned_key, created_at
 FROM orphan_records`

func scanOrphan(rows *sql.Rows) (*models.OrphanRecord, error) {
	var o models.OrphanRecord
	var durationSec int64

	if err := rows.Scan(&o.ID, &o.RepoName, &o.Branch, &durationSec, &o.Comment,
		&o.StartedAt, &o.ClosedAt, &o.Resolved, &o.AssignedKey, &o.CreatedAt); err != nil {
		return nil, err
	}

	o.Duration = time.Duration(durationSec) * time.Second
	return &o, nil
}
