// Package history provides an optional, best-effort archive of terminal jobs.
// It is not authoritative: the manager's in-memory job map is the source of
// truth for scheduling and invariants, and a write failure here is logged
// and swallowed rather than surfaced as an error to the caller.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/kueue/internal/protocol"
)

// Store archives finished/canceled/failed jobs to a SQLite database file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the archive database at path and ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id INTEGER PRIMARY KEY,
	cmd TEXT NOT NULL,
	cwd TEXT NOT NULL,
	status TEXT NOT NULL,
	return_code INTEGER,
	run_time_seconds REAL,
	comment TEXT,
	issued_at DATETIME NOT NULL,
	archived_at DATETIME NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Archive inserts a terminal job's record. Intended to be passed as a
// manager.CleanFunc.
func (s *Store) Archive(info protocol.JobInfo) {
	cmd, err := json.Marshal(info.Cmd)
	if err != nil {
		log.Printf("history: failed to archive job %d: %v", info.JobID, err)
		return
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO jobs
			(job_id, cmd, cwd, status, return_code, run_time_seconds, comment, issued_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.JobID,
		string(cmd),
		info.Cwd,
		string(info.Status.Kind),
		info.Status.ReturnCode,
		info.Status.RunTimeSeconds,
		info.Status.Comment,
		info.IssuedAt,
		time.Now(),
	)
	if err != nil {
		log.Printf("history: failed to archive job %d: %v", info.JobID, err)
	}
}

// Record is a row read back from the archive.
type Record struct {
	JobID          uint64
	Cmd            []string
	Cwd            string
	Status         string
	ReturnCode     int
	RunTimeSeconds float64
	Comment        string
	IssuedAt       time.Time
	ArchivedAt     time.Time
}

// RecentJobInfo returns up to limit archived jobs, most recently archived
// first, converted to the wire protocol.JobInfo shape so a server can serve
// them straight out of serverconn.Server.OnHistoryQuery.
func (s *Store) RecentJobInfo(limit int) ([]protocol.JobInfo, error) {
	records, err := s.Recent(limit)
	if err != nil {
		return nil, err
	}
	infos := make([]protocol.JobInfo, len(records))
	for i, r := range records {
		infos[i] = protocol.JobInfo{
			JobID: r.JobID,
			Cmd:   r.Cmd,
			Cwd:   r.Cwd,
			Status: protocol.JobStatus{
				Kind:           protocol.JobStatusKind(r.Status),
				ReturnCode:     r.ReturnCode,
				RunTimeSeconds: r.RunTimeSeconds,
				Comment:        r.Comment,
			},
			IssuedAt: r.IssuedAt,
		}
	}
	return infos, nil
}

// Recent returns up to limit archived jobs, most recently archived first.
func (s *Store) Recent(limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT job_id, cmd, cwd, status, return_code, run_time_seconds, comment, issued_at, archived_at
		FROM jobs ORDER BY archived_at DESC, job_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var cmdJSON string
		if err := rows.Scan(&r.JobID, &cmdJSON, &r.Cwd, &r.Status, &r.ReturnCode,
			&r.RunTimeSeconds, &r.Comment, &r.IssuedAt, &r.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if err := json.Unmarshal([]byte(cmdJSON), &r.Cmd); err != nil {
			r.Cmd = strings.Fields(cmdJSON)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
