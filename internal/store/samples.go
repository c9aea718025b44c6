package store

import (
	"context"
	"time"

	"attestd/internal/apperr"
)

const samplesSchema = `
CREATE TABLE IF NOT EXISTS samples (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	submitted_at INTEGER NOT NULL,
	data         BLOB NOT NULL
);
`

// SampleStore is the separate database backing /submit, isolated so a
// growing sample corpus never contends with the verification hot path.
type SampleStore struct {
	*Store
}

// OpenSamples opens or creates the samples database at path.
func OpenSamples(path string, busyTimeout time.Duration) (*SampleStore, error) {
	db, err := openSQLite(path, busyTimeout)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(samplesSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SampleStore{Store: &Store{db: db, busyTimeout: busyTimeout}}, nil
}

// Insert stores a submitted sample blob verbatim. Per spec.md §3, a
// Sample carries no device association — it is opaque and write-only
// from the server's point of view.
func (s *SampleStore) Insert(ctx context.Context, data []byte) (*Sample, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO samples (submitted_at, data) VALUES (?, ?)`,
		now.Unix(), data)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "insert sample", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "insert sample", err)
	}
	return &Sample{ID: id, SubmittedAt: now, Data: data}, nil
}
