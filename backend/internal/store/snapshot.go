package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveDocumentSnapshot 按 (session_id, version) 落一份物化文本。
func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, sessionID string, version uint64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_snapshots (session_id, version, content)
		VALUES (?, ?, ?)`,
		sessionID,
		version,
		content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}
