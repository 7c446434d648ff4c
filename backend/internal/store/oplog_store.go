package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/go-sql-driver/mysql"

	"collabCore/backend/internal/ot"
)

// OpStore 操作日志的落库后端（oplog.Store 实现）。
// 表结构：session_operations(id, session_id, kind, position, content,
// length, attributes, author_id, sequence_no, created_at)，
// (session_id, sequence_no) 唯一。
type OpStore struct{ db *sql.DB }

func NewOpStore(db *sql.DB) *OpStore {
	return &OpStore{db: db}
}

func (s *OpStore) AppendOperation(ctx context.Context, op ot.Operation) error {
	var attrs []byte
	if op.Attributes != nil {
		b, err := json.Marshal(op.Attributes)
		if err != nil {
			return err
		}
		attrs = b
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_operations
		(id, session_id, kind, position, content, length, attributes, author_id, sequence_no, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.SessionID, string(op.Kind), op.Position, op.Content,
		op.Length, attrs, op.AuthorID, op.SequenceNo, op.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// 重复键：同一操作重放落库，幂等处理
			return nil
		}
		return err
	}
	return nil
}

// OpsSince 版本界定的重放：进程重启后恢复会话历史用。
func (s *OpStore) OpsSince(ctx context.Context, sessionID string, version uint64) ([]ot.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, position, content, length, attributes, author_id, sequence_no, created_at
		FROM session_operations
		WHERE session_id = ? AND sequence_no > ?
		ORDER BY sequence_no ASC`,
		sessionID, version,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ot.Operation
	for rows.Next() {
		var op ot.Operation
		var kind string
		var attrs []byte
		if err := rows.Scan(&op.ID, &op.SessionID, &kind, &op.Position, &op.Content,
			&op.Length, &attrs, &op.AuthorID, &op.SequenceNo, &op.CreatedAt); err != nil {
			return nil, err
		}
		op.Kind = ot.Kind(kind)
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &op.Attributes); err != nil {
				return nil, err
			}
		}
		out = append(out, op)
	}
	return out, rows.Err()
}
