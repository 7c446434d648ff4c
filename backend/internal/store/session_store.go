package store

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabCore/backend/internal/session"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// SessionRecord 会话落库行。参与者列表整体序列化成 JSON 列，
// 协作核心不需要按参与者查询，拆表没有收益。
type SessionRecord struct {
	ID             string `gorm:"primaryKey;size:36"`
	ResourceID     string `gorm:"index;size:64"`
	Status         string `gorm:"size:16"`
	Participants   []byte `gorm:"type:json"`
	Settings       []byte `gorm:"type:json"`
	CreatedAt      time.Time
	LastActivityAt time.Time
}

func (SessionRecord) TableName() string { return "collab_sessions" }

// SessionStore session.Store 的 gorm 实现。
type SessionStore struct{ db *gorm.DB }

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) AutoMigrate() error {
	return s.db.AutoMigrate(&SessionRecord{})
}

func (s *SessionStore) SaveSession(ctx context.Context, sess *session.Session) error {
	participants, err := json.Marshal(sess.Participants)
	if err != nil {
		return err
	}
	settings, err := json.Marshal(sess.Settings)
	if err != nil {
		return err
	}
	rec := SessionRecord{
		ID:             sess.ID,
		ResourceID:     sess.ResourceID,
		Status:         string(sess.Status),
		Participants:   participants,
		Settings:       settings,
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
	}
	// upsert：主键冲突时整行更新
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
}

// LoadSession 进程重启后的恢复读。
func (s *SessionStore) LoadSession(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}
