package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type userRecord struct {
	ID          string   `gorm:"primarykey;size:64"`
	DisplayName string   `gorm:"size:100"`
	Groups      []string `gorm:"serializer:json"`
}

func (userRecord) TableName() string { return "users" }

type groupRecord struct {
	ID          string   `gorm:"primarykey;size:64"`
	Name        string   `gorm:"size:100;not null"`
	Description string   `gorm:"size:500"`
	OwnerID     string   `gorm:"size:64;not null"`
	Members     []string `gorm:"serializer:json"`
}

func (groupRecord) TableName() string { return "chat_groups" }

type messageRecord struct {
	ID             string `gorm:"primarykey;size:26"`
	ConversationID string `gorm:"size:200;not null;index:idx_messages_conversation_ts,priority:1"`
	SenderID       string `gorm:"size:64;not null"`
	SenderName     string `gorm:"size:100"`
	Content        string `gorm:"size:8000;not null"`
	Kind           string `gorm:"size:20;not null"`
	Timestamp      int64  `gorm:"not null;index:idx_messages_conversation_ts,priority:2"`
}

func (messageRecord) TableName() string { return "messages" }

// SQLStore persists the directory and messages through GORM.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the SQLite database at path and migrates it.
func OpenSQLite(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore migrates the schema on db.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&userRecord{}, &groupRecord{}, &messageRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*User, error) {
	var rec userRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &User{ID: rec.ID, DisplayName: rec.DisplayName, Groups: rec.Groups}, nil
}

func (s *SQLStore) PutUser(ctx context.Context, u *User) error {
	rec := userRecord{ID: u.ID, DisplayName: u.DisplayName, Groups: u.Groups}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *SQLStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	var rec groupRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find group: %w", err)
	}
	return &Group{
		ID:          rec.ID,
		Name:        rec.Name,
		Description: rec.Description,
		OwnerID:     rec.OwnerID,
		Members:     rec.Members,
	}, nil
}

func (s *SQLStore) PutGroup(ctx context.Context, g *Group) error {
	rec := groupRecord{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		OwnerID:     g.OwnerID,
		Members:     g.Members,
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("failed to save group: %w", err)
	}
	return nil
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	var recs []messageRecord
	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if limit > 0 {
		q = q.Order("timestamp DESC, id DESC").Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	out := make([]Message, 0, len(recs))
	for _, r := range recs {
		out = append(out, Message{
			ID:             r.ID,
			ConversationID: r.ConversationID,
			SenderID:       r.SenderID,
			SenderName:     r.SenderName,
			Content:        r.Content,
			Kind:           Kind(r.Kind),
			Timestamp:      r.Timestamp,
		})
	}
	return out, nil
}

// PutMessage inserts msg; an existing row with the same id is left untouched.
func (s *SQLStore) PutMessage(ctx context.Context, conversationID string, msg Message) error {
	rec := messageRecord{
		ID:             msg.ID,
		ConversationID: conversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		Content:        msg.Content,
		Kind:           string(msg.Kind),
		Timestamp:      msg.Timestamp,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}
