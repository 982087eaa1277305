package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"otServer/backend/internal/session"
)

// FieldSnapshot 表 field_snapshots：同一 (文档, 字段, epoch, version) 只保存一次
type FieldSnapshot struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	DocumentID string    `gorm:"size:128;not null;uniqueIndex:uk_field_version,priority:1"`
	Field      string    `gorm:"size:128;not null;uniqueIndex:uk_field_version,priority:2"`
	Epoch      uint64    `gorm:"not null;uniqueIndex:uk_field_version,priority:3"`
	Version    uint64    `gorm:"not null;uniqueIndex:uk_field_version,priority:4"`
	Content    string    `gorm:"type:longtext;not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

type SnapshotStore struct{ db *gorm.DB }

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) SaveFieldSnapshot(ctx context.Context, key session.Key, st session.State) error {
	row := FieldSnapshot{
		DocumentID: key.DocumentID,
		Field:      key.Field,
		Epoch:      st.Epoch,
		Version:    st.Version,
		Content:    st.Content,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		// 同一版本重复保存视为成功
		if isDuplicateKey(err) {
			return nil
		}
		return err
	}
	return nil
}

// LatestFieldSnapshot 按写入顺序取最新的一条；没有快照时 found=false
func (s *SnapshotStore) LatestFieldSnapshot(ctx context.Context, key session.Key) (session.State, bool, error) {
	var row FieldSnapshot
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND field = ?", key.DocumentID, key.Field).
		Order("id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.State{}, false, nil
	}
	if err != nil {
		return session.State{}, false, err
	}
	return session.State{
		Content:   row.Content,
		Version:   row.Version,
		Epoch:     row.Epoch,
		UpdatedAt: row.CreatedAt,
	}, true, nil
}

// 1062 = duplicate key
func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
