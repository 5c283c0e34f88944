package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/jrsteele09/school-portal/internal/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ Repo = (*SQLRepo)(nil)

type kvEntry struct {
	Name      string `gorm:"column:name;primaryKey;size:191"`
	Value     string `gorm:"column:value;type:text"`
	UpdatedAt time.Time
}

func (kvEntry) TableName() string {
	return "kv_entries"
}

// SQLRepo stores keys as rows of the kv_entries table.
type SQLRepo struct {
	db *gorm.DB
}

// NewSQLRepo migrates the kv_entries table on the given handle.
func NewSQLRepo(db *gorm.DB) (*SQLRepo, error) {
	if db == nil {
		return nil, fmt.Errorf("sql repo requires a database handle")
	}
	if err := db.AutoMigrate(&kvEntry{}); err != nil {
		return nil, fmt.Errorf("[SQLRepo] migrate: %w", err)
	}
	return &SQLRepo{db: db}, nil
}

func (r *SQLRepo) Get(ctx context.Context, key string) (string, error) {
	var entry kvEntry
	err := r.db.WithContext(ctx).Where("name = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", apperrors.Wrapf(apperrors.ErrNotFound, "key %q", key)
	}
	if err != nil {
		return "", fmt.Errorf("[SQLRepo] get %s: %w", key, err)
	}
	return entry.Value, nil
}

func (r *SQLRepo) Set(ctx context.Context, key, value string) error {
	entry := kvEntry{Name: key, Value: value, UpdatedAt: time.Now()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("[SQLRepo] set %s: %w", key, err)
	}
	return nil
}

func (r *SQLRepo) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Where("name IN ?", keys).Delete(&kvEntry{}).Error; err != nil {
		return fmt.Errorf("[SQLRepo] delete: %w", err)
	}
	return nil
}

func (r *SQLRepo) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
