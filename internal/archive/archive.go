// Package archive 把过期清理前的任务记录归档到本地 sqlite，
// Redis 记录删除后还能追溯历史任务。
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/qs3c/karaoke_go_server/internal/model"
)

// ArchivedJob 归档表，Record 保留完整的记录 JSON
type ArchivedJob struct {
	ID               uint   `gorm:"primaryKey"`
	JobID            string `gorm:"uniqueIndex;size:64"`
	Status           string `gorm:"size:32;index"`
	OriginalFilename string
	FileSize         int64
	Progress         int
	ErrorMessage     string
	JobCreatedAt     time.Time
	CompletedAt      *time.Time
	ArchivedAt       time.Time
	Record           string `gorm:"type:text"`
}

type Archiver struct {
	db *gorm.DB
}

func Open(path string) (*Archiver, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive db: %w", err)
	}

	if err := db.AutoMigrate(&ArchivedJob{}); err != nil {
		return nil, fmt.Errorf("failed to migrate archive schema: %w", err)
	}

	return &Archiver{db: db}, nil
}

// Archive 写入一条归档。同一任务重复归档是幂等的。
func (a *Archiver) Archive(rec *model.JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}

	row := &ArchivedJob{
		JobID:            rec.JobID,
		Status:           string(rec.Status),
		OriginalFilename: rec.OriginalFilename,
		FileSize:         rec.FileSize,
		Progress:         rec.Progress,
		ErrorMessage:     rec.ErrorMessage,
		JobCreatedAt:     rec.CreatedAt,
		CompletedAt:      rec.CompletedAt,
		ArchivedAt:       time.Now(),
		Record:           string(data),
	}

	return a.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoNothing: true,
	}).Create(row).Error
}

// Count 归档总数
func (a *Archiver) Count() (int64, error) {
	var n int64
	err := a.db.Model(&ArchivedJob{}).Count(&n).Error
	return n, err
}

// Recent 按归档时间倒序列出
func (a *Archiver) Recent(limit int) ([]ArchivedJob, error) {
	var rows []ArchivedJob
	err := a.db.Order("archived_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Get 按任务 ID 取归档记录
func (a *Archiver) Get(jobID string) (*ArchivedJob, error) {
	var row ArchivedJob
	if err := a.db.Where("job_id = ?", jobID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}
