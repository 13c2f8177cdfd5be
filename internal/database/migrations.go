package database

import (
	"errors"
	"time"

	"github.com/FabianTorres/confesiones/internal/confessions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRecomputeLikeCounts   = "2024-06-01_recompute_like_counts"
	migrationNullBlankReportReason = "2024-06-01_null_blank_report_reasons"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRecomputeLikeCounts, apply: recomputeLikeCounts},
		{name: migrationNullBlankReportReason, apply: nullBlankReportReasons},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// recomputeLikeCounts restores likes_count = |likes| for rows written by older clients.
func recomputeLikeCounts(db *gorm.DB) error {
	var rows []confessions.Confession
	if err := db.Select("id", "likes", "likes_count", "version").Find(&rows).Error; err != nil {
		return err
	}
	for _, row := range rows {
		size := int64(row.Likes.Size())
		if row.LikesCount == size {
			continue
		}
		err := db.Model(&confessions.Confession{}).
			Where("id = ?", row.ID).
			Updates(map[string]any{"likes_count": size, "version": row.Version + 1}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func nullBlankReportReasons(db *gorm.DB) error {
	return db.Model(&confessions.Report{}).
		Where("reason IS NOT NULL AND trim(reason) = ''").
		Update("reason", nil).Error
}
