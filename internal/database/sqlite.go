package database

import (
	"fmt"
	"strings"

	"github.com/FabianTorres/confesiones/internal/chat"
	"github.com/FabianTorres/confesiones/internal/confessions"
	"github.com/FabianTorres/confesiones/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const busyTimeoutPragma = "_pragma=busy_timeout(5000)"

// Models lists every table owned by the API.
func Models() []any {
	return []any{
		&users.Identity{},
		&users.Profile{},
		&confessions.Community{},
		&confessions.Confession{},
		&confessions.Comment{},
		&confessions.Report{},
		&chat.Room{},
		&chat.Message{},
		&migrationRecord{},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(withBusyTimeout(path)), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

func withBusyTimeout(path string) string {
	if strings.Contains(path, "busy_timeout") {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&" + busyTimeoutPragma
	}
	return path + "?" + busyTimeoutPragma
}
