package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrMetaNotFound is returned by GetMeta when no value is stored under the name.
var ErrMetaNotFound = errors.New("vault meta not found")

// Open opens (creating if needed) the sqlite database at path and migrates
// the schema.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := Migrate(db); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table this module owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&VaultRecord{}, &VaultMeta{}, &ConnectionLog{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// Close closes the underlying sql.DB.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func GetMeta(db *gorm.DB, name string) ([]byte, error) {
	var m VaultMeta
	if err := db.Where("name = ?", name).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMetaNotFound
		}
		return nil, err
	}
	return m.Value, nil
}

func SetMeta(db *gorm.DB, name string, value []byte) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&VaultMeta{Name: name, Value: value}).Error
}

// LogConnection appends a lifecycle event for identityRef.
func LogConnection(db *gorm.DB, identityRef, event, details string) error {
	return db.Create(&ConnectionLog{IdentityRef: identityRef, Event: event, Details: details}).Error
}

// RecentConnections returns up to limit events for identityRef, newest first.
func RecentConnections(db *gorm.DB, identityRef string, limit int) ([]ConnectionLog, error) {
	var logs []ConnectionLog
	err := db.Where("identity_ref = ?", identityRef).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// PurgeConnections deletes connection log rows created before cutoff and
// returns how many were removed.
func PurgeConnections(db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.Where("created_at < ?", cutoff).Delete(&ConnectionLog{})
	return res.RowsAffected, res.Error
}
