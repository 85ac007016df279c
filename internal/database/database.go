package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"dealflow/server/internal/models"
)

// Database is a SQLite-backed cache store. It survives restarts, so the
// sync baseline and CRM label cache are not lost on deploy.
type Database struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

// Open opens (or creates) the SQLite database at dbPath.
func Open(dbPath string, logger *logrus.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if logger != nil {
		logger.WithField("path", dbPath).Info("Opened cache database")
	}
	return db, nil
}

// NewTestDB opens a private in-memory database.
func NewTestDB() (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return Open(dsn, nil)
}

// NewDatabase wraps an opened connection. Call RunMigrations before use.
func NewDatabase(db *gorm.DB, logger *logrus.Logger) *Database {
	if logger == nil {
		logger = logrus.New()
	}
	return &Database{db: db, logger: logger, now: time.Now}
}

// GetDB returns the underlying connection.
func (d *Database) GetDB() *gorm.DB {
	return d.db
}

// Close closes the underlying connection.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (d *Database) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry models.CacheEntry
	err := d.db.WithContext(ctx).Where("`key` = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if !entry.ExpiresAt.IsZero() && !d.now().Before(entry.ExpiresAt) {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Set upserts value for ttl. A zero ttl never expires.
func (d *Database) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := d.now().UTC()
	entry := models.CacheEntry{Key: key, Value: value, FetchedAt: now}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "fetched_at", "expires_at"}),
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Invalidate deletes every key starting with prefix.
func (d *Database) Invalidate(ctx context.Context, prefix string) error {
	pattern := escapeLike(prefix) + "%"
	result := d.db.WithContext(ctx).Where("`key` LIKE ? ESCAPE '\\'", pattern).Delete(&models.CacheEntry{})
	if result.Error != nil {
		return fmt.Errorf("failed to invalidate cache prefix %q: %w", prefix, result.Error)
	}
	d.logger.WithFields(logrus.Fields{
		"prefix":  prefix,
		"removed": result.RowsAffected,
	}).Debug("Invalidated cache entries")
	return nil
}

// PurgeExpired removes entries past their expiry.
func (d *Database) PurgeExpired(ctx context.Context) (int64, error) {
	result := d.db.WithContext(ctx).
		Where("expires_at > ? AND expires_at <= ?", time.Time{}, d.now().UTC()).
		Delete(&models.CacheEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge expired cache entries: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
