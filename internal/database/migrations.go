package database

import (
	"gorm.io/gorm"

	"dealflow/server/internal/models"
)

// MigrateSchema creates or updates the cache tables.
func MigrateSchema(db *gorm.DB) error {
	return db.AutoMigrate(&models.CacheEntry{})
}

func (d *Database) RunMigrations() error {
	return MigrateSchema(d.db)
}
