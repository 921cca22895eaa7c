package db

import (
	"fmt"

	"github.com/zulandar/workdesk/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model Workdesk migrates.
func AllModels() []interface{} {
	return []interface{}{
		&models.WorkItem{},
		&models.Attachment{},
		&models.WorkItemEvent{},
		&models.User{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedUsers upserts directory users by username.
func SeedUsers(db *gorm.DB, users []models.User) error {
	for i := range users {
		u := users[i]
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "username"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "role_name"}),
		}).Create(&u)
		if result.Error != nil {
			return fmt.Errorf("db: seed user %q: %w", u.Username, result.Error)
		}
	}
	return nil
}
