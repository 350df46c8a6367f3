package models

import (
	"time"

	"github.com/google/uuid"
)

// Book is a read-only projection of the catalog service. This service never
// writes to it; the catalog owns the table.
type Book struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Title        string    `gorm:"column:title;not null"`
	Price        string    `gorm:"column:price;not null"`
	IsPaid       bool      `gorm:"column:is_paid;not null;default:false"`
	AssetLocator string    `gorm:"column:asset_locator;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
