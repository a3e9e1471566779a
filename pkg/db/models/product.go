package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Product represents a catalog listing. Stock is the authoritative available
// quantity and is only ever decremented through the conditional reservation
// update inside a checkout transaction.
type Product struct {
	ID          uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	CategoryID  *uuid.UUID      `gorm:"column:category_id;type:uuid;index:products_category_id_idx"`
	Name        string          `gorm:"column:name;not null"`
	Description *string         `gorm:"column:description"`
	Price       decimal.Decimal `gorm:"column:price;type:numeric(12,2);not null"`
	Stock       int             `gorm:"column:stock;not null;default:0"`
	ImageURLs   pq.StringArray  `gorm:"column:image_urls;type:text[]"`
	IsActive    bool            `gorm:"column:is_active;not null;default:true"`
	RatingAvg   float64         `gorm:"column:rating_avg;type:numeric(3,2);not null;default:0"`
	RatingCount int             `gorm:"column:rating_count;not null;default:0"`
	Category    *Category       `gorm:"foreignKey:CategoryID"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *Product) BeforeCreate(*gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
