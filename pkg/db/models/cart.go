package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/storefrontlabs/storefront-backend/pkg/enums"
)

// Cart is the single mutable basket a user owns while its status is pending.
// A partial unique index on (user_id) WHERE status = 'pending' (see the
// migrations) guarantees at most one pending cart per user; duplicate
// creation attempts surface as a unique violation and are resolved by
// re-reading.
type Cart struct {
	ID         uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	UserID     uuid.UUID        `gorm:"column:user_id;type:uuid;not null;index:carts_user_id_idx"`
	Status     enums.CartStatus `gorm:"column:status;not null;default:'pending'"`
	TotalPrice decimal.Decimal  `gorm:"column:total_price;type:numeric(12,2);not null;default:0"`
	Items      []CartItem       `gorm:"foreignKey:CartID;constraint:OnDelete:CASCADE"`
	CreatedAt  time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (c *Cart) BeforeCreate(*gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
