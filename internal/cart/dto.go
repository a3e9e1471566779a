package cart

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/storefrontlabs/storefront-backend/pkg/db/models"
	"github.com/storefrontlabs/storefront-backend/pkg/enums"
)

// CartItemDTO is one line of the cart as returned to clients.
type CartItemDTO struct {
	ID        uuid.UUID       `json:"id"`
	ProductID uuid.UUID       `json:"product_id"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

// CartDTO is the public shape of a cart.
type CartDTO struct {
	ID         uuid.UUID        `json:"id"`
	UserID     uuid.UUID        `json:"user_id"`
	Status     enums.CartStatus `json:"status"`
	TotalPrice decimal.Decimal  `json:"total_price"`
	Items      []CartItemDTO    `json:"items"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

func toCartDTO(cart *models.Cart) *CartDTO {
	if cart == nil {
		return nil
	}
	dto := &CartDTO{
		ID:         cart.ID,
		UserID:     cart.UserID,
		Status:     cart.Status,
		TotalPrice: cart.TotalPrice,
		Items:      make([]CartItemDTO, 0, len(cart.Items)),
		UpdatedAt:  cart.UpdatedAt,
	}
	for _, item := range cart.Items {
		dto.Items = append(dto.Items, CartItemDTO{
			ID:        item.ID,
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
			LineTotal: item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))),
		})
	}
	return dto
}

// computeTotal sums price*quantity across the cart lines.
func computeTotal(items []models.CartItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}
