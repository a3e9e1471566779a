package orders

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/storefrontlabs/storefront-backend/pkg/db/models"
	"github.com/storefrontlabs/storefront-backend/pkg/enums"
)

// OrderItemDTO is one purchased line as returned to clients.
type OrderItemDTO struct {
	ID        uuid.UUID       `json:"id"`
	ProductID *uuid.UUID      `json:"product_id,omitempty"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// OrderDTO is the public shape of an order record.
type OrderDTO struct {
	ID            uuid.UUID           `json:"id"`
	UserID        uuid.UUID           `json:"user_id"`
	TotalAmount   decimal.Decimal     `json:"total_amount"`
	Status        enums.OrderStatus   `json:"status"`
	PaymentStatus enums.PaymentStatus `json:"payment_status"`
	RemoteOrderID *string             `json:"remote_order_id,omitempty"`
	Items         []OrderItemDTO      `json:"items"`
	CreatedAt     time.Time           `json:"created_at"`
}

// OrderList wraps one page of orders plus the next page cursor.
type OrderList struct {
	Orders     []OrderDTO `json:"orders"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// PaymentOrderDTO is returned when a remote payment order is opened.
type PaymentOrderDTO struct {
	OrderID       uuid.UUID       `json:"order_id"`
	RemoteOrderID string          `json:"remote_order_id"`
	Amount        decimal.Decimal `json:"amount"`
	AmountMinor   int64           `json:"amount_minor"`
	Currency      string          `json:"currency"`
}

// VerifyPaymentInput carries the gateway callback fields the client relays.
type VerifyPaymentInput struct {
	RemoteOrderID   string
	RemotePaymentID string
	Signature       string
}

// ToOrderDTO converts the model to its public shape.
func ToOrderDTO(order *models.Order) *OrderDTO {
	if order == nil {
		return nil
	}
	dto := &OrderDTO{
		ID:            order.ID,
		UserID:        order.UserID,
		TotalAmount:   order.TotalAmount,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		RemoteOrderID: order.RemoteOrderID,
		Items:         make([]OrderItemDTO, 0, len(order.Items)),
		CreatedAt:     order.CreatedAt,
	}
	for _, item := range order.Items {
		dto.Items = append(dto.Items, OrderItemDTO{
			ID:        item.ID,
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}
	return dto
}
