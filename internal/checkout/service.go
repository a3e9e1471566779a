// Package checkout converts a pending cart into an order inside a single
// database transaction. Stock reservation, order creation and cart
// completion either all commit or all roll back.
package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/storefrontlabs/storefront-backend/internal/cart"
	"github.com/storefrontlabs/storefront-backend/internal/checkout/reservation"
	"github.com/storefrontlabs/storefront-backend/internal/orders"
	"github.com/storefrontlabs/storefront-backend/pkg/db/models"
	"github.com/storefrontlabs/storefront-backend/pkg/enums"
	pkgerrors "github.com/storefrontlabs/storefront-backend/pkg/errors"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service executes the checkout workflow.
type Service interface {
	Execute(ctx context.Context, userID uuid.UUID) (*orders.OrderDTO, error)
}

type service struct {
	carts  *cart.Repository
	orders orders.Repository
	tx     txRunner
}

// NewService builds the checkout service.
func NewService(carts *cart.Repository, ordersRepo orders.Repository, tx txRunner) (Service, error) {
	if carts == nil {
		return nil, fmt.Errorf("cart repository required")
	}
	if ordersRepo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{carts: carts, orders: ordersRepo, tx: tx}, nil
}

// Execute checks out the user's pending cart. Stock is decremented with
// conditional updates, so two checkouts racing for the last unit cannot both
// succeed; the loser rolls back with an insufficient stock error and its cart
// untouched.
func (s *service) Execute(ctx context.Context, userID uuid.UUID) (*orders.OrderDTO, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}

	var created *models.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		cartRepo := s.carts.WithTx(tx)

		pending, err := cartRepo.FindPendingByUser(ctx, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "no pending cart")
			}
			return fmt.Errorf("load pending cart: %w", err)
		}
		if len(pending.Items) == 0 {
			return pkgerrors.New(pkgerrors.CodeValidation, "cart contains no items")
		}

		requests := make([]reservation.StockReservationRequest, 0, len(pending.Items))
		for _, item := range pending.Items {
			requests = append(requests, reservation.StockReservationRequest{
				CartItemID: item.ID,
				ProductID:  item.ProductID,
				Qty:        item.Quantity,
			})
		}

		results, err := reservation.ReserveStock(ctx, tx, requests)
		if err != nil {
			return err
		}
		var failures []map[string]any
		for _, result := range results {
			if result.Reserved {
				continue
			}
			failures = append(failures, map[string]any{
				"product_id": result.ProductID,
				"requested":  result.Qty,
				"reason":     result.Reason,
			})
		}
		if len(failures) > 0 {
			return pkgerrors.New(pkgerrors.CodeInsufficientStock, "insufficient stock for one or more items").
				WithDetails(failures)
		}

		names, err := productNames(ctx, tx, pending.Items)
		if err != nil {
			return fmt.Errorf("load product names: %w", err)
		}

		total := decimal.Zero
		orderItems := make([]models.OrderItem, 0, len(pending.Items))
		for _, item := range pending.Items {
			productID := item.ProductID
			total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
			orderItems = append(orderItems, models.OrderItem{
				ProductID: &productID,
				Name:      names[item.ProductID],
				Quantity:  item.Quantity,
				Price:     item.Price,
			})
		}

		// Checkout runs after payment has settled, so the order lands
		// already paid and moves straight into fulfillment.
		created, err = s.orders.WithTx(tx).Create(ctx, &models.Order{
			UserID:        userID,
			TotalAmount:   total,
			Status:        enums.OrderStatusProcessing,
			PaymentStatus: enums.PaymentStatusCompleted,
			Items:         orderItems,
		})
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		// A concurrent checkout of the same cart loses here and the whole
		// transaction, stock decrements included, rolls back.
		if err := cartRepo.CompletePending(ctx, pending.ID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeConflict, "cart already checked out")
			}
			return fmt.Errorf("complete cart: %w", err)
		}
		return nil
	})
	if err != nil {
		if typed := pkgerrors.As(err); typed != nil {
			return nil, typed
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeCheckoutFailed, err, "checkout failed")
	}

	return orders.ToOrderDTO(created), nil
}

// productNames resolves names inside the transaction, after reservation has
// proven the products exist.
func productNames(ctx context.Context, tx *gorm.DB, items []models.CartItem) (map[uuid.UUID]string, error) {
	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	var rows []models.Product
	if err := tx.WithContext(ctx).Select("id", "name").Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	names := make(map[uuid.UUID]string, len(rows))
	for _, row := range rows {
		names[row.ID] = row.Name
	}
	return names, nil
}
