package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storefrontlabs/storefront-backend/pkg/db/models"
	pkgerrors "github.com/storefrontlabs/storefront-backend/pkg/errors"
)

// StockReservationRequest asks for qty units of a product on behalf of a
// cart item.
type StockReservationRequest struct {
	CartItemID uuid.UUID
	ProductID  uuid.UUID
	Qty        int
}

// StockReservationResult reports one request's outcome. Reason is set only
// when Reserved is false.
type StockReservationResult struct {
	CartItemID uuid.UUID
	ProductID  uuid.UUID
	Qty        int
	Reserved   bool
	Reason     string
}

// ReserveStock decrements product stock for each request inside the caller's
// transaction. The decrement is conditional on sufficient stock, so two
// concurrent checkouts can never drive stock negative: whichever UPDATE runs
// second sees the already-reduced value and matches zero rows.
//
// Failed requests are reported in the results rather than as an error; the
// caller decides whether a partial failure aborts the transaction.
func ReserveStock(ctx context.Context, tx *gorm.DB, requests []StockReservationRequest) ([]StockReservationResult, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "reservation requires a transaction")
	}

	for _, req := range requests {
		if req.ProductID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "reservation product id required")
		}
		if req.Qty < 1 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "reservation quantity must be at least 1")
		}
	}

	results := make([]StockReservationResult, 0, len(requests))
	for _, req := range requests {
		result := StockReservationResult{
			CartItemID: req.CartItemID,
			ProductID:  req.ProductID,
			Qty:        req.Qty,
		}

		update := tx.WithContext(ctx).
			Model(&models.Product{}).
			Where("id = ? AND stock >= ?", req.ProductID, req.Qty).
			Updates(map[string]any{
				"stock":      gorm.Expr("stock - ?", req.Qty),
				"updated_at": time.Now().UTC(),
			})
		if update.Error != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, update.Error, "reserve stock")
		}

		if update.RowsAffected == 0 {
			result.Reason = failureReason(ctx, tx, req.ProductID)
		} else {
			result.Reserved = true
		}
		results = append(results, result)
	}

	return results, nil
}

func failureReason(ctx context.Context, tx *gorm.DB, productID uuid.UUID) string {
	var product models.Product
	err := tx.WithContext(ctx).
		Select("id", "stock").
		First(&product, "id = ?", productID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "product not found"
	}
	if err != nil {
		return "stock lookup failed"
	}
	return "insufficient stock"
}
