package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storefrontlabs/storefront-backend/pkg/db"
	"github.com/storefrontlabs/storefront-backend/pkg/db/models"
	"github.com/storefrontlabs/storefront-backend/pkg/enums"
	pkgerrors "github.com/storefrontlabs/storefront-backend/pkg/errors"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type productLoader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Product, error)
}

// Service exposes the cart aggregate operations. All mutations keep the
// persisted total equal to the sum of line totals.
type Service interface {
	GetOrCreate(ctx context.Context, userID uuid.UUID) (*CartDTO, error)
	Get(ctx context.Context, userID uuid.UUID) (*CartDTO, error)
	AddItem(ctx context.Context, userID, productID uuid.UUID, qty int) (*CartDTO, error)
	UpdateItem(ctx context.Context, userID, productID uuid.UUID, qty int) (*CartDTO, error)
	RemoveItem(ctx context.Context, userID, productID uuid.UUID) (*CartDTO, error)
	Clear(ctx context.Context, userID uuid.UUID) (*CartDTO, error)
}

type service struct {
	repo     *Repository
	products productLoader
	tx       txRunner
}

// NewService builds the cart service.
func NewService(repo *Repository, products productLoader, tx txRunner) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("cart repository required")
	}
	if products == nil {
		return nil, fmt.Errorf("product loader required")
	}
	if tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	return &service{repo: repo, products: products, tx: tx}, nil
}

// GetOrCreate returns the user's pending cart, creating it on first use.
// When two requests race to create the first cart, the partial unique index
// rejects the loser, which then re-reads the winner's row.
func (s *service) GetOrCreate(ctx context.Context, userID uuid.UUID) (*CartDTO, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}

	cart, err := s.repo.FindPendingByUser(ctx, userID)
	if err == nil {
		return s.healed(ctx, cart)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart")
	}

	created, createErr := s.repo.Create(ctx, &models.Cart{
		UserID: userID,
		Status: enums.CartStatusPending,
	})
	if createErr != nil {
		if db.IsUniqueViolation(createErr, "carts_user_pending_key") {
			existing, refetchErr := s.repo.FindPendingByUser(ctx, userID)
			if refetchErr != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, refetchErr, "load cart after conflict")
			}
			return s.healed(ctx, existing)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, createErr, "create cart")
	}
	return toCartDTO(created), nil
}

// Get returns the pending cart without creating one.
func (s *service) Get(ctx context.Context, userID uuid.UUID) (*CartDTO, error) {
	cart, err := s.loadPending(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.healed(ctx, cart)
}

func (s *service) AddItem(ctx context.Context, userID, productID uuid.UUID, qty int) (*CartDTO, error) {
	if qty < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be at least 1")
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product")
	}
	if !product.IsActive {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
	}

	dto, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		item, findErr := repo.FindItem(ctx, dto.ID, productID)
		switch {
		case findErr == nil:
			item.Quantity += qty
			if stockErr := checkStock(product, item.Quantity); stockErr != nil {
				return stockErr
			}
			if saveErr := repo.SaveItem(ctx, item); saveErr != nil {
				return saveErr
			}
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			if stockErr := checkStock(product, qty); stockErr != nil {
				return stockErr
			}
			// snapshot the current price; later catalog changes do not
			// reprice lines already in the cart
			if createErr := repo.CreateItem(ctx, &models.CartItem{
				CartID:    dto.ID,
				ProductID: productID,
				Quantity:  qty,
				Price:     product.Price,
			}); createErr != nil {
				return createErr
			}
		default:
			return findErr
		}

		return s.recomputeTotal(ctx, repo, dto.ID)
	})
	if err != nil {
		if typed := pkgerrors.As(err); typed != nil {
			return nil, typed
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "add cart item")
	}

	return s.Get(ctx, userID)
}

func (s *service) UpdateItem(ctx context.Context, userID, productID uuid.UUID, qty int) (*CartDTO, error) {
	if qty < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be at least 1")
	}

	cart, err := s.loadPending(ctx, userID)
	if err != nil {
		return nil, err
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product")
	}
	if stockErr := checkStock(product, qty); stockErr != nil {
		return nil, stockErr
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)

		item, findErr := repo.FindItem(ctx, cart.ID, productID)
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "cart item not found")
		}
		if findErr != nil {
			return findErr
		}

		item.Quantity = qty
		if saveErr := repo.SaveItem(ctx, item); saveErr != nil {
			return saveErr
		}
		return s.recomputeTotal(ctx, repo, cart.ID)
	})
	if err != nil {
		if typed := pkgerrors.As(err); typed != nil {
			return nil, typed
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update cart item")
	}

	return s.Get(ctx, userID)
}

// RemoveItem deletes the line if present. Removing an absent line is a no-op
// so client retries converge.
func (s *service) RemoveItem(ctx context.Context, userID, productID uuid.UUID) (*CartDTO, error) {
	cart, err := s.loadPending(ctx, userID)
	if err != nil {
		return nil, err
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if delErr := repo.DeleteItem(ctx, cart.ID, productID); delErr != nil {
			return delErr
		}
		return s.recomputeTotal(ctx, repo, cart.ID)
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "remove cart item")
	}

	return s.Get(ctx, userID)
}

func (s *service) Clear(ctx context.Context, userID uuid.UUID) (*CartDTO, error) {
	cart, err := s.loadPending(ctx, userID)
	if err != nil {
		return nil, err
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if delErr := repo.DeleteItems(ctx, cart.ID); delErr != nil {
			return delErr
		}
		return s.recomputeTotal(ctx, repo, cart.ID)
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear cart")
	}

	return s.Get(ctx, userID)
}

func (s *service) loadPending(ctx context.Context, userID uuid.UUID) (*models.Cart, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	cart, err := s.repo.FindPendingByUser(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "cart not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load cart")
	}
	return cart, nil
}

// healed repairs a drifted persisted total before returning the cart. The
// corrected value is written back so later readers see a consistent row.
// healed repairs drift before returning the cart: lines whose product row no
// longer exists are dropped, and a stale stored total is rewritten.
func (s *service) healed(ctx context.Context, cart *models.Cart) (*CartDTO, error) {
	if len(cart.Items) > 0 {
		ids := make([]uuid.UUID, 0, len(cart.Items))
		for _, item := range cart.Items {
			ids = append(ids, item.ProductID)
		}
		live, err := s.repo.LiveProductIDs(ctx, ids)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check cart products")
		}

		kept := make([]models.CartItem, 0, len(cart.Items))
		var dead []uuid.UUID
		for _, item := range cart.Items {
			if live[item.ProductID] {
				kept = append(kept, item)
				continue
			}
			dead = append(dead, item.ProductID)
		}
		if len(dead) > 0 {
			if err := s.repo.DeleteItemsByProducts(ctx, cart.ID, dead); err != nil {
				return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "drop dead cart lines")
			}
			cart.Items = kept
		}
	}

	expected := computeTotal(cart.Items)
	if !cart.TotalPrice.Equal(expected) {
		cart.TotalPrice = expected
		if err := s.repo.Save(ctx, cart); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "repair cart total")
		}
	}
	return toCartDTO(cart), nil
}

func (s *service) recomputeTotal(ctx context.Context, repo *Repository, cartID uuid.UUID) error {
	var items []models.CartItem
	if err := repo.db.WithContext(ctx).Where("cart_id = ?", cartID).Find(&items).Error; err != nil {
		return err
	}
	return repo.db.WithContext(ctx).
		Model(&models.Cart{}).
		Where("id = ?", cartID).
		Update("total_price", computeTotal(items)).Error
}

func checkStock(product *models.Product, qty int) error {
	if product.Stock < qty {
		return pkgerrors.New(pkgerrors.CodeInsufficientStock, "insufficient stock").WithDetails(map[string]any{
			"product_id": product.ID,
			"requested":  qty,
			"stock":      product.Stock,
		})
	}
	return nil
}
