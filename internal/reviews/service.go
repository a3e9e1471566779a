// Package reviews stores product ratings and keeps the denormalized
// rating aggregate on products in step with the review rows.
package reviews

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storefrontlabs/storefront-backend/pkg/db"
	"github.com/storefrontlabs/storefront-backend/pkg/db/models"
	pkgerrors "github.com/storefrontlabs/storefront-backend/pkg/errors"
	"github.com/storefrontlabs/storefront-backend/pkg/pagination"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type productLoader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.Product, error)
}

type ReviewInput struct {
	Rating  int     `json:"rating" validate:"required,min=1,max=5"`
	Comment *string `json:"comment" validate:"omitempty,max=2000"`
}

type ReviewDTO struct {
	ID        uuid.UUID `json:"id"`
	ProductID uuid.UUID `json:"product_id"`
	UserID    uuid.UUID `json:"user_id"`
	Rating    int       `json:"rating"`
	Comment   *string   `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ReviewList struct {
	Reviews    []ReviewDTO `json:"reviews"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

// Service manages reviews, one per user per product.
type Service interface {
	Create(ctx context.Context, userID, productID uuid.UUID, input ReviewInput) (*ReviewDTO, error)
	Update(ctx context.Context, userID, productID uuid.UUID, input ReviewInput) (*ReviewDTO, error)
	Delete(ctx context.Context, userID, productID uuid.UUID) error
	ListByProduct(ctx context.Context, productID uuid.UUID, params pagination.Params) (*ReviewList, error)
}

type service struct {
	repo     *Repository
	products productLoader
	tx       txRunner
}

func NewService(repo *Repository, products productLoader, tx txRunner) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("reviews repository required")
	}
	if products == nil {
		return nil, fmt.Errorf("product loader required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{repo: repo, products: products, tx: tx}, nil
}

func (s *service) Create(ctx context.Context, userID, productID uuid.UUID, input ReviewInput) (*ReviewDTO, error) {
	if err := s.validate(ctx, userID, productID, &input); err != nil {
		return nil, err
	}

	review := &models.Review{
		ProductID: productID,
		UserID:    userID,
		Rating:    input.Rating,
		Comment:   input.Comment,
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.Create(ctx, review); err != nil {
			if db.IsUniqueViolation(err, "reviews_product_user_key") {
				return pkgerrors.New(pkgerrors.CodeConflict, "product already reviewed")
			}
			return fmt.Errorf("create review: %w", err)
		}
		return repo.RefreshProductRating(ctx, productID)
	})
	if err != nil {
		return nil, s.asTyped(err, "create review")
	}
	return toReviewDTO(review), nil
}

func (s *service) Update(ctx context.Context, userID, productID uuid.UUID, input ReviewInput) (*ReviewDTO, error) {
	if err := s.validate(ctx, userID, productID, &input); err != nil {
		return nil, err
	}

	var review *models.Review
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		existing, err := repo.FindByProductAndUser(ctx, productID, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "review not found")
			}
			return fmt.Errorf("load review: %w", err)
		}
		existing.Rating = input.Rating
		existing.Comment = input.Comment
		if err := repo.Save(ctx, existing); err != nil {
			return fmt.Errorf("save review: %w", err)
		}
		review = existing
		return repo.RefreshProductRating(ctx, productID)
	})
	if err != nil {
		return nil, s.asTyped(err, "update review")
	}
	return toReviewDTO(review), nil
}

// Delete removes the caller's review if present. Deleting an absent review is
// a no-op so client retries converge.
func (s *service) Delete(ctx context.Context, userID, productID uuid.UUID) error {
	if userID == uuid.Nil || productID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id and product id required")
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		deleted, err := repo.Delete(ctx, productID, userID)
		if err != nil {
			return fmt.Errorf("delete review: %w", err)
		}
		if deleted == 0 {
			return nil
		}
		return repo.RefreshProductRating(ctx, productID)
	})
	if err != nil {
		return s.asTyped(err, "delete review")
	}
	return nil
}

func (s *service) ListByProduct(ctx context.Context, productID uuid.UUID, params pagination.Params) (*ReviewList, error) {
	if productID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id required")
	}
	rows, nextCursor, err := s.repo.ListByProduct(ctx, productID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list reviews")
	}
	result := &ReviewList{Reviews: make([]ReviewDTO, 0, len(rows)), NextCursor: nextCursor}
	for i := range rows {
		result.Reviews = append(result.Reviews, *toReviewDTO(&rows[i]))
	}
	return result, nil
}

func (s *service) validate(ctx context.Context, userID, productID uuid.UUID, input *ReviewInput) error {
	if userID == uuid.Nil || productID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "user id and product id required")
	}
	if input.Rating < 1 || input.Rating > 5 {
		return pkgerrors.New(pkgerrors.CodeValidation, "rating must be between 1 and 5")
	}
	if input.Comment != nil {
		trimmed := strings.TrimSpace(*input.Comment)
		if trimmed == "" {
			input.Comment = nil
		} else {
			input.Comment = &trimmed
		}
	}
	if _, err := s.products.FindByID(ctx, productID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "product not found")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load product")
	}
	return nil
}

func (s *service) asTyped(err error, op string) error {
	if typed := pkgerrors.As(err); typed != nil {
		return typed
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, op)
}

func toReviewDTO(review *models.Review) *ReviewDTO {
	return &ReviewDTO{
		ID:        review.ID,
		ProductID: review.ProductID,
		UserID:    review.UserID,
		Rating:    review.Rating,
		Comment:   review.Comment,
		CreatedAt: review.CreatedAt,
		UpdatedAt: review.UpdatedAt,
	}
}
