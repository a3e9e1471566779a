package product

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/storefrontlabs/storefront-backend/pkg/db/models"
	"github.com/storefrontlabs/storefront-backend/pkg/pagination"
)

// ListFilters describe the supported filter knobs for the browse endpoint.
type ListFilters struct {
	CategoryID *uuid.UUID `json:"category_id,omitempty"`
	Query      string     `json:"q,omitempty"`
	ActiveOnly bool       `json:"-"`
}

// ListProductsInput captures the inputs needed to paginate and filter the catalog.
type ListProductsInput struct {
	Filters    ListFilters
	Pagination pagination.Params
}

// CreateProductInput holds the validated payload to create a product.
type CreateProductInput struct {
	Name        string
	Description *string
	Price       decimal.Decimal
	Stock       int
	CategoryID  *uuid.UUID
	ImageURLs   []string
	IsActive    bool
}

// UpdateProductInput holds optional mutation values for a product.
type UpdateProductInput struct {
	Name        *string
	Description *string
	Price       *decimal.Decimal
	Stock       *int
	CategoryID  *uuid.UUID
	ImageURLs   *[]string
	IsActive    *bool
}

// CategoryDTO is the public shape of a category.
type CategoryDTO struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
}

// ProductDTO is the public shape of a catalog listing.
type ProductDTO struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Description *string         `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	ImageURLs   []string        `json:"image_urls,omitempty"`
	IsActive    bool            `json:"is_active"`
	RatingAvg   float64         `json:"rating_avg"`
	RatingCount int             `json:"rating_count"`
	Category    *CategoryDTO    `json:"category,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ProductListResult wraps one page of products plus the next page cursor.
type ProductListResult struct {
	Products   []ProductDTO `json:"products"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// AvailabilityDTO reports whether a requested quantity can currently be served.
type AvailabilityDTO struct {
	ProductID    uuid.UUID `json:"product_id"`
	RequestedQty int       `json:"requested_qty"`
	Available    bool      `json:"available"`
	Stock        int       `json:"stock"`
}

func toCategoryDTO(category *models.Category) *CategoryDTO {
	if category == nil {
		return nil
	}
	return &CategoryDTO{
		ID:          category.ID,
		Name:        category.Name,
		Description: category.Description,
	}
}

func toProductDTO(product *models.Product) *ProductDTO {
	if product == nil {
		return nil
	}
	return &ProductDTO{
		ID:          product.ID,
		Name:        product.Name,
		Description: product.Description,
		Price:       product.Price,
		Stock:       product.Stock,
		ImageURLs:   product.ImageURLs,
		IsActive:    product.IsActive,
		RatingAvg:   product.RatingAvg,
		RatingCount: product.RatingCount,
		Category:    toCategoryDTO(product.Category),
		CreatedAt:   product.CreatedAt,
	}
}
