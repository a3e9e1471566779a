package reviews

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/storefrontlabs/storefront-backend/pkg/db/models"
	pkgerrors "github.com/storefrontlabs/storefront-backend/pkg/errors"
	"github.com/storefrontlabs/storefront-backend/pkg/pagination"
)

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.Transaction(fn)
}

type gormProductLoader struct {
	db *gorm.DB
}

func (l gormProductLoader) FindByID(ctx context.Context, id uuid.UUID) (*models.Product, error) {
	var product models.Product
	if err := l.db.WithContext(ctx).First(&product, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func newTestService(t *testing.T) (Service, *gorm.DB) {
	t.Helper()
	dsn := "file:reviews_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := conn.AutoMigrate(&models.Category{}, &models.Product{}, &models.Review{}); err != nil {
		t.Fatalf("migrate schema: %v", err)
	}
	svc, err := NewService(NewRepository(conn), gormProductLoader{db: conn}, gormTxRunner{db: conn})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, conn
}

func seedProduct(t *testing.T, conn *gorm.DB) *models.Product {
	t.Helper()
	product := &models.Product{
		Name:     "Speaker",
		Price:    decimal.NewFromInt(40),
		Stock:    8,
		IsActive: true,
	}
	if err := conn.Create(product).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return product
}

func productRating(t *testing.T, conn *gorm.DB, id uuid.UUID) (float64, int) {
	t.Helper()
	var product models.Product
	if err := conn.First(&product, "id = ?", id).Error; err != nil {
		t.Fatalf("load product: %v", err)
	}
	return product.RatingAvg, product.RatingCount
}

func TestCreateReviewUpdatesAggregate(t *testing.T) {
	ctx := context.Background()
	svc, conn := newTestService(t)
	product := seedProduct(t, conn)

	comment := "solid bass"
	first, err := svc.Create(ctx, uuid.New(), product.ID, ReviewInput{Rating: 5, Comment: &comment})
	if err != nil {
		t.Fatalf("first review: %v", err)
	}
	if first.Comment == nil || *first.Comment != "solid bass" {
		t.Fatalf("comment = %v", first.Comment)
	}
	if _, err := svc.Create(ctx, uuid.New(), product.ID, ReviewInput{Rating: 2}); err != nil {
		t.Fatalf("second review: %v", err)
	}

	avg, count := productRating(t, conn, product.ID)
	if count != 2 {
		t.Fatalf("rating count = %d, want 2", count)
	}
	if math.Abs(avg-3.5) > 0.001 {
		t.Fatalf("rating avg = %f, want 3.5", avg)
	}
}

func TestCreateReviewValidation(t *testing.T) {
	ctx := context.Background()
	svc, conn := newTestService(t)
	product := seedProduct(t, conn)

	_, err := svc.Create(ctx, uuid.New(), product.ID, ReviewInput{Rating: 0})
	assertCode(t, err, pkgerrors.CodeValidation)

	_, err = svc.Create(ctx, uuid.New(), product.ID, ReviewInput{Rating: 6})
	assertCode(t, err, pkgerrors.CodeValidation)

	_, err = svc.Create(ctx, uuid.New(), uuid.New(), ReviewInput{Rating: 3})
	assertCode(t, err, pkgerrors.CodeNotFound)
}

func TestCreateReviewOnePerUserAndProduct(t *testing.T) {
	ctx := context.Background()
	svc, conn := newTestService(t)
	product := seedProduct(t, conn)
	userID := uuid.New()

	if _, err := svc.Create(ctx, userID, product.ID, ReviewInput{Rating: 4}); err != nil {
		t.Fatalf("first review: %v", err)
	}
	_, err := svc.Create(ctx, userID, product.ID, ReviewInput{Rating: 1})
	assertCode(t, err, pkgerrors.CodeConflict)

	// The conflicting attempt must not skew the aggregate.
	avg, count := productRating(t, conn, product.ID)
	if count != 1 || math.Abs(avg-4) > 0.001 {
		t.Fatalf("aggregate = %f/%d, want 4/1", avg, count)
	}
}

func TestUpdateReviewRecomputesAggregate(t *testing.T) {
	ctx := context.Background()
	svc, conn := newTestService(t)
	product := seedProduct(t, conn)
	userID := uuid.New()

	if _, err := svc.Create(ctx, userID, product.ID, ReviewInput{Rating: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	updated, err := svc.Update(ctx, userID, product.ID, ReviewInput{Rating: 5})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Rating != 5 {
		t.Fatalf("rating = %d, want 5", updated.Rating)
	}

	avg, count := productRating(t, conn, product.ID)
	if count != 1 || math.Abs(avg-5) > 0.001 {
		t.Fatalf("aggregate = %f/%d, want 5/1", avg, count)
	}

	_, err = svc.Update(ctx, uuid.New(), product.ID, ReviewInput{Rating: 3})
	assertCode(t, err, pkgerrors.CodeNotFound)
}

func TestDeleteReviewRecomputesAggregate(t *testing.T) {
	ctx := context.Background()
	svc, conn := newTestService(t)
	product := seedProduct(t, conn)
	userID := uuid.New()

	if _, err := svc.Create(ctx, userID, product.ID, ReviewInput{Rating: 4}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx, userID, product.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	avg, count := productRating(t, conn, product.ID)
	if count != 0 || avg != 0 {
		t.Fatalf("aggregate = %f/%d, want 0/0", avg, count)
	}

	// Repeat delete is a no-op.
	if err := svc.Delete(ctx, userID, product.ID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestListReviewsByProduct(t *testing.T) {
	ctx := context.Background()
	svc, conn := newTestService(t)
	product := seedProduct(t, conn)
	other := seedProduct(t, conn)

	for i := 0; i < 3; i++ {
		if _, err := svc.Create(ctx, uuid.New(), product.ID, ReviewInput{Rating: i + 1}); err != nil {
			t.Fatalf("seed review: %v", err)
		}
	}
	if _, err := svc.Create(ctx, uuid.New(), other.ID, ReviewInput{Rating: 5}); err != nil {
		t.Fatalf("seed other review: %v", err)
	}

	page, err := svc.ListByProduct(ctx, product.ID, pagination.Params{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Reviews) != 2 || page.NextCursor == "" {
		t.Fatalf("page = %d reviews, cursor %q", len(page.Reviews), page.NextCursor)
	}

	rest, err := svc.ListByProduct(ctx, product.ID, pagination.Params{Limit: 2, Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("list rest: %v", err)
	}
	if len(rest.Reviews) != 1 || rest.NextCursor != "" {
		t.Fatalf("rest = %d reviews, cursor %q", len(rest.Reviews), rest.NextCursor)
	}
}

func assertCode(t *testing.T, err error, code pkgerrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != code {
		t.Fatalf("expected %s error, got %v", code, err)
	}
}
