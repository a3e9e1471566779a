package cart

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/storefrontlabs/storefront-backend/pkg/db/models"
	"github.com/storefrontlabs/storefront-backend/pkg/enums"
	pkgerrors "github.com/storefrontlabs/storefront-backend/pkg/errors"
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
	dsn := "file:cart_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := conn.AutoMigrate(&models.Category{}, &models.Product{}, &models.Cart{}, &models.CartItem{}); err != nil {
		t.Fatalf("migrate schema: %v", err)
	}
	svc, err := NewService(NewRepository(conn), gormProductLoader{db: conn}, gormTxRunner{db: conn})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, conn
}

func seedProduct(t *testing.T, db *gorm.DB, price decimal.Decimal, stock int) *models.Product {
	t.Helper()
	product := &models.Product{
		Name:     "Seeded",
		Price:    price,
		Stock:    stock,
		IsActive: true,
	}
	if err := db.Create(product).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return product
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	first, err := svc.GetOrCreate(ctx, userID)
	if err != nil {
		t.Fatalf("first get-or-create: %v", err)
	}
	if first.Status != enums.CartStatusPending {
		t.Fatalf("expected pending cart, got %s", first.Status)
	}
	if !first.TotalPrice.IsZero() || len(first.Items) != 0 {
		t.Fatalf("expected empty cart, got %+v", first)
	}

	second, err := svc.GetOrCreate(ctx, userID)
	if err != nil {
		t.Fatalf("second get-or-create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same cart on repeat calls: %s vs %s", first.ID, second.ID)
	}
}

func TestGetWithoutCart(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Get(context.Background(), uuid.New())
	assertCode(t, err, pkgerrors.CodeNotFound)
}

func TestAddItemSnapshotsPriceAndSumsQuantity(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	product := seedProduct(t, db, decimal.NewFromFloat(9.99), 50)

	cart, err := svc.AddItem(ctx, userID, product.ID, 2)
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].Quantity != 2 {
		t.Fatalf("unexpected cart state: %+v", cart)
	}
	if !cart.TotalPrice.Equal(decimal.NewFromFloat(19.98)) {
		t.Fatalf("expected total 19.98, got %s", cart.TotalPrice)
	}

	// a price change must not reprice the existing line
	if err := db.Model(&models.Product{}).Where("id = ?", product.ID).Update("price", decimal.NewFromInt(100)).Error; err != nil {
		t.Fatalf("reprice product: %v", err)
	}

	cart, err = svc.AddItem(ctx, userID, product.ID, 3)
	if err != nil {
		t.Fatalf("add more: %v", err)
	}
	if len(cart.Items) != 1 || cart.Items[0].Quantity != 5 {
		t.Fatalf("expected merged line with qty 5, got %+v", cart.Items)
	}
	if !cart.Items[0].Price.Equal(decimal.NewFromFloat(9.99)) {
		t.Fatalf("expected snapshotted price 9.99, got %s", cart.Items[0].Price)
	}
	if !cart.TotalPrice.Equal(decimal.NewFromFloat(49.95)) {
		t.Fatalf("expected total 49.95, got %s", cart.TotalPrice)
	}
}

func TestAddItemValidation(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	product := seedProduct(t, db, decimal.NewFromInt(5), 3)

	_, err := svc.AddItem(ctx, userID, product.ID, 0)
	assertCode(t, err, pkgerrors.CodeValidation)

	_, err = svc.AddItem(ctx, userID, uuid.New(), 1)
	assertCode(t, err, pkgerrors.CodeNotFound)

	_, err = svc.AddItem(ctx, userID, product.ID, 4)
	assertCode(t, err, pkgerrors.CodeInsufficientStock)

	inactive := seedProduct(t, db, decimal.NewFromInt(5), 3)
	if err := db.Model(&models.Product{}).Where("id = ?", inactive.ID).Update("is_active", false).Error; err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err = svc.AddItem(ctx, userID, inactive.ID, 1)
	assertCode(t, err, pkgerrors.CodeNotFound)
}

func TestUpdateItem(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	product := seedProduct(t, db, decimal.NewFromInt(10), 10)

	if _, err := svc.AddItem(ctx, userID, product.ID, 2); err != nil {
		t.Fatalf("add item: %v", err)
	}

	cart, err := svc.UpdateItem(ctx, userID, product.ID, 7)
	if err != nil {
		t.Fatalf("update item: %v", err)
	}
	if cart.Items[0].Quantity != 7 || !cart.TotalPrice.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("unexpected cart after update: %+v", cart)
	}

	_, err = svc.UpdateItem(ctx, userID, product.ID, 11)
	assertCode(t, err, pkgerrors.CodeInsufficientStock)

	_, err = svc.UpdateItem(ctx, userID, product.ID, 0)
	assertCode(t, err, pkgerrors.CodeValidation)

	other := seedProduct(t, db, decimal.NewFromInt(1), 5)
	_, err = svc.UpdateItem(ctx, userID, other.ID, 1)
	assertCode(t, err, pkgerrors.CodeNotFound)

	_, err = svc.UpdateItem(ctx, uuid.New(), product.ID, 1)
	assertCode(t, err, pkgerrors.CodeNotFound)
}

func TestRemoveItemIsIdempotent(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	product := seedProduct(t, db, decimal.NewFromInt(4), 10)

	if _, err := svc.AddItem(ctx, userID, product.ID, 3); err != nil {
		t.Fatalf("add item: %v", err)
	}

	cart, err := svc.RemoveItem(ctx, userID, product.ID)
	if err != nil {
		t.Fatalf("remove item: %v", err)
	}
	if len(cart.Items) != 0 || !cart.TotalPrice.IsZero() {
		t.Fatalf("expected empty cart, got %+v", cart)
	}

	cart, err = svc.RemoveItem(ctx, userID, product.ID)
	if err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	if len(cart.Items) != 0 {
		t.Fatalf("unexpected items after repeat remove: %+v", cart.Items)
	}
}

func TestClear(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	a := seedProduct(t, db, decimal.NewFromInt(4), 10)
	b := seedProduct(t, db, decimal.NewFromInt(6), 10)

	if _, err := svc.AddItem(ctx, userID, a.ID, 1); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if _, err := svc.AddItem(ctx, userID, b.ID, 2); err != nil {
		t.Fatalf("add b: %v", err)
	}

	cart, err := svc.Clear(ctx, userID)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(cart.Items) != 0 || !cart.TotalPrice.IsZero() {
		t.Fatalf("expected cleared cart, got %+v", cart)
	}
	if cart.Status != enums.CartStatusPending {
		t.Fatalf("clear must keep the cart pending, got %s", cart.Status)
	}
}

func TestGetHealsDriftedTotal(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	product := seedProduct(t, db, decimal.NewFromInt(10), 10)

	added, err := svc.AddItem(ctx, userID, product.ID, 2)
	if err != nil {
		t.Fatalf("add item: %v", err)
	}

	// corrupt the denormalized total behind the service's back
	if err := db.Model(&models.Cart{}).Where("id = ?", added.ID).Update("total_price", decimal.NewFromInt(999)).Error; err != nil {
		t.Fatalf("corrupt total: %v", err)
	}

	cart, err := svc.Get(ctx, userID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !cart.TotalPrice.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected healed total 20, got %s", cart.TotalPrice)
	}

	var row models.Cart
	if err := db.First(&row, "id = ?", added.ID).Error; err != nil {
		t.Fatalf("reload cart: %v", err)
	}
	if !row.TotalPrice.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("healed total must be persisted, got %s", row.TotalPrice)
	}
}

// A create racing a concurrent first request loses on the partial unique
// index and must come back with the winner's cart.
func TestGetOrCreateRecoversFromConcurrentCreate(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	winnerID := uuid.New()

	err := db.Exec("CREATE UNIQUE INDEX carts_user_pending_key ON carts (user_id) WHERE status = 'pending'").Error
	if err != nil {
		t.Fatalf("create index: %v", err)
	}

	// Sneak the winner's row in between the service's find and its insert.
	raced := false
	err = db.Callback().Create().Before("gorm:create").Register("race_winner_cart", func(tx *gorm.DB) {
		if raced {
			return
		}
		if _, ok := tx.Statement.Dest.(*models.Cart); !ok {
			return
		}
		raced = true
		tx.Session(&gorm.Session{NewDB: true}).
			Exec("INSERT INTO carts (id, user_id, status, total_price) VALUES (?, ?, 'pending', 0)", winnerID, userID)
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	dto, err := svc.GetOrCreate(ctx, userID)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if !raced {
		t.Fatal("create path was never exercised")
	}
	if dto.ID != winnerID {
		t.Fatalf("cart id = %s, want the winner %s", dto.ID, winnerID)
	}

	var count int64
	if err := db.Model(&models.Cart{}).Where("user_id = ? AND status = ?", userID, enums.CartStatusPending).Count(&count).Error; err != nil {
		t.Fatalf("count carts: %v", err)
	}
	if count != 1 {
		t.Fatalf("pending carts = %d, want 1", count)
	}
}

func TestCompletePendingIsSingleShot(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	product := seedProduct(t, db, decimal.NewFromInt(3), 5)

	added, err := svc.AddItem(ctx, userID, product.ID, 1)
	if err != nil {
		t.Fatalf("add item: %v", err)
	}

	repo := NewRepository(db)
	if err := repo.CompletePending(ctx, added.ID); err != nil {
		t.Fatalf("first complete: %v", err)
	}

	// A competing checkout that captured the cart while it was still pending
	// must not flip it a second time.
	err = repo.CompletePending(ctx, added.ID)
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("second complete = %v, want gorm.ErrRecordNotFound", err)
	}

	var row models.Cart
	if err := db.First(&row, "id = ?", added.ID).Error; err != nil {
		t.Fatalf("reload cart: %v", err)
	}
	if row.Status != enums.CartStatusCompleted {
		t.Fatalf("cart status = %s, want completed", row.Status)
	}
}

func TestGetDropsLinesForDeletedProducts(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	kept := seedProduct(t, db, decimal.NewFromInt(10), 10)
	doomed := seedProduct(t, db, decimal.NewFromInt(7), 10)

	if _, err := svc.AddItem(ctx, userID, kept.ID, 1); err != nil {
		t.Fatalf("add kept: %v", err)
	}
	if _, err := svc.AddItem(ctx, userID, doomed.ID, 2); err != nil {
		t.Fatalf("add doomed: %v", err)
	}

	if err := db.Delete(&models.Product{}, "id = ?", doomed.ID).Error; err != nil {
		t.Fatalf("delete product: %v", err)
	}

	cart, err := svc.Get(ctx, userID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(cart.Items) != 1 {
		t.Fatalf("expected 1 surviving line, got %d", len(cart.Items))
	}
	if cart.Items[0].ProductID != kept.ID {
		t.Fatalf("wrong surviving line: %s", cart.Items[0].ProductID)
	}
	if !cart.TotalPrice.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected total 10 after drop, got %s", cart.TotalPrice)
	}

	var remaining int64
	if err := db.Model(&models.CartItem{}).Where("cart_id = ?", cart.ID).Count(&remaining).Error; err != nil {
		t.Fatalf("count lines: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("dead line must be deleted, found %d rows", remaining)
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
