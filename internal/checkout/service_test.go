package checkout

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/storefrontlabs/storefront-backend/internal/cart"
	"github.com/storefrontlabs/storefront-backend/internal/orders"
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

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:checkout_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	err = conn.AutoMigrate(
		&models.Category{}, &models.Product{},
		&models.Cart{}, &models.CartItem{},
		&models.Order{}, &models.OrderItem{},
	)
	if err != nil {
		t.Fatalf("migrate schema: %v", err)
	}
	return conn
}

func newTestService(t *testing.T, conn *gorm.DB) Service {
	t.Helper()
	svc, err := NewService(cart.NewRepository(conn), orders.NewRepository(conn), gormTxRunner{db: conn})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func seedProduct(t *testing.T, conn *gorm.DB, name string, price decimal.Decimal, stock int) *models.Product {
	t.Helper()
	product := &models.Product{Name: name, Price: price, Stock: stock, IsActive: true}
	if err := conn.Create(product).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return product
}

func seedPendingCart(t *testing.T, conn *gorm.DB, userID uuid.UUID, items []models.CartItem) *models.Cart {
	t.Helper()
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	pending := &models.Cart{
		UserID:     userID,
		Status:     enums.CartStatusPending,
		TotalPrice: total,
		Items:      items,
	}
	if err := conn.Create(pending).Error; err != nil {
		t.Fatalf("seed cart: %v", err)
	}
	return pending
}

func productStock(t *testing.T, conn *gorm.DB, id uuid.UUID) int {
	t.Helper()
	var product models.Product
	if err := conn.First(&product, "id = ?", id).Error; err != nil {
		t.Fatalf("load product: %v", err)
	}
	return product.Stock
}

func TestExecuteCheckout(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	svc := newTestService(t, conn)
	userID := uuid.New()

	mug := seedProduct(t, conn, "Mug", decimal.RequireFromString("10.00"), 5)
	kettle := seedProduct(t, conn, "Kettle", decimal.RequireFromString("5.50"), 3)
	cartRow := seedPendingCart(t, conn, userID, []models.CartItem{
		{ProductID: mug.ID, Quantity: 2, Price: mug.Price},
		{ProductID: kettle.ID, Quantity: 1, Price: kettle.Price},
	})

	order, err := svc.Execute(ctx, userID)
	if err != nil {
		t.Fatalf("execute checkout: %v", err)
	}
	if order.Status != enums.OrderStatusProcessing || order.PaymentStatus != enums.PaymentStatusCompleted {
		t.Fatalf("order state = %s/%s, want processing/completed", order.Status, order.PaymentStatus)
	}
	if !order.TotalAmount.Equal(decimal.RequireFromString("25.50")) {
		t.Fatalf("total = %s, want 25.50", order.TotalAmount)
	}
	if len(order.Items) != 2 {
		t.Fatalf("order items = %d, want 2", len(order.Items))
	}

	if got := productStock(t, conn, mug.ID); got != 3 {
		t.Fatalf("mug stock = %d, want 3", got)
	}
	if got := productStock(t, conn, kettle.ID); got != 2 {
		t.Fatalf("kettle stock = %d, want 2", got)
	}

	var stored models.Cart
	if err := conn.First(&stored, "id = ?", cartRow.ID).Error; err != nil {
		t.Fatalf("load cart: %v", err)
	}
	if stored.Status != enums.CartStatusCompleted {
		t.Fatalf("cart status = %s, want completed", stored.Status)
	}

	// The completed cart is no longer checkoutable.
	_, err = svc.Execute(ctx, userID)
	assertCode(t, err, pkgerrors.CodeNotFound)
}

func TestExecuteInsufficientStockRollsBack(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	svc := newTestService(t, conn)
	userID := uuid.New()

	plenty := seedProduct(t, conn, "Plenty", decimal.NewFromInt(4), 10)
	scarce := seedProduct(t, conn, "Scarce", decimal.NewFromInt(9), 1)
	seedPendingCart(t, conn, userID, []models.CartItem{
		{ProductID: plenty.ID, Quantity: 3, Price: plenty.Price},
		{ProductID: scarce.ID, Quantity: 2, Price: scarce.Price},
	})

	_, err := svc.Execute(ctx, userID)
	assertCode(t, err, pkgerrors.CodeInsufficientStock)

	// The first line's decrement must be rolled back with the rest.
	if got := productStock(t, conn, plenty.ID); got != 10 {
		t.Fatalf("plenty stock = %d, want 10", got)
	}
	if got := productStock(t, conn, scarce.ID); got != 1 {
		t.Fatalf("scarce stock = %d, want 1", got)
	}

	var cartRow models.Cart
	if err := conn.First(&cartRow, "user_id = ? AND status = ?", userID, enums.CartStatusPending).Error; err != nil {
		t.Fatalf("cart must stay pending: %v", err)
	}
	var orderCount int64
	if err := conn.Model(&models.Order{}).Count(&orderCount).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if orderCount != 0 {
		t.Fatalf("order count = %d, want 0", orderCount)
	}
}

func TestExecuteEmptyOrMissingCart(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	svc := newTestService(t, conn)
	userID := uuid.New()

	_, err := svc.Execute(ctx, userID)
	assertCode(t, err, pkgerrors.CodeNotFound)

	seedPendingCart(t, conn, userID, nil)
	_, err = svc.Execute(ctx, userID)
	assertCode(t, err, pkgerrors.CodeValidation)

	_, err = svc.Execute(ctx, uuid.Nil)
	assertCode(t, err, pkgerrors.CodeValidation)
}

type failingOrderRepo struct {
	orders.Repository
}

func (r failingOrderRepo) WithTx(*gorm.DB) orders.Repository {
	return r
}

func (r failingOrderRepo) Create(context.Context, *models.Order) (*models.Order, error) {
	return nil, errors.New("order insert refused")
}

func TestExecuteRollsBackWhenOrderCreationFails(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	svc, err := NewService(cart.NewRepository(conn), failingOrderRepo{}, gormTxRunner{db: conn})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	userID := uuid.New()

	product := seedProduct(t, conn, "Widget", decimal.NewFromInt(7), 4)
	seedPendingCart(t, conn, userID, []models.CartItem{
		{ProductID: product.ID, Quantity: 2, Price: product.Price},
	})

	_, err = svc.Execute(ctx, userID)
	assertCode(t, err, pkgerrors.CodeCheckoutFailed)

	// Reserved stock is returned by the rollback.
	if got := productStock(t, conn, product.ID); got != 4 {
		t.Fatalf("stock = %d, want 4", got)
	}
	var cartRow models.Cart
	if err := conn.First(&cartRow, "user_id = ? AND status = ?", userID, enums.CartStatusPending).Error; err != nil {
		t.Fatalf("cart must stay pending: %v", err)
	}
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

// Walks a cart through the whole lifecycle: add, grow, bounce off the stock
// ceiling, then check out.
func TestCartLifecycleThroughCheckout(t *testing.T) {
	ctx := context.Background()
	conn := openTestDB(t)
	checkoutSvc := newTestService(t, conn)
	cartSvc, err := cart.NewService(cart.NewRepository(conn), gormProductLoader{db: conn}, gormTxRunner{db: conn})
	if err != nil {
		t.Fatalf("new cart service: %v", err)
	}
	userID := uuid.New()

	product := seedProduct(t, conn, "Lamp", decimal.NewFromInt(10), 5)

	added, err := cartSvc.AddItem(ctx, userID, product.ID, 2)
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if !added.TotalPrice.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("total after add = %s, want 20", added.TotalPrice)
	}

	updated, err := cartSvc.UpdateItem(ctx, userID, product.ID, 4)
	if err != nil {
		t.Fatalf("update item: %v", err)
	}
	if !updated.TotalPrice.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("total after update = %s, want 40", updated.TotalPrice)
	}

	_, err = cartSvc.UpdateItem(ctx, userID, product.ID, 6)
	assertCode(t, err, pkgerrors.CodeInsufficientStock)
	current, err := cartSvc.Get(ctx, userID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !current.TotalPrice.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("total after rejected update = %s, want 40", current.TotalPrice)
	}

	order, err := checkoutSvc.Execute(ctx, userID)
	if err != nil {
		t.Fatalf("execute checkout: %v", err)
	}
	if !order.TotalAmount.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("order total = %s, want 40", order.TotalAmount)
	}
	if got := productStock(t, conn, product.ID); got != 1 {
		t.Fatalf("stock = %d, want 1", got)
	}
	var cartRow models.Cart
	if err := conn.First(&cartRow, "user_id = ?", userID).Error; err != nil {
		t.Fatalf("load cart: %v", err)
	}
	if cartRow.Status != enums.CartStatusCompleted {
		t.Fatalf("cart status = %s, want completed", cartRow.Status)
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
