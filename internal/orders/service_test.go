package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/storefrontlabs/storefront-backend/pkg/db/models"
	"github.com/storefrontlabs/storefront-backend/pkg/enums"
	pkgerrors "github.com/storefrontlabs/storefront-backend/pkg/errors"
	"github.com/storefrontlabs/storefront-backend/pkg/pagination"
	"github.com/storefrontlabs/storefront-backend/pkg/payments"
)

type stubGateway struct {
	remoteID  string
	createErr error
	valid     bool
	created   int
}

func (g *stubGateway) CreateRemoteOrder(_ context.Context, amount decimal.Decimal, _ string) (*payments.RemoteOrder, error) {
	g.created++
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &payments.RemoteOrder{
		ID:       g.remoteID,
		Amount:   amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart(),
		Currency: "INR",
	}, nil
}

func (g *stubGateway) VerifySignature(_, _, _ string) bool {
	return g.valid
}

func newTestService(t *testing.T, gateway payments.Gateway) (Service, *gorm.DB) {
	t.Helper()
	dsn := "file:orders_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := conn.AutoMigrate(&models.Order{}, &models.OrderItem{}); err != nil {
		t.Fatalf("migrate schema: %v", err)
	}
	svc, err := NewService(NewRepository(conn), gateway)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, conn
}

func TestCreatePaymentOrder(t *testing.T) {
	ctx := context.Background()
	gateway := &stubGateway{remoteID: "order_remote_1"}
	svc, conn := newTestService(t, gateway)
	userID := uuid.New()

	dto, err := svc.CreatePaymentOrder(ctx, userID, decimal.RequireFromString("249.50"))
	if err != nil {
		t.Fatalf("create payment order: %v", err)
	}
	if dto.RemoteOrderID != "order_remote_1" {
		t.Fatalf("remote order id = %q", dto.RemoteOrderID)
	}
	if dto.AmountMinor != 24950 {
		t.Fatalf("amount minor = %d, want 24950", dto.AmountMinor)
	}

	var stored models.Order
	if err := conn.First(&stored, "id = ?", dto.OrderID).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if stored.Status != enums.OrderStatusPending || stored.PaymentStatus != enums.PaymentStatusPending {
		t.Fatalf("order state = %s/%s, want pending/pending", stored.Status, stored.PaymentStatus)
	}
	if stored.RemoteOrderID == nil || *stored.RemoteOrderID != "order_remote_1" {
		t.Fatalf("remote order id not persisted")
	}
	if !stored.TotalAmount.Equal(decimal.RequireFromString("249.50")) {
		t.Fatalf("total = %s, want 249.50", stored.TotalAmount)
	}
}

func TestCreatePaymentOrderValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, &stubGateway{remoteID: "x"})

	_, err := svc.CreatePaymentOrder(ctx, uuid.Nil, decimal.NewFromInt(10))
	assertCode(t, err, pkgerrors.CodeValidation)

	_, err = svc.CreatePaymentOrder(ctx, uuid.New(), decimal.Zero)
	assertCode(t, err, pkgerrors.CodeValidation)
}

func TestCreatePaymentOrderGatewayFailure(t *testing.T) {
	ctx := context.Background()
	gateway := &stubGateway{createErr: errors.New("gateway down")}
	svc, conn := newTestService(t, gateway)

	_, err := svc.CreatePaymentOrder(ctx, uuid.New(), decimal.NewFromInt(50))
	assertCode(t, err, pkgerrors.CodePayment)

	// No local row is recorded until the gateway accepts the order, so a
	// later retry starts from a clean slate.
	var count int64
	if err := conn.Model(&models.Order{}).Count(&count).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if count != 0 {
		t.Fatalf("order row persisted after gateway failure")
	}
}

func TestVerifyPaymentCompletesOrder(t *testing.T) {
	ctx := context.Background()
	gateway := &stubGateway{remoteID: "order_remote_2", valid: true}
	svc, conn := newTestService(t, gateway)
	userID := uuid.New()

	created, err := svc.CreatePaymentOrder(ctx, userID, decimal.NewFromInt(120))
	if err != nil {
		t.Fatalf("create payment order: %v", err)
	}

	dto, err := svc.VerifyPayment(ctx, userID, VerifyPaymentInput{
		RemoteOrderID:   created.RemoteOrderID,
		RemotePaymentID: "pay_1",
		Signature:       "sig_1",
	})
	if err != nil {
		t.Fatalf("verify payment: %v", err)
	}
	if dto.Status != enums.OrderStatusCompleted || dto.PaymentStatus != enums.PaymentStatusCompleted {
		t.Fatalf("order state = %s/%s, want completed/completed", dto.Status, dto.PaymentStatus)
	}

	var stored models.Order
	if err := conn.First(&stored, "id = ?", created.OrderID).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if stored.RemotePaymentID == nil || *stored.RemotePaymentID != "pay_1" {
		t.Fatalf("remote payment id not persisted")
	}
	if stored.RemoteSignature == nil || *stored.RemoteSignature != "sig_1" {
		t.Fatalf("signature not persisted")
	}
}

func TestVerifyPaymentIdempotentAfterCompletion(t *testing.T) {
	ctx := context.Background()
	gateway := &stubGateway{remoteID: "order_remote_3", valid: true}
	svc, _ := newTestService(t, gateway)
	userID := uuid.New()

	created, err := svc.CreatePaymentOrder(ctx, userID, decimal.NewFromInt(80))
	if err != nil {
		t.Fatalf("create payment order: %v", err)
	}
	input := VerifyPaymentInput{RemoteOrderID: created.RemoteOrderID, RemotePaymentID: "pay_2", Signature: "sig_2"}
	if _, err := svc.VerifyPayment(ctx, userID, input); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	// A replay after completion returns the settled order even when the
	// gateway would now reject the signature.
	gateway.valid = false
	dto, err := svc.VerifyPayment(ctx, userID, input)
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if dto.PaymentStatus != enums.PaymentStatusCompleted {
		t.Fatalf("payment status = %s, want completed", dto.PaymentStatus)
	}
}

func TestVerifyPaymentInvalidSignature(t *testing.T) {
	ctx := context.Background()
	gateway := &stubGateway{remoteID: "order_remote_4", valid: false}
	svc, conn := newTestService(t, gateway)
	userID := uuid.New()

	created, err := svc.CreatePaymentOrder(ctx, userID, decimal.NewFromInt(75))
	if err != nil {
		t.Fatalf("create payment order: %v", err)
	}

	_, err = svc.VerifyPayment(ctx, userID, VerifyPaymentInput{
		RemoteOrderID:   created.RemoteOrderID,
		RemotePaymentID: "pay_3",
		Signature:       "bad",
	})
	assertCode(t, err, pkgerrors.CodePayment)

	var stored models.Order
	if err := conn.First(&stored, "id = ?", created.OrderID).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if stored.Status != enums.OrderStatusFailed || stored.PaymentStatus != enums.PaymentStatusFailed {
		t.Fatalf("order state = %s/%s, want failed/failed", stored.Status, stored.PaymentStatus)
	}
}

func TestVerifyPaymentOwnershipAndMissing(t *testing.T) {
	ctx := context.Background()
	gateway := &stubGateway{remoteID: "order_remote_5", valid: true}
	svc, _ := newTestService(t, gateway)
	owner := uuid.New()

	created, err := svc.CreatePaymentOrder(ctx, owner, decimal.NewFromInt(30))
	if err != nil {
		t.Fatalf("create payment order: %v", err)
	}

	_, err = svc.VerifyPayment(ctx, uuid.New(), VerifyPaymentInput{
		RemoteOrderID:   created.RemoteOrderID,
		RemotePaymentID: "pay_4",
		Signature:       "sig_4",
	})
	assertCode(t, err, pkgerrors.CodeNotFound)

	_, err = svc.VerifyPayment(ctx, owner, VerifyPaymentInput{
		RemoteOrderID:   "order_unknown",
		RemotePaymentID: "pay_4",
		Signature:       "sig_4",
	})
	assertCode(t, err, pkgerrors.CodeNotFound)
}

func TestGetAndListOrders(t *testing.T) {
	ctx := context.Background()
	svc, conn := newTestService(t, &stubGateway{remoteID: "x", valid: true})
	userID := uuid.New()
	other := uuid.New()

	base := time.Now().UTC().Add(-time.Hour)
	var lastID uuid.UUID
	for i := 0; i < 3; i++ {
		order := &models.Order{
			UserID:        userID,
			TotalAmount:   decimal.NewFromInt(int64(10 * (i + 1))),
			Status:        enums.OrderStatusCompleted,
			PaymentStatus: enums.PaymentStatusCompleted,
		}
		if err := conn.Create(order).Error; err != nil {
			t.Fatalf("seed order: %v", err)
		}
		if err := conn.Model(order).Update("created_at", base.Add(time.Duration(i)*time.Minute)).Error; err != nil {
			t.Fatalf("stamp order: %v", err)
		}
		lastID = order.ID
	}
	if err := conn.Create(&models.Order{
		UserID:        other,
		TotalAmount:   decimal.NewFromInt(999),
		Status:        enums.OrderStatusCompleted,
		PaymentStatus: enums.PaymentStatusCompleted,
	}).Error; err != nil {
		t.Fatalf("seed other order: %v", err)
	}

	dto, err := svc.Get(ctx, userID, lastID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if dto.ID != lastID {
		t.Fatalf("got order %s, want %s", dto.ID, lastID)
	}

	_, err = svc.Get(ctx, other, lastID)
	assertCode(t, err, pkgerrors.CodeNotFound)

	page, err := svc.List(ctx, userID, pagination.Params{Limit: 2})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(page.Orders) != 2 {
		t.Fatalf("page size = %d, want 2", len(page.Orders))
	}
	if page.NextCursor == "" {
		t.Fatalf("expected next cursor")
	}
	if page.Orders[0].ID != lastID {
		t.Fatalf("expected newest order first")
	}

	rest, err := svc.List(ctx, userID, pagination.Params{Limit: 2, Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("list rest: %v", err)
	}
	if len(rest.Orders) != 1 || rest.NextCursor != "" {
		t.Fatalf("rest = %d orders, cursor %q", len(rest.Orders), rest.NextCursor)
	}
}

func assertCode(t *testing.T, err error, code pkgerrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	typed := pkgerrors.As(err)
	if typed == nil {
		t.Fatalf("expected typed error, got %v", err)
	}
	if typed.Code() != code {
		t.Fatalf("error code = %s, want %s (%v)", typed.Code(), code, err)
	}
}
