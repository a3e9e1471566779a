package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/storefrontlabs/storefront-backend/pkg/db/models"
	"github.com/storefrontlabs/storefront-backend/pkg/enums"
	pkgerrors "github.com/storefrontlabs/storefront-backend/pkg/errors"
	"github.com/storefrontlabs/storefront-backend/pkg/pagination"
	"github.com/storefrontlabs/storefront-backend/pkg/payments"
)

// Service defines order reads plus the payment bridge operations.
type Service interface {
	Get(ctx context.Context, userID, orderID uuid.UUID) (*OrderDTO, error)
	List(ctx context.Context, userID uuid.UUID, params pagination.Params) (*OrderList, error)
	CreatePaymentOrder(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*PaymentOrderDTO, error)
	VerifyPayment(ctx context.Context, userID uuid.UUID, input VerifyPaymentInput) (*OrderDTO, error)
}

type service struct {
	repo    Repository
	gateway payments.Gateway
}

// NewService builds the orders service.
func NewService(repo Repository, gateway payments.Gateway) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if gateway == nil {
		return nil, fmt.Errorf("payment gateway required")
	}
	return &service{repo: repo, gateway: gateway}, nil
}

func (s *service) Get(ctx context.Context, userID, orderID uuid.UUID) (*OrderDTO, error) {
	if userID == uuid.Nil || orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id and order id required")
	}
	order, err := s.repo.FindByIDAndUser(ctx, orderID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return ToOrderDTO(order), nil
}

func (s *service) List(ctx context.Context, userID uuid.UUID, params pagination.Params) (*OrderList, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	page, nextCursor, err := s.repo.ListByUser(ctx, userID, params)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list orders")
	}
	result := &OrderList{Orders: make([]OrderDTO, 0, len(page)), NextCursor: nextCursor}
	for i := range page {
		result.Orders = append(result.Orders, *ToOrderDTO(&page[i]))
	}
	return result, nil
}

// CreatePaymentOrder opens a gateway order first and then records it locally
// as a pending order, so a verification callback always has a row to land on.
func (s *service) CreatePaymentOrder(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*PaymentOrderDTO, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}

	remote, err := s.gateway.CreateRemoteOrder(ctx, amount, uuid.NewString())
	if err != nil {
		if typed := pkgerrors.As(err); typed != nil {
			return nil, typed
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodePayment, err, "create gateway order")
	}

	remoteID := remote.ID
	order, err := s.repo.Create(ctx, &models.Order{
		UserID:        userID,
		TotalAmount:   amount,
		Status:        enums.OrderStatusPending,
		PaymentStatus: enums.PaymentStatusPending,
		RemoteOrderID: &remoteID,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order record")
	}

	return &PaymentOrderDTO{
		OrderID:       order.ID,
		RemoteOrderID: remote.ID,
		Amount:        amount,
		AmountMinor:   remote.Amount,
		Currency:      remote.Currency,
	}, nil
}

// VerifyPayment settles a gateway callback. A valid signature completes the
// order; an invalid one marks it failed and reports a payment error. Repeat
// calls after completion return the settled order unchanged.
func (s *service) VerifyPayment(ctx context.Context, userID uuid.UUID, input VerifyPaymentInput) (*OrderDTO, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	if input.RemoteOrderID == "" || input.RemotePaymentID == "" || input.Signature == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id, payment id and signature required")
	}

	order, err := s.repo.FindByRemoteOrderID(ctx, input.RemoteOrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	if order.UserID != userID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}

	if order.PaymentStatus == enums.PaymentStatusCompleted {
		return ToOrderDTO(order), nil
	}

	if !s.gateway.VerifySignature(input.RemoteOrderID, input.RemotePaymentID, input.Signature) {
		if updateErr := s.repo.UpdatePayment(ctx, order.ID, map[string]any{
			"payment_status": enums.PaymentStatusFailed,
			"status":         enums.OrderStatusFailed,
		}); updateErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, updateErr, "record failed payment")
		}
		return nil, pkgerrors.New(pkgerrors.CodePayment, "payment signature verification failed")
	}

	if err := s.repo.UpdatePayment(ctx, order.ID, map[string]any{
		"payment_status":    enums.PaymentStatusCompleted,
		"status":            enums.OrderStatusCompleted,
		"remote_payment_id": input.RemotePaymentID,
		"remote_signature":  input.Signature,
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record completed payment")
	}

	settled, err := s.repo.FindByRemoteOrderID(ctx, input.RemoteOrderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload order")
	}
	return ToOrderDTO(settled), nil
}
