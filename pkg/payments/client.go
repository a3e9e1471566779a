package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	razorpay "github.com/razorpay/razorpay-go"
	"github.com/shopspring/decimal"

	"github.com/storefrontlabs/storefront-backend/pkg/config"
	pkgerrors "github.com/storefrontlabs/storefront-backend/pkg/errors"
)

// RemoteOrder is the gateway-side order a payment gets attached to.
type RemoteOrder struct {
	ID       string
	Amount   int64
	Currency string
}

// Gateway defines the subset of payment-provider interactions the order
// service relies on.
type Gateway interface {
	CreateRemoteOrder(ctx context.Context, amount decimal.Decimal, receipt string) (*RemoteOrder, error)
	VerifySignature(remoteOrderID, remotePaymentID, signature string) bool
}

// Client wraps the Razorpay SDK behind the Gateway interface.
type Client struct {
	sdk      *razorpay.Client
	secret   string
	currency string
}

// New builds a gateway client from payment configuration.
func New(cfg config.PaymentConfig) (*Client, error) {
	if cfg.KeyID == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("payment key id and secret are required")
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		return nil, fmt.Errorf("payment currency is required")
	}
	return &Client{
		sdk:      razorpay.NewClient(cfg.KeyID, cfg.Secret),
		secret:   cfg.Secret,
		currency: currency,
	}, nil
}

// CreateRemoteOrder registers an order with the gateway. The amount is
// converted to the currency's minor unit as the provider requires.
func (c *Client) CreateRemoteOrder(_ context.Context, amount decimal.Decimal, receipt string) (*RemoteOrder, error) {
	if c.sdk == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment client not initialized")
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment amount must be positive")
	}

	minorUnits := amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	data := map[string]interface{}{
		"amount":   minorUnits,
		"currency": c.currency,
		"receipt":  receipt,
	}

	body, err := c.sdk.Order.Create(data, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodePayment, err, "create gateway order")
	}

	id, _ := body["id"].(string)
	if id == "" {
		return nil, pkgerrors.New(pkgerrors.CodePayment, "gateway order response missing id")
	}

	return &RemoteOrder{
		ID:       id,
		Amount:   minorUnits,
		Currency: c.currency,
	}, nil
}

// VerifySignature checks the HMAC the gateway attaches to a completed
// payment. The signed message is "<order id>|<payment id>".
func (c *Client) VerifySignature(remoteOrderID, remotePaymentID, signature string) bool {
	return VerifyPaymentSignature(c.secret, remoteOrderID, remotePaymentID, signature)
}

// VerifyPaymentSignature recomputes the payment HMAC and compares it in
// constant time.
func VerifyPaymentSignature(secret, remoteOrderID, remotePaymentID, signature string) bool {
	if secret == "" || remoteOrderID == "" || remotePaymentID == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%s", remoteOrderID, remotePaymentID)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
