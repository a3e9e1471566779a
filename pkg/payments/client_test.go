package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefrontlabs/storefront-backend/pkg/config"
	pkgerrors "github.com/storefrontlabs/storefront-backend/pkg/errors"
)

func signPayment(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s|%s", orderID, paymentID)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyPaymentSignature(t *testing.T) {
	secret := "gateway-secret"
	orderID := "order_Nc5T2P"
	paymentID := "pay_Jf8Qw1"

	valid := signPayment(secret, orderID, paymentID)
	assert.True(t, VerifyPaymentSignature(secret, orderID, paymentID, valid))
}

func TestVerifyPaymentSignatureTampered(t *testing.T) {
	secret := "gateway-secret"
	valid := signPayment(secret, "order_1", "pay_1")

	// flip the last hex digit to a value it cannot already hold
	flipped := "0"
	if valid[len(valid)-1] == '0' {
		flipped = "1"
	}
	assert.False(t, VerifyPaymentSignature(secret, "order_1", "pay_1", valid[:len(valid)-1]+flipped))
	assert.False(t, VerifyPaymentSignature(secret, "order_2", "pay_1", valid))
	assert.False(t, VerifyPaymentSignature(secret, "order_1", "pay_2", valid))
	assert.False(t, VerifyPaymentSignature("other-secret", "order_1", "pay_1", valid))
}

func TestVerifyPaymentSignatureMissingInputs(t *testing.T) {
	assert.False(t, VerifyPaymentSignature("", "order_1", "pay_1", "sig"))
	assert.False(t, VerifyPaymentSignature("secret", "", "pay_1", "sig"))
	assert.False(t, VerifyPaymentSignature("secret", "order_1", "", "sig"))
	assert.False(t, VerifyPaymentSignature("secret", "order_1", "pay_1", ""))
}

func TestNewValidation(t *testing.T) {
	_, err := New(config.PaymentConfig{Secret: "s", Currency: "INR"})
	assert.Error(t, err)

	_, err = New(config.PaymentConfig{KeyID: "k", Secret: "s"})
	assert.Error(t, err)

	client, err := New(config.PaymentConfig{KeyID: "k", Secret: "s", Currency: "inr"})
	require.NoError(t, err)
	assert.Equal(t, "INR", client.currency)
}

func TestCreateRemoteOrderRejectsNonPositiveAmount(t *testing.T) {
	client, err := New(config.PaymentConfig{KeyID: "k", Secret: "s", Currency: "INR"})
	require.NoError(t, err)

	_, err = client.CreateRemoteOrder(context.Background(), decimal.Zero, "order-1")
	require.Error(t, err)

	var typed *pkgerrors.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, pkgerrors.CodeValidation, typed.Code())
}
