package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kelpejol/tollgate/internal/ledger"
	"github.com/kelpejol/tollgate/internal/ledger/memory"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
)

const secret = "whsec_test_secret"

func newHandler(t *testing.T, initial int64) (*Handler, *memory.Store) {
	t.Helper()
	store := memory.New(memory.WithInitialBalance(initial), memory.WithLogger(zerolog.Nop()))
	t.Cleanup(func() { _ = store.Close() })
	return New(store, Config{WebhookSecret: secret, Logger: zerolog.Nop()}), store
}

func checkoutEvent(t *testing.T, id, eventType, identity string, amount int64, paymentStatus string) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":     id,
		"object": "event",
		"type":   eventType,
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":             "cs_test_1",
				"object":         "checkout.session",
				"amount_total":   amount,
				"currency":       "usd",
				"payment_status": paymentStatus,
				"metadata": map[string]string{
					"wallet_address": identity,
					"ajt_amount":     "1000",
				},
			},
		},
	})
	require.NoError(t, err)
	return payload
}

func sign(payload []byte, key string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    key,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func TestCreditsConversion(t *testing.T) {
	h, _ := newHandler(t, 0)
	assert.Equal(t, int64(1000), h.Credits(100))
	assert.Equal(t, int64(25000), h.Credits(2500))
	assert.Equal(t, int64(10), h.Credits(1))
	assert.Equal(t, int64(0), h.Credits(0))

	fractional := New(nil, Config{CreditsPerUnit: decimal.RequireFromString("1.5")})
	assert.Equal(t, int64(1), fractional.Credits(99))
}

func TestChatThenPurchaseScenario(t *testing.T) {
	ctx := context.Background()
	h, store := newHandler(t, 1000)

	_, err := store.TryDebit(ctx, "wallet-a", 1, "chat:req-1")
	require.NoError(t, err)

	payload := checkoutEvent(t, "evt_1", EventCheckoutCompleted, "wallet-a", 100, "paid")
	ack, err := h.HandleEvent(ctx, payload, sign(payload, secret))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, ack.Status)
	assert.Equal(t, int64(1000), ack.Credited)
	assert.Equal(t, int64(1999), ack.Balance)

	// Forged delivery of a different event: rejected, balance untouched.
	forged := checkoutEvent(t, "evt_2", EventCheckoutCompleted, "wallet-a", 100, "paid")
	_, err = h.HandleEvent(ctx, forged, sign(forged, "whsec_wrong"))
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	acct, err := store.GetAccount(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1999), acct.Balance)

	// The failed attempt did not consume the event id.
	ack, err = h.HandleEvent(ctx, forged, sign(forged, secret))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, ack.Status)
	assert.Equal(t, int64(2999), ack.Balance)
}

func TestDuplicateDeliveriesCreditOnce(t *testing.T) {
	ctx := context.Background()
	h, store := newHandler(t, 0)

	payload := checkoutEvent(t, "evt_dup", EventCheckoutCompleted, "wallet-a", 500, "paid")
	for i := 0; i < 5; i++ {
		ack, err := h.HandleEvent(ctx, payload, sign(payload, secret))
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, StatusSuccess, ack.Status)
		} else {
			assert.Equal(t, StatusDuplicate, ack.Status)
			assert.Zero(t, ack.Credited)
		}
	}

	acct, err := store.GetAccount(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), acct.Balance)
}

func TestIgnoredEvents(t *testing.T) {
	ctx := context.Background()
	h, store := newHandler(t, 0)

	other := checkoutEvent(t, "evt_other", "customer.created", "wallet-a", 100, "paid")
	ack, err := h.HandleEvent(ctx, other, sign(other, secret))
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, ack.Status)
	assert.Equal(t, "customer.created", ack.Type)

	unpaid := checkoutEvent(t, "evt_unpaid", EventCheckoutCompleted, "wallet-a", 100, "unpaid")
	ack, err = h.HandleEvent(ctx, unpaid, sign(unpaid, secret))
	require.NoError(t, err)
	assert.Equal(t, StatusIgnored, ack.Status)

	// The delayed method settles later under its own event id.
	settled := checkoutEvent(t, "evt_settled", EventAsyncPaymentSucceeded, "wallet-a", 100, "paid")
	ack, err = h.HandleEvent(ctx, settled, sign(settled, secret))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, ack.Status)

	acct, err := store.GetAccount(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), acct.Balance)
}

func TestMalformedPayloads(t *testing.T) {
	ctx := context.Background()
	h, _ := newHandler(t, 0)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"not json", []byte("{not json")},
		{"missing identity", checkoutEvent(t, "evt_a", EventCheckoutCompleted, "", 100, "paid")},
		{"zero amount", checkoutEvent(t, "evt_b", EventCheckoutCompleted, "wallet-a", 0, "paid")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.HandleEvent(ctx, tt.payload, sign(tt.payload, secret))
			require.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestSignatureFailures(t *testing.T) {
	ctx := context.Background()
	h, _ := newHandler(t, 0)
	payload := checkoutEvent(t, "evt_sig", EventCheckoutCompleted, "wallet-a", 100, "paid")

	_, err := h.HandleEvent(ctx, payload, "")
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = h.HandleEvent(ctx, payload, "garbage")
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	stale := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now().Add(-time.Hour),
	})
	_, err = h.HandleEvent(ctx, payload, stale.Header)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestNotConfigured(t *testing.T) {
	h := New(memory.New(), Config{Logger: zerolog.Nop()})
	assert.False(t, h.Configured())
	_, err := h.HandleEvent(context.Background(), []byte("{}"), "")
	require.ErrorIs(t, err, ErrNotConfigured)
}

type faultyStore struct{ ledger.Store }

func (faultyStore) Credit(context.Context, string, int64, string) (ledger.Result, error) {
	return ledger.Result{}, ledger.StorageFault("credit", errors.New("connection refused"))
}

func TestStorageFaultIsNotAcknowledged(t *testing.T) {
	h := New(faultyStore{}, Config{WebhookSecret: secret, Logger: zerolog.Nop()})
	payload := checkoutEvent(t, "evt_fault", EventCheckoutCompleted, "wallet-a", 100, "paid")
	_, err := h.HandleEvent(context.Background(), payload, sign(payload, secret))
	require.ErrorIs(t, err, ledger.ErrStorageFault)
}
