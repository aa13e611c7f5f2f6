package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/ledger"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/ledger/ledgertest"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/models"
)

func newOrder() *models.Order {
	return &models.Order{
		ID:             uuid.NewString(),
		OrderNumber:    uuid.NewString()[:12],
		BuyerID:        "buyer-1",
		SellerID:       "seller-1",
		ListingID:      "listing-1",
		Quantity:       1,
		UnitPrice:      decimal.RequireFromString("10.00"),
		TotalAmount:    decimal.RequireFromString("10.00"),
		Currency:       "USD",
		PlatformFee:    decimal.RequireFromString("0.50"),
		ProcessingFee:  decimal.RequireFromString("0.30"),
		SellerAmount:   decimal.RequireFromString("9.20"),
		Status:         models.OrderStatusPending,
		PaymentStatus:  models.PaymentStatusUnpaid,
		DeliveryStatus: models.DeliveryStatusPending,
	}
}

func createOrder(t *testing.T, store *ledger.Store) *models.Order {
	t.Helper()
	o := newOrder()
	require.NoError(t, store.WithTx(context.Background(), func(tx *ledger.Tx) error {
		return tx.CreateOrder(o)
	}))
	return o
}

func TestSaveOrderBumpsVersion(t *testing.T) {
	store := ledgertest.New(t)
	o := createOrder(t, store)
	ctx := context.Background()

	require.NoError(t, store.WithTx(ctx, func(tx *ledger.Tx) error {
		locked, err := tx.LockOrder(o.ID)
		if err != nil {
			return err
		}
		locked.Status = models.OrderStatusConfirmed
		return tx.SaveOrder(locked)
	}))

	details, err := store.OrderDetails(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, details.Order.Status)
	assert.Equal(t, int64(2), details.Order.Version)
	assert.True(t, details.Order.SellerAmount.Equal(decimal.RequireFromString("9.20")))
}

func TestWithTxGivesUpOnPersistentConflict(t *testing.T) {
	store := ledgertest.New(t)
	o := createOrder(t, store)
	ctx := context.Background()
	stale := *o

	require.NoError(t, store.WithTx(ctx, func(tx *ledger.Tx) error {
		o.Status = models.OrderStatusConfirmed
		return tx.SaveOrder(o)
	}))

	calls := 0
	err := store.WithTx(ctx, func(tx *ledger.Tx) error {
		calls++
		stale.Status = models.OrderStatusCancelled
		return tx.SaveOrder(&stale)
	})
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeVersionConflict))
	assert.ErrorIs(t, err, ledger.ErrConflict)
	assert.Equal(t, 3, calls)

	details, err := store.OrderDetails(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, details.Order.Status)
}

func TestWithTxRetriesConflictThenSucceeds(t *testing.T) {
	store := ledgertest.New(t)
	o := createOrder(t, store)
	ctx := context.Background()
	stale := *o

	require.NoError(t, store.WithTx(ctx, func(tx *ledger.Tx) error {
		o.Notes = "first writer"
		return tx.SaveOrder(o)
	}))

	calls := 0
	require.NoError(t, store.WithTx(ctx, func(tx *ledger.Tx) error {
		calls++
		target := &stale
		if calls > 1 {
			fresh, err := tx.LockOrder(o.ID)
			if err != nil {
				return err
			}
			target = fresh
		}
		target.Status = models.OrderStatusConfirmed
		return tx.SaveOrder(target)
	}))
	assert.Equal(t, 2, calls)

	details, err := store.OrderDetails(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "first writer", details.Order.Notes)
	assert.Equal(t, models.OrderStatusConfirmed, details.Order.Status)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := ledgertest.New(t)
	o := newOrder()
	boom := errors.New("boom")

	err := store.WithTx(context.Background(), func(tx *ledger.Tx) error {
		if err := tx.CreateOrder(o); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.OrderDetails(context.Background(), o.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRecordWebhookEventIsInsertIfAbsent(t *testing.T) {
	store := ledgertest.New(t)
	ctx := context.Background()

	record := func() bool {
		var inserted bool
		require.NoError(t, store.WithTx(ctx, func(tx *ledger.Tx) error {
			var err error
			inserted, err = tx.RecordWebhookEvent(&models.WebhookEvent{
				ID:         uuid.NewString(),
				Provider:   "mock",
				EventID:    "evt_1",
				Type:       "payment.succeeded",
				ReceivedAt: time.Now().UTC(),
			})
			return err
		}))
		return inserted
	}

	assert.True(t, record())
	assert.False(t, record())
}

func TestFindTransactionByProviderRef(t *testing.T) {
	store := ledgertest.New(t)
	o := createOrder(t, store)
	ctx := context.Background()
	ref := "ch_123"

	txn := &models.PaymentTransaction{
		ID:                    uuid.NewString(),
		OrderID:               &o.ID,
		Provider:              "mock",
		ProviderTransactionID: &ref,
		Type:                  models.TransactionTypePayment,
		Amount:                o.TotalAmount,
		Currency:              "USD",
		Status:                models.TransactionStatusProcessing,
		Attempts:              1,
	}

	require.NoError(t, store.WithTx(ctx, func(tx *ledger.Tx) error {
		if err := tx.CreateTransaction(txn); err != nil {
			return err
		}

		found, err := tx.FindTransactionByProviderRef("mock", ref)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, txn.ID, found.ID)

		missing, err := tx.FindTransactionByProviderRef("card", ref)
		require.NoError(t, err)
		assert.Nil(t, missing)

		byRef, err := tx.FindTransactionByReference("mock", txn.ID)
		require.NoError(t, err)
		require.NotNil(t, byRef)

		inFlight, err := tx.HasProcessingTransaction(o.ID)
		require.NoError(t, err)
		assert.True(t, inFlight)
		return nil
	}))
}

func TestDueEscrowIDsSkipsFrozenHolds(t *testing.T) {
	store := ledgertest.New(t)
	o := createOrder(t, store)
	ctx := context.Background()
	now := time.Now().UTC()

	hold := func(status models.EscrowStatus, releaseAt time.Time) *models.EscrowHold {
		return &models.EscrowHold{
			ID:             uuid.NewString(),
			OrderID:        o.ID,
			TransactionID:  uuid.NewString(),
			Amount:         o.TotalAmount,
			ReleasedAmount: decimal.Zero,
			RefundedAmount: decimal.Zero,
			Currency:       "USD",
			Status:         status,
			BuyerID:        o.BuyerID,
			SellerID:       o.SellerID,
			AutoReleaseAt:  releaseAt,
		}
	}
	due := hold(models.EscrowStatusHeld, now.Add(-time.Hour))
	notYet := hold(models.EscrowStatusHeld, now.Add(time.Hour))
	frozen := hold(models.EscrowStatusDisputed, now.Add(-time.Hour))

	require.NoError(t, store.WithTx(ctx, func(tx *ledger.Tx) error {
		for _, h := range []*models.EscrowHold{due, notYet, frozen} {
			if err := tx.CreateEscrow(h); err != nil {
				return err
			}
		}
		return nil
	}))

	ids, err := store.DueEscrowIDs(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{due.ID}, ids)
}
