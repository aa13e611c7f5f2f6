package ledger

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/models"
)

// Tx is a ledger view bound to one open database transaction. Lock* methods
// take row locks (SELECT ... FOR UPDATE where the driver supports it) and
// Save* methods write with an optimistic version check.
type Tx struct {
	db *gorm.DB
}

func (t *Tx) forUpdate() *gorm.DB {
	return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
}

// saveVersioned writes every column of model if the stored version still
// equals *version, and bumps it.
func (t *Tx) saveVersioned(model interface{}, version *int64) error {
	prev := *version
	*version = prev + 1
	res := t.db.Model(model).
		Where("version = ?", prev).
		Select("*").
		Omit(clause.Associations, "CreatedAt").
		Updates(model)
	if res.Error != nil {
		*version = prev
		return res.Error
	}
	if res.RowsAffected == 0 {
		*version = prev
		return ErrConflict
	}
	return nil
}

// Orders

func (t *Tx) CreateOrder(o *models.Order) error {
	o.Version = 1
	return t.db.Omit(clause.Associations).Create(o).Error
}

func (t *Tx) LockOrder(id string) (*models.Order, error) {
	var o models.Order
	if err := t.forUpdate().First(&o, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "order", id)
	}
	var disputes []*models.OrderDispute
	if err := t.db.Where("order_id = ?", id).Limit(1).Find(&disputes).Error; err != nil {
		return nil, fmt.Errorf("load dispute: %w", err)
	}
	if len(disputes) > 0 {
		o.Dispute = disputes[0]
	}
	var cancellations []*models.OrderCancellation
	if err := t.db.Where("order_id = ?", id).Limit(1).Find(&cancellations).Error; err != nil {
		return nil, fmt.Errorf("load cancellation: %w", err)
	}
	if len(cancellations) > 0 {
		o.Cancellation = cancellations[0]
	}
	return &o, nil
}

func (t *Tx) SaveOrder(o *models.Order) error {
	if err := t.saveVersioned(o, &o.Version); err != nil {
		return fmt.Errorf("save order %s: %w", o.ID, err)
	}
	return nil
}

// SaveDispute inserts or replaces the dispute record of an order.
func (t *Tx) SaveDispute(d *models.OrderDispute) error {
	return t.db.Save(d).Error
}

// SaveCancellation inserts or replaces the cancellation record of an order.
func (t *Tx) SaveCancellation(c *models.OrderCancellation) error {
	return t.db.Save(c).Error
}

// Payment transactions

func (t *Tx) CreateTransaction(txn *models.PaymentTransaction) error {
	txn.Version = 1
	return t.db.Create(txn).Error
}

func (t *Tx) LockTransaction(id string) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	if err := t.forUpdate().First(&txn, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "transaction", id)
	}
	return &txn, nil
}

func (t *Tx) SaveTransaction(txn *models.PaymentTransaction) error {
	if err := t.saveVersioned(txn, &txn.Version); err != nil {
		return fmt.Errorf("save transaction %s: %w", txn.ID, err)
	}
	return nil
}

// FindTransactionByProviderRef locks the transaction a provider knows as
// providerTxnID. It returns nil when there is none.
func (t *Tx) FindTransactionByProviderRef(provider, providerTxnID string) (*models.PaymentTransaction, error) {
	return t.findTransaction("provider = ? AND provider_transaction_id = ?", provider, providerTxnID)
}

// FindTransactionByReference locks one of our own transactions by id,
// scoped to provider. Providers echo our id back as the payment reference.
func (t *Tx) FindTransactionByReference(provider, reference string) (*models.PaymentTransaction, error) {
	return t.findTransaction("provider = ? AND id = ?", provider, reference)
}

// LatestPaymentTransaction locks the newest payment attempt for an order.
func (t *Tx) LatestPaymentTransaction(orderID string) (*models.PaymentTransaction, error) {
	var txns []*models.PaymentTransaction
	err := t.forUpdate().
		Where("order_id = ? AND type = ?", orderID, models.TransactionTypePayment).
		Order("created_at DESC").
		Limit(1).
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("find payment for order %s: %w", orderID, err)
	}
	if len(txns) == 0 {
		return nil, nil
	}
	return txns[0], nil
}

// CompletedPayment returns the captured payment of an order, or nil.
func (t *Tx) CompletedPayment(orderID string) (*models.PaymentTransaction, error) {
	var txns []*models.PaymentTransaction
	err := t.db.
		Where("order_id = ? AND type = ? AND status = ?",
			orderID, models.TransactionTypePayment, models.TransactionStatusCompleted).
		Limit(1).
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("find completed payment for order %s: %w", orderID, err)
	}
	if len(txns) == 0 {
		return nil, nil
	}
	return txns[0], nil
}

// HasProcessingTransaction reports whether any money movement for the order
// is still waiting on the provider.
func (t *Tx) HasProcessingTransaction(orderID string) (bool, error) {
	var count int64
	err := t.db.Model(&models.PaymentTransaction{}).
		Where("order_id = ? AND status = ?", orderID, models.TransactionStatusProcessing).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count processing transactions: %w", err)
	}
	return count > 0, nil
}

func (t *Tx) findTransaction(query string, args ...interface{}) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	err := t.forUpdate().Where(query, args...).First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	return &txn, nil
}

// Escrow holds

func (t *Tx) CreateEscrow(e *models.EscrowHold) error {
	e.Version = 1
	return t.db.Create(e).Error
}

func (t *Tx) LockEscrow(id string) (*models.EscrowHold, error) {
	var e models.EscrowHold
	if err := t.forUpdate().First(&e, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "escrow", id)
	}
	return &e, nil
}

// ActiveEscrow locks the hold that still controls the order's funds, or
// returns nil.
func (t *Tx) ActiveEscrow(orderID string) (*models.EscrowHold, error) {
	var holds []*models.EscrowHold
	err := t.forUpdate().
		Where("order_id = ? AND status IN ?", orderID, []models.EscrowStatus{
			models.EscrowStatusHeld, models.EscrowStatusPartialRelease, models.EscrowStatusDisputed,
		}).
		Limit(1).
		Find(&holds).Error
	if err != nil {
		return nil, fmt.Errorf("find active escrow for order %s: %w", orderID, err)
	}
	if len(holds) == 0 {
		return nil, nil
	}
	return holds[0], nil
}

func (t *Tx) SaveEscrow(e *models.EscrowHold) error {
	if err := t.saveVersioned(e, &e.Version); err != nil {
		return fmt.Errorf("save escrow %s: %w", e.ID, err)
	}
	return nil
}

// Refunds

func (t *Tx) CreateRefund(r *models.Refund) error {
	r.Version = 1
	return t.db.Create(r).Error
}

func (t *Tx) LockRefund(id string) (*models.Refund, error) {
	var r models.Refund
	if err := t.forUpdate().First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "refund", id)
	}
	return &r, nil
}

// FindRefundByTransaction locks the refund executed through refundTxnID, or
// returns nil.
func (t *Tx) FindRefundByTransaction(refundTxnID string) (*models.Refund, error) {
	var r models.Refund
	err := t.forUpdate().Where("refund_transaction_id = ?", refundTxnID).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find refund by transaction: %w", err)
	}
	return &r, nil
}

func (t *Tx) RefundsForOrder(orderID string) ([]*models.Refund, error) {
	var refunds []*models.Refund
	if err := t.db.Where("order_id = ?", orderID).Order("created_at").Find(&refunds).Error; err != nil {
		return nil, fmt.Errorf("list refunds for order %s: %w", orderID, err)
	}
	return refunds, nil
}

func (t *Tx) SaveRefund(r *models.Refund) error {
	if err := t.saveVersioned(r, &r.Version); err != nil {
		return fmt.Errorf("save refund %s: %w", r.ID, err)
	}
	return nil
}

// Webhook events

// RecordWebhookEvent inserts ev unless (provider, event id) is already
// recorded. It reports whether this call inserted the row; the unique index
// makes the check and the write a single statement.
func (t *Tx) RecordWebhookEvent(ev *models.WebhookEvent) (bool, error) {
	res := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(ev)
	if res.Error != nil {
		return false, fmt.Errorf("record webhook event: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (t *Tx) SetWebhookOutcome(ev *models.WebhookEvent, outcome models.WebhookOutcome) error {
	ev.Outcome = outcome
	return t.db.Model(ev).Update("outcome", outcome).Error
}
