// Package ledger persists orders, payment transactions, escrow holds,
// refunds and webhook events. Every state change goes through WithTx, which
// runs the callback in one database transaction and retries it when an
// optimistic version check fails.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/models"
)

// ErrConflict means a row changed between lock and write. WithTx retries
// the whole callback when it sees it.
var ErrConflict = errors.New("ledger: version conflict")

const defaultMaxRetries = 3

// Config selects and tunes the database
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	MaxRetries   int
	SlowQuery    time.Duration
}

// Store is the ledger handle shared by the orchestrator and the webhook ingestor
type Store struct {
	db         *gorm.DB
	maxRetries int
}

// Open connects to the configured database.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	slow := cfg.SlowQuery
	if slow <= 0 {
		slow = 200 * time.Millisecond
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(log.StandardLogger(), logger.Config{
			SlowThreshold:             slow,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql handle: %w", err)
	}
	switch {
	case cfg.Driver == "sqlite":
		// a single connection serialises writers the way row locks would
		sqlDB.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	return New(db, cfg.MaxRetries), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, maxRetries int) *Store {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Store{db: db, maxRetries: maxRetries}
}

// Migrate creates or updates the ledger tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&models.Order{},
		&models.OrderDispute{},
		&models.OrderCancellation{},
		&models.PaymentTransaction{},
		&models.EscrowHold{},
		&models.Refund{},
		&models.WebhookEvent{},
	)
}

// DB exposes the gorm handle for collaborators sharing the database.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn inside a database transaction. fn must do all of its reads
// and writes through tx and must be safe to run more than once: on
// ErrConflict the transaction is rolled back and fn is called again.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
			return fn(&Tx{db: db})
		})
		if !errors.Is(err, ErrConflict) {
			return err
		}
		log.WithFields(log.Fields{
			"attempt": attempt,
		}).Debug("Ledger version conflict, retrying transaction")
	}
	return &apperr.Error{
		Kind:    apperr.KindConflict,
		Code:    apperr.CodeVersionConflict,
		Message: "the record was modified concurrently, try again",
		Err:     err,
	}
}

// OrderDetails loads an order with everything recorded against it.
func (s *Store) OrderDetails(ctx context.Context, orderID string) (*models.OrderDetails, error) {
	db := s.db.WithContext(ctx)

	var order models.Order
	if err := db.Preload("Dispute").Preload("Cancellation").First(&order, "id = ?", orderID).Error; err != nil {
		return nil, notFound(err, "order", orderID)
	}

	details := &models.OrderDetails{Order: &order}
	if err := db.Where("order_id = ?", orderID).Order("created_at").Find(&details.Transactions).Error; err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	if err := db.Where("order_id = ?", orderID).Order("created_at").Find(&details.Refunds).Error; err != nil {
		return nil, fmt.Errorf("load refunds: %w", err)
	}
	var escrows []*models.EscrowHold
	if err := db.Where("order_id = ?", orderID).Order("created_at DESC").Limit(1).Find(&escrows).Error; err != nil {
		return nil, fmt.Errorf("load escrow: %w", err)
	}
	if len(escrows) > 0 {
		details.Escrow = escrows[0]
	}
	return details, nil
}

// DueEscrowIDs lists holds whose auto-release deadline has passed. Disputed
// holds are frozen and never returned.
func (s *Store) DueEscrowIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.EscrowHold{}).
		Where("status IN ? AND auto_release_at <= ?",
			[]models.EscrowStatus{models.EscrowStatusHeld, models.EscrowStatusPartialRelease}, now.UTC()).
		Order("auto_release_at").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list due escrows: %w", err)
	}
	return ids, nil
}

// StaleTransactionIDs lists payment transactions stuck in processing since
// before cutoff.
func (s *Store) StaleTransactionIDs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&models.PaymentTransaction{}).
		Where("type = ? AND status = ? AND updated_at <= ? AND order_id IS NOT NULL",
			models.TransactionTypePayment, models.TransactionStatusProcessing, cutoff.UTC()).
		Order("updated_at").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list stale transactions: %w", err)
	}
	return ids, nil
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound(entity, id)
	}
	return fmt.Errorf("load %s %s: %w", entity, id, err)
}
