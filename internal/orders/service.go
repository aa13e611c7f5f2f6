// Package orders owns the order, payment, escrow and refund state machines.
//
// Every operation follows the same shape: lock and validate inside one ledger
// transaction, call the payment provider with no transaction open, then
// re-lock and commit what the provider said. Webhook events enter through
// the Apply* methods, which run inside the ingestor's transaction so the
// dedup record and the state change commit together.
package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/catalog"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/fees"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/ledger"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/metrics"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/models"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/notify"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/provider"
)

const (
	DefaultAutoReleaseAfter = 7 * 24 * time.Hour
	DefaultDisputeWindow    = 14 * 24 * time.Hour
	DefaultPaymentTimeout   = 15 * time.Second
)

// Config holds the business settings of the orchestrator
type Config struct {
	Fees             fees.Schedule
	AutoReleaseAfter time.Duration
	DisputeWindow    time.Duration
	PaymentTimeout   time.Duration
	NodeID           int64
}

// Role is what the caller is allowed to do beyond acting as buyer or seller
type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleSystem   Role = "system"
)

// Actor is the authenticated caller of an operation
type Actor struct {
	ID   string
	Role Role
}

// System is the actor used by schedulers and webhooks.
var System = Actor{ID: "system", Role: RoleSystem}

func (a Actor) privileged() bool {
	return a.Role == RoleOperator || a.Role == RoleSystem
}

// Service is the order orchestrator
type Service struct {
	store     *ledger.Store
	catalog   catalog.Catalog
	providers *provider.Registry
	notifier  notify.Emitter
	cfg       Config
	node      *snowflake.Node
	now       func() time.Time
}

// Option customises a Service
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store *ledger.Store, cat catalog.Catalog, providers *provider.Registry, notifier notify.Emitter, cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Fees.Validate(); err != nil {
		return nil, fmt.Errorf("fee schedule: %w", err)
	}
	if cfg.AutoReleaseAfter <= 0 {
		cfg.AutoReleaseAfter = DefaultAutoReleaseAfter
	}
	if cfg.DisputeWindow <= 0 {
		cfg.DisputeWindow = DefaultDisputeWindow
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = DefaultPaymentTimeout
	}
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("order number generator: %w", err)
	}

	s := &Service{
		store:     store,
		catalog:   cat,
		providers: providers,
		notifier:  notifier,
		cfg:       cfg,
		node:      node,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) orderNumber() string {
	return "VG-" + strings.ToUpper(s.node.Generate().Base36())
}

// providerContext detaches provider calls from the caller so a dropped HTTP
// connection cannot abandon a charge half way, and bounds them.
func (s *Service) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PaymentTimeout)
}

// GetOrder returns an order with its transactions, escrow and refunds.
func (s *Service) GetOrder(ctx context.Context, actor Actor, orderID string) (*models.OrderDetails, error) {
	details, err := s.store.OrderDetails(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := requireParty(actor, details.Order); err != nil {
		return nil, err
	}
	return details, nil
}

func requireParty(actor Actor, o *models.Order) error {
	if actor.privileged() || actor.ID == o.BuyerID || actor.ID == o.SellerID {
		return nil
	}
	return apperr.NotFound("order", o.ID)
}

func requireBuyer(actor Actor, o *models.Order) error {
	if actor.privileged() || actor.ID == o.BuyerID {
		return nil
	}
	if actor.ID == o.SellerID {
		return apperr.Forbidden("only the buyer may do this")
	}
	return apperr.NotFound("order", o.ID)
}

func requireSeller(actor Actor, o *models.Order) error {
	if actor.privileged() || actor.ID == o.SellerID {
		return nil
	}
	if actor.ID == o.BuyerID {
		return apperr.Forbidden("only the seller may do this")
	}
	return apperr.NotFound("order", o.ID)
}

func requireOperator(actor Actor) error {
	if actor.privileged() {
		return nil
	}
	return apperr.Forbidden("operator access required")
}

// setStatus validates and applies an order transition.
func setStatus(o *models.Order, to models.OrderStatus) error {
	if !o.Status.CanTransition(to) {
		return apperr.Transition("order", string(o.Status), string(to))
	}
	o.Status = to
	return nil
}

func (s *Service) logTransition(o *models.Order, from models.OrderStatus, actor Actor) {
	metrics.OrderTransitions.WithLabelValues(string(o.Status)).Inc()
	log.WithFields(log.Fields{
		"order_id":       o.ID,
		"order_number":   o.OrderNumber,
		"from":           from,
		"to":             o.Status,
		"payment_status": o.PaymentStatus,
		"actor":          actor.ID,
	}).Info("Order status changed")
}

// consistency logs and counts an invariant violation and returns it.
func consistency(op string, fields log.Fields, err *apperr.Error) error {
	metrics.ConsistencyErrors.WithLabelValues(op).Inc()
	log.WithFields(fields).WithField("operation", op).Error(err.Message)
	return err
}

func orderNote(userID string, t notify.Type, title, message string, o *models.Order) notify.Notification {
	return notify.Notification{
		UserID:  userID,
		Type:    t,
		Title:   title,
		Message: message,
		Metadata: map[string]string{
			"order_id":     o.ID,
			"order_number": o.OrderNumber,
		},
	}
}

// validAmount checks that amount is positive and fits the currency.
func validAmount(amount decimal.Decimal, currency string) error {
	places, err := fees.MinorUnits(currency)
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return apperr.Validation(apperr.CodeInvalidInput, "amount must be positive")
	}
	if !amount.Equal(amount.Round(places)) {
		return apperr.Validation(apperr.CodeInvalidInput, "amount %s has more precision than %s allows", amount, currency)
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
