package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/fees"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/ledger"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/metrics"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/models"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/notify"
)

// CreateOrder records a purchase intent for a listing. Amounts come from the
// fee calculator only.
func (s *Service) CreateOrder(ctx context.Context, actor Actor, req models.CreateOrderRequest) (*models.Order, error) {
	if req.Quantity <= 0 {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "quantity must be positive")
	}

	listing, err := s.catalog.GetListing(ctx, req.ListingID)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.Validation(apperr.CodeListingUnavailable, "listing %s is not available", req.ListingID)
	}
	if err != nil {
		return nil, err
	}
	if !listing.Purchasable() {
		return nil, apperr.Validation(apperr.CodeListingUnavailable, "listing %s is not available", req.ListingID)
	}
	if listing.SellerID == actor.ID {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "you cannot buy your own listing")
	}
	if req.Quantity > listing.QuantityAvailable {
		return nil, apperr.Quantity(req.Quantity, listing.QuantityAvailable)
	}

	total := listing.Price.Mul(decimal.NewFromInt(int64(req.Quantity)))
	breakdown, err := fees.Calculate(total, listing.Currency, s.cfg.Fees)
	if err != nil {
		return nil, err
	}

	o := &models.Order{
		ID:             uuid.NewString(),
		OrderNumber:    s.orderNumber(),
		BuyerID:        actor.ID,
		SellerID:       listing.SellerID,
		ListingID:      listing.ID,
		Quantity:       req.Quantity,
		UnitPrice:      listing.Price,
		TotalAmount:    breakdown.Total,
		Currency:       breakdown.Currency,
		PlatformFee:    breakdown.PlatformFee,
		ProcessingFee:  breakdown.ProcessingFee,
		SellerAmount:   breakdown.SellerAmount,
		Status:         models.OrderStatusPending,
		PaymentStatus:  models.PaymentStatusUnpaid,
		DeliveryStatus: models.DeliveryStatusPending,
		Notes:          req.Notes,
	}
	if err := s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		return tx.CreateOrder(o)
	}); err != nil {
		return nil, err
	}

	metrics.OrderTransitions.WithLabelValues(string(o.Status)).Inc()
	log.WithFields(log.Fields{
		"order_id":     o.ID,
		"order_number": o.OrderNumber,
		"listing_id":   o.ListingID,
		"quantity":     o.Quantity,
		"total":        o.TotalAmount.String(),
		"currency":     o.Currency,
	}).Info("Order created")

	notify.Send(ctx, s.notifier,
		orderNote(o.SellerID, notify.TypeOrderCreated, "New order",
			"You received order "+o.OrderNumber+". It will be ready to deliver once paid.", o))
	return o, nil
}

// MarkProcessing records that the seller started working on the order.
func (s *Service) MarkProcessing(ctx context.Context, actor Actor, orderID string) (*models.Order, error) {
	return s.fulfil(ctx, actor, orderID, models.OrderStatusProcessing, models.DeliveryStatusProcessing)
}

func (s *Service) MarkShipped(ctx context.Context, actor Actor, orderID string) (*models.Order, error) {
	return s.fulfil(ctx, actor, orderID, models.OrderStatusShipped, models.DeliveryStatusShipped)
}

// MarkDelivered may be called by either party. The escrow auto-release
// deadline is pushed out so the buyer has the full window after delivery.
func (s *Service) MarkDelivered(ctx context.Context, actor Actor, orderID string) (*models.Order, error) {
	return s.fulfil(ctx, actor, orderID, models.OrderStatusDelivered, models.DeliveryStatusDelivered)
}

func (s *Service) fulfil(ctx context.Context, actor Actor, orderID string, to models.OrderStatus, delivery models.DeliveryStatus) (*models.Order, error) {
	var result models.Order
	var notes []notify.Notification
	err := s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		notes = nil
		o, err := tx.LockOrder(orderID)
		if err != nil {
			return err
		}
		if to == models.OrderStatusDelivered {
			err = requireParty(actor, o)
		} else {
			err = requireSeller(actor, o)
		}
		if err != nil {
			return err
		}
		if !o.DeliveryStatus.Advances(delivery) {
			return apperr.Transition("delivery", string(o.DeliveryStatus), string(delivery))
		}

		from := o.Status
		if err := setStatus(o, to); err != nil {
			return err
		}
		now := s.clock()
		o.DeliveryStatus = delivery
		switch to {
		case models.OrderStatusShipped:
			o.ShippedAt = timePtr(now)
			notes = append(notes, orderNote(o.BuyerID, notify.TypeOrderShipped, "Order shipped",
				"Order "+o.OrderNumber+" is on its way.", o))
		case models.OrderStatusDelivered:
			o.DeliveredAt = timePtr(now)
			if err := s.extendAutoRelease(tx, o.ID, now); err != nil {
				return err
			}
			notes = append(notes,
				orderNote(o.BuyerID, notify.TypeOrderDelivered, "Order delivered",
					"Order "+o.OrderNumber+" was delivered. Confirm it or open a dispute if something is wrong.", o),
				orderNote(o.SellerID, notify.TypeOrderDelivered, "Order delivered",
					"Order "+o.OrderNumber+" was marked delivered.", o))
		}
		if err := tx.SaveOrder(o); err != nil {
			return err
		}
		s.logTransition(o, from, actor)
		result = *o
		return nil
	})
	if err != nil {
		return nil, err
	}
	notify.Send(ctx, s.notifier, notes...)
	return &result, nil
}

func (s *Service) extendAutoRelease(tx *ledger.Tx, orderID string, deliveredAt time.Time) error {
	hold, err := tx.ActiveEscrow(orderID)
	if err != nil || hold == nil {
		return err
	}
	deadline := deliveredAt.Add(s.cfg.AutoReleaseAfter)
	if !deadline.After(hold.AutoReleaseAt) {
		return nil
	}
	hold.AutoReleaseAt = deadline
	return tx.SaveEscrow(hold)
}

// CompleteOrder confirms a delivered order and releases whatever is still
// held in escrow to the seller.
func (s *Service) CompleteOrder(ctx context.Context, actor Actor, orderID string) (*models.Order, error) {
	var result models.Order
	var notes []notify.Notification
	err := s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		o, err := tx.LockOrder(orderID)
		if err != nil {
			return err
		}
		if err := requireBuyer(actor, o); err != nil {
			return err
		}
		notes, err = s.completeTx(tx, o, actor, "order completed")
		if err != nil {
			return err
		}
		result = *o
		return nil
	})
	if err != nil {
		return nil, err
	}
	notify.Send(ctx, s.notifier, notes...)
	return &result, nil
}

func (s *Service) completeTx(tx *ledger.Tx, o *models.Order, actor Actor, reason string) ([]notify.Notification, error) {
	from := o.Status
	if from != models.OrderStatusDelivered {
		return nil, apperr.Transition("order", string(from), string(models.OrderStatusCompleted))
	}
	if err := setStatus(o, models.OrderStatusCompleted); err != nil {
		return nil, err
	}
	o.CompletedAt = timePtr(s.clock())

	notes := []notify.Notification{
		orderNote(o.SellerID, notify.TypeOrderCompleted, "Order completed",
			"Order "+o.OrderNumber+" is complete.", o),
	}
	hold, err := tx.ActiveEscrow(o.ID)
	if err != nil {
		return nil, err
	}
	if hold != nil && hold.Status.Releasable() {
		released, err := s.releaseHold(hold, nil, reason, actor)
		if err != nil {
			return nil, err
		}
		if err := tx.SaveEscrow(hold); err != nil {
			return nil, err
		}
		notes = append(notes, escrowNote(o, released))
	}

	if err := tx.SaveOrder(o); err != nil {
		return nil, err
	}
	s.logTransition(o, from, actor)
	return notes, nil
}

// CancelOrder cancels an order. Uncaptured orders are cancelled at once.
// On a captured, undelivered order the buyer can only request cancellation;
// the seller consents by cancelling too. The order is then refunded in full
// and reaches cancelled when that refund completes.
func (s *Service) CancelOrder(ctx context.Context, actor Actor, orderID string, req models.CancelOrderRequest) (*models.OrderDetails, error) {
	var refundID string
	var notes []notify.Notification
	err := s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		refundID, notes = "", nil
		o, err := tx.LockOrder(orderID)
		if err != nil {
			return err
		}
		if err := requireParty(actor, o); err != nil {
			return err
		}
		if !o.Status.CanTransition(models.OrderStatusCancelled) {
			return apperr.Transition("order", string(o.Status), string(models.OrderStatusCancelled))
		}
		inFlight, err := tx.HasProcessingTransaction(o.ID)
		if err != nil {
			return err
		}
		if inFlight {
			return apperr.Conflict(apperr.CodePaymentInFlight,
				"order %s has a payment in progress and cannot be cancelled yet", o.OrderNumber)
		}

		if !o.Captured() {
			notes, err = s.cancelTx(tx, o, req.Reason, actor.ID)
			return err
		}

		if o.DeliveryStatus == models.DeliveryStatusDelivered {
			return apperr.Transition("order", "delivered", string(models.OrderStatusCancelled))
		}
		if actor.ID != o.SellerID && !actor.privileged() {
			switch {
			case o.Cancellation.Approved():
				return apperr.Conflict(apperr.CodePaymentInFlight,
					"order %s is already being refunded for cancellation", o.OrderNumber)
			case o.Cancellation != nil:
				return apperr.Conflict(apperr.CodeConsentRequired,
					"cancellation of order %s is waiting for the seller's consent", o.OrderNumber)
			}
			notes, err = s.requestCancellation(tx, o, req.Reason, actor.ID)
			return err
		}

		now := s.clock()
		c := o.Cancellation
		if c == nil {
			c = &models.OrderCancellation{
				ID:          uuid.NewString(),
				OrderID:     o.ID,
				Reason:      req.Reason,
				RequestedBy: actor.ID,
				RequestedAt: now,
			}
		}
		c.ApprovedBy = actor.ID
		c.ApprovedAt = timePtr(now)
		if err := tx.SaveCancellation(c); err != nil {
			return err
		}
		refund, err := s.fullRefund(tx, o, models.RefundPurposeCancellation, c.Reason, actor.ID)
		if err != nil {
			return err
		}
		refundID = refund.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	notify.Send(ctx, s.notifier, notes...)

	if refundID != "" {
		log.WithFields(log.Fields{
			"order_id":  orderID,
			"refund_id": refundID,
		}).Info("Refunding captured order before cancellation")
		if _, err := s.executeRefund(ctx, refundID); err != nil {
			return nil, err
		}
	}
	return s.store.OrderDetails(ctx, orderID)
}

// requestCancellation records a buyer's pending request and asks the seller.
func (s *Service) requestCancellation(tx *ledger.Tx, o *models.Order, reason, buyerID string) ([]notify.Notification, error) {
	o.Cancellation = &models.OrderCancellation{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		Reason:      reason,
		RequestedBy: buyerID,
		RequestedAt: s.clock(),
	}
	if err := tx.SaveCancellation(o.Cancellation); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"order_id": o.ID,
		"buyer_id": buyerID,
	}).Info("Cancellation requested, waiting for seller consent")
	return []notify.Notification{
		orderNote(o.SellerID, notify.TypeCancelRequested, "Cancellation requested",
			"The buyer asked to cancel order "+o.OrderNumber+". Cancel it to refund them.", o),
	}, nil
}

// cancelTx moves o to cancelled and records who cancelled it, keeping an
// earlier request if there is one.
func (s *Service) cancelTx(tx *ledger.Tx, o *models.Order, reason, actorID string) ([]notify.Notification, error) {
	from := o.Status
	if err := setStatus(o, models.OrderStatusCancelled); err != nil {
		return nil, err
	}
	now := s.clock()
	o.CancelledAt = timePtr(now)
	if o.Cancellation == nil {
		o.Cancellation = &models.OrderCancellation{
			ID:          uuid.NewString(),
			OrderID:     o.ID,
			Reason:      reason,
			RequestedBy: actorID,
			RequestedAt: now,
		}
	}
	if err := tx.SaveCancellation(o.Cancellation); err != nil {
		return nil, err
	}
	if err := tx.SaveOrder(o); err != nil {
		return nil, err
	}
	s.logTransition(o, from, Actor{ID: actorID})

	return []notify.Notification{
		orderNote(o.BuyerID, notify.TypeOrderCancelled, "Order cancelled", "Order "+o.OrderNumber+" was cancelled.", o),
		orderNote(o.SellerID, notify.TypeOrderCancelled, "Order cancelled", "Order "+o.OrderNumber+" was cancelled.", o),
	}, nil
}
