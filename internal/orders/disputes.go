package orders

import (
	"context"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/ledger"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/metrics"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/models"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/notify"
)

const (
	DisputeOutcomeRelease = "release"
	DisputeOutcomeRefund  = "refund"
)

// OpenDispute freezes a paid order. Completed orders can be disputed until
// the dispute window after completion closes.
func (s *Service) OpenDispute(ctx context.Context, actor Actor, orderID string, req models.OpenDisputeRequest) (*models.Order, error) {
	var result models.Order
	var notes []notify.Notification
	err := s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		o, err := tx.LockOrder(orderID)
		if err != nil {
			return err
		}
		if err := requireParty(actor, o); err != nil {
			return err
		}
		source := models.DisputeSourceOperator
		switch actor.ID {
		case o.BuyerID:
			source = models.DisputeSourceBuyer
		case o.SellerID:
			source = models.DisputeSourceSeller
		}
		notes, err = s.openDispute(tx, o, req.Reason, req.Details, source, actor, true)
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

func (s *Service) openDispute(tx *ledger.Tx, o *models.Order, reason, details string, source models.DisputeSource, actor Actor, enforceWindow bool) ([]notify.Notification, error) {
	if o.PaidAt == nil || !o.Status.CanTransition(models.OrderStatusDisputed) {
		return nil, apperr.Transition("order", string(o.Status), string(models.OrderStatusDisputed))
	}
	now := s.clock()
	if enforceWindow && o.Status == models.OrderStatusCompleted && o.CompletedAt != nil &&
		now.After(o.CompletedAt.Add(s.cfg.DisputeWindow)) {
		return nil, apperr.Conflict(apperr.CodeDisputeWindowClosed,
			"the dispute window for order %s closed", o.OrderNumber)
	}

	from := o.Status
	o.Status = models.OrderStatusDisputed
	dispute := &models.OrderDispute{
		ID:       uuid.NewString(),
		OrderID:  o.ID,
		Reason:   reason,
		Details:  details,
		Source:   source,
		OpenedBy: actor.ID,
		OpenedAt: now,
	}
	// a completed order may be disputed again after an earlier resolution
	if o.Dispute != nil {
		dispute.ID = o.Dispute.ID
	}
	o.Dispute = dispute
	if err := tx.SaveDispute(dispute); err != nil {
		return nil, err
	}

	hold, err := tx.ActiveEscrow(o.ID)
	if err != nil {
		return nil, err
	}
	if hold != nil && hold.Status.Releasable() {
		if err := s.freezeHold(hold, reason); err != nil {
			return nil, err
		}
		if err := tx.SaveEscrow(hold); err != nil {
			return nil, err
		}
	}
	if err := tx.SaveOrder(o); err != nil {
		return nil, err
	}
	s.logTransition(o, from, actor)

	counterparty := o.SellerID
	if source == models.DisputeSourceSeller {
		counterparty = o.BuyerID
	}
	notes := []notify.Notification{orderNote(counterparty, notify.TypeOrderDisputed, "Order disputed",
		"Order "+o.OrderNumber+" was disputed: "+reason, o)}
	if source == models.DisputeSourceChargeback || source == models.DisputeSourceOperator {
		notes = append(notes, orderNote(o.BuyerID, notify.TypeOrderDisputed, "Order disputed",
			"Order "+o.OrderNumber+" is under review.", o))
	}
	return notes, nil
}

// ResolveDispute settles a disputed order, either releasing escrow to the
// seller or refunding the buyer. Only operators may resolve.
func (s *Service) ResolveDispute(ctx context.Context, actor Actor, orderID string, req models.ResolveDisputeRequest) (*models.OrderDetails, error) {
	if err := requireOperator(actor); err != nil {
		return nil, err
	}
	if req.Outcome != DisputeOutcomeRelease && req.Outcome != DisputeOutcomeRefund {
		return nil, apperr.Validation(apperr.CodeInvalidInput, "outcome must be release or refund")
	}

	var refundID string
	var notes []notify.Notification
	err := s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		refundID, notes = "", nil
		o, err := tx.LockOrder(orderID)
		if err != nil {
			return err
		}
		if o.Status != models.OrderStatusDisputed {
			return apperr.Transition("order", string(o.Status), "resolved")
		}

		switch req.Outcome {
		case DisputeOutcomeRelease:
			notes, err = s.resolveRelease(tx, o, actor, req.Notes)
		default:
			refundID, notes, err = s.resolveRefund(tx, o, actor, req.Notes)
		}
		if err != nil {
			return err
		}

		now := s.clock()
		o.ResolutionNotes = req.Notes
		if o.Dispute != nil {
			o.Dispute.Outcome = req.Outcome
			o.Dispute.ResolvedAt = &now
			if err := tx.SaveDispute(o.Dispute); err != nil {
				return err
			}
		}
		if err := tx.SaveOrder(o); err != nil {
			return err
		}
		for _, party := range []string{o.BuyerID, o.SellerID} {
			n := orderNote(party, notify.TypeDisputeResolved, "Dispute resolved",
				"The dispute on order "+o.OrderNumber+" was resolved: "+req.Outcome+".", o)
			n.Metadata["outcome"] = req.Outcome
			notes = append(notes, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"order_id": orderID,
		"outcome":  req.Outcome,
		"operator": actor.ID,
	}).Info("Dispute resolved")
	notify.Send(ctx, s.notifier, notes...)

	if refundID != "" {
		if _, err := s.executeRefund(ctx, refundID); err != nil {
			return nil, err
		}
	}
	return s.store.OrderDetails(ctx, orderID)
}

func (s *Service) resolveRelease(tx *ledger.Tx, o *models.Order, actor Actor, notes string) ([]notify.Notification, error) {
	from := o.Status
	if err := setStatus(o, models.OrderStatusCompleted); err != nil {
		return nil, err
	}
	if o.CompletedAt == nil {
		o.CompletedAt = timePtr(s.clock())
	}

	var out []notify.Notification
	hold, err := tx.ActiveEscrow(o.ID)
	if err != nil {
		return nil, err
	}
	if hold != nil && hold.Remaining().IsPositive() {
		if !hold.Status.CanTransition(models.EscrowStatusReleased) {
			return nil, apperr.Transition("escrow", string(hold.Status), string(models.EscrowStatusReleased))
		}
		released, err := s.release(hold, nil, "dispute resolved: "+notes, actor)
		if err != nil {
			return nil, err
		}
		if err := tx.SaveEscrow(hold); err != nil {
			return nil, err
		}
		out = append(out, escrowNote(o, released))
	}
	s.logTransition(o, from, actor)
	return out, nil
}

func (s *Service) resolveRefund(tx *ledger.Tx, o *models.Order, actor Actor, notes string) (string, []notify.Notification, error) {
	r, err := s.fullRefund(tx, o, models.RefundPurposeDispute, "dispute resolved: "+notes, actor.ID)
	switch {
	case err == nil:
		return r.ID, nil, nil
	case !apperr.HasCode(err, apperr.CodeRefundExceedsCapture):
		return "", nil, err
	}

	// nothing left to refund; the buyer already has everything back
	from := o.Status
	if err := setStatus(o, models.OrderStatusRefunded); err != nil {
		return "", nil, err
	}
	hold, err := tx.ActiveEscrow(o.ID)
	if err != nil {
		return "", nil, err
	}
	if hold != nil && hold.Remaining().IsZero() {
		hold.Status = models.EscrowStatusRefunded
		if err := tx.SaveEscrow(hold); err != nil {
			return "", nil, err
		}
		metrics.EscrowOperations.WithLabelValues("refund").Inc()
	}
	s.logTransition(o, from, actor)
	return "", nil, nil
}
