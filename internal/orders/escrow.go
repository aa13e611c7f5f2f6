package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/ledger"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/metrics"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/models"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/notify"
)

// releaseHold moves amount (nil for everything left) from the hold to the
// seller. It only mutates hold; the caller saves it. Releasing more than the
// hold controls is a consistency error and leaves hold untouched.
func (s *Service) releaseHold(hold *models.EscrowHold, amount *decimal.Decimal, reason string, actor Actor) (decimal.Decimal, error) {
	if !hold.Status.Releasable() {
		return decimal.Zero, apperr.Transition("escrow", string(hold.Status), string(models.EscrowStatusReleased))
	}
	return s.release(hold, amount, reason, actor)
}

// release skips the status guard; resolving a dispute releases a frozen hold.
func (s *Service) release(hold *models.EscrowHold, amount *decimal.Decimal, reason string, actor Actor) (decimal.Decimal, error) {
	release := hold.Remaining()
	if amount != nil {
		release = *amount
	}
	if err := validAmount(release, hold.Currency); err != nil {
		return decimal.Zero, err
	}
	if hold.ReleasedAmount.Add(hold.RefundedAmount).Add(release).GreaterThan(hold.Amount) {
		return decimal.Zero, consistency("release_escrow", log.Fields{
			"escrow_id": hold.ID,
			"order_id":  hold.OrderID,
			"held":      hold.Amount.String(),
			"released":  hold.ReleasedAmount.String(),
			"refunded":  hold.RefundedAmount.String(),
			"requested": release.String(),
		}, apperr.Consistency(apperr.CodeOverRelease,
			"releasing %s would exceed the %s held in escrow %s", release.String(), hold.Amount.String(), hold.ID))
	}

	now := s.clock()
	hold.ReleasedAmount = hold.ReleasedAmount.Add(release)
	hold.Status = models.EscrowStatusPartialRelease
	if hold.Remaining().IsZero() {
		hold.Status = models.EscrowStatusReleased
	}
	hold.ReleasedAt = timePtr(now)
	hold.ReleasedBy = actor.ID
	hold.ReleaseReason = reason

	metrics.EscrowOperations.WithLabelValues(string(hold.Status)).Inc()
	log.WithFields(log.Fields{
		"escrow_id": hold.ID,
		"order_id":  hold.OrderID,
		"amount":    release.String(),
		"remaining": hold.Remaining().String(),
		"status":    hold.Status,
		"actor":     actor.ID,
	}).Info("Escrow released")
	return release, nil
}

func escrowNote(o *models.Order, amount decimal.Decimal) notify.Notification {
	n := orderNote(o.SellerID, notify.TypeEscrowReleased, "Funds released",
		"Funds for order "+o.OrderNumber+" were released to you.", o)
	n.Metadata["amount"] = amount.String()
	n.Metadata["currency"] = o.Currency
	return n
}

// ReleaseEscrow releases part or all of a hold to the seller. The buyer or
// an operator may release; a disputed hold cannot be released.
func (s *Service) ReleaseEscrow(ctx context.Context, actor Actor, escrowID string, req models.ReleaseEscrowRequest) (*models.EscrowHold, error) {
	var result models.EscrowHold
	var notes []notify.Notification
	err := s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		hold, err := tx.LockEscrow(escrowID)
		if err != nil {
			return err
		}
		o, err := tx.LockOrder(hold.OrderID)
		if err != nil {
			return err
		}
		if err := requireBuyer(actor, o); err != nil {
			return err
		}
		released, err := s.releaseHold(hold, req.Amount, req.Reason, actor)
		if err != nil {
			return err
		}
		if err := tx.SaveEscrow(hold); err != nil {
			return err
		}
		notes = []notify.Notification{escrowNote(o, released)}
		result = *hold
		return nil
	})
	if err != nil {
		return nil, err
	}
	notify.Send(ctx, s.notifier, notes...)
	return &result, nil
}

// DisputeEscrow freezes a hold so nothing is released until it is resolved.
func (s *Service) DisputeEscrow(ctx context.Context, actor Actor, escrowID string, req models.DisputeEscrowRequest) (*models.EscrowHold, error) {
	var result models.EscrowHold
	err := s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		hold, err := tx.LockEscrow(escrowID)
		if err != nil {
			return err
		}
		o, err := tx.LockOrder(hold.OrderID)
		if err != nil {
			return err
		}
		if err := requireParty(actor, o); err != nil {
			return err
		}
		if err := s.freezeHold(hold, req.Reason); err != nil {
			return err
		}
		if err := tx.SaveEscrow(hold); err != nil {
			return err
		}
		result = *hold
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Service) freezeHold(hold *models.EscrowHold, reason string) error {
	if !hold.Status.Releasable() {
		return apperr.Transition("escrow", string(hold.Status), string(models.EscrowStatusDisputed))
	}
	hold.Status = models.EscrowStatusDisputed
	hold.DisputeReason = reason
	hold.DisputedAt = timePtr(s.clock())

	metrics.EscrowOperations.WithLabelValues("dispute").Inc()
	log.WithFields(log.Fields{
		"escrow_id": hold.ID,
		"order_id":  hold.OrderID,
		"reason":    reason,
	}).Info("Escrow disputed")
	return nil
}

// SweepReport summarises a ReleaseDueEscrows run
type SweepReport struct {
	Released int `json:"released"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// ReleaseDueEscrows releases holds whose auto-release deadline passed. It is
// the entry point for an external scheduler and assumes nothing about how
// often it runs. Holds for orders that were never delivered are skipped;
// a delivered order is completed along with the release.
func (s *Service) ReleaseDueEscrows(ctx context.Context, now time.Time, limit int) (SweepReport, error) {
	var report SweepReport
	ids, err := s.store.DueEscrowIDs(ctx, now, limit)
	if err != nil {
		return report, err
	}

	for _, id := range ids {
		released, notes, err := s.releaseDue(ctx, id, now)
		switch {
		case err != nil:
			report.Failed++
			log.WithField("escrow_id", id).WithError(err).Error("Failed to auto-release escrow")
		case released:
			report.Released++
			notify.Send(ctx, s.notifier, notes...)
		default:
			report.Skipped++
		}
	}

	log.WithFields(log.Fields{
		"released": report.Released,
		"skipped":  report.Skipped,
		"failed":   report.Failed,
	}).Info("Escrow sweep finished")
	return report, nil
}

func (s *Service) releaseDue(ctx context.Context, escrowID string, now time.Time) (bool, []notify.Notification, error) {
	var released bool
	var notes []notify.Notification
	err := s.store.WithTx(ctx, func(tx *ledger.Tx) error {
		released, notes = false, nil
		hold, err := tx.LockEscrow(escrowID)
		if err != nil {
			return err
		}
		// re-check under the lock; a dispute may have landed since listing
		if !hold.Status.Releasable() || hold.AutoReleaseAt.After(now) {
			return nil
		}
		o, err := tx.LockOrder(hold.OrderID)
		if err != nil {
			return err
		}

		switch o.Status {
		case models.OrderStatusDelivered:
			notes, err = s.completeTx(tx, o, System, "auto release")
			released = err == nil
			return err
		case models.OrderStatusCompleted:
			amount, err := s.releaseHold(hold, nil, "auto release", System)
			if err != nil {
				return err
			}
			notes = []notify.Notification{escrowNote(o, amount)}
			released = true
			return tx.SaveEscrow(hold)
		default:
			log.WithFields(log.Fields{
				"escrow_id":    hold.ID,
				"order_id":     o.ID,
				"order_status": o.Status,
			}).Info("Escrow due but order not delivered, skipping")
			return nil
		}
	})
	return released, notes, err
}
