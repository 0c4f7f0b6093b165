package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/growswap/pkg/app/core/apperr"
	"github.com/uhyunpark/growswap/pkg/app/core/asset"
	"github.com/uhyunpark/growswap/pkg/app/core/lock"
	"github.com/uhyunpark/growswap/pkg/app/core/offer"
	"github.com/uhyunpark/growswap/pkg/storage"
)

// CreateParams describes a new offer.
type CreateParams struct {
	Creator     common.Address
	Offered     asset.Bundle
	Requested   asset.Bundle
	TTL         *time.Duration // nil selects Config.DefaultTTL; zero expires immediately
	Visibility  offer.Visibility
	Description string

	priorOfferID string
}

func (e *Engine) resolveTTL(ttl *time.Duration) (time.Duration, error) {
	if ttl == nil {
		return e.cfg.DefaultTTL, nil
	}
	if *ttl < 0 {
		return 0, apperr.Invalid("ttl must not be negative")
	}
	if e.cfg.MaxTTL > 0 && *ttl > e.cfg.MaxTTL {
		return 0, apperr.Invalid("ttl exceeds maximum of %s", e.cfg.MaxTTL)
	}
	return *ttl, nil
}

// Create verifies that the creator holds every offered asset and that none is
// locked, then stores the offer and all its locks in one transaction. If any
// asset is unavailable nothing is persisted.
func (e *Engine) Create(ctx context.Context, p CreateParams) (o *offer.Offer, err error) {
	start := time.Now()
	defer func() { e.observe("create", start, err) }()

	ttl, err := e.resolveTTL(p.TTL)
	if err != nil {
		return nil, err
	}
	vis, err := offer.ParseVisibility(string(p.Visibility))
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	o = &offer.Offer{
		ID:           e.newID(),
		Creator:      p.Creator,
		Offered:      p.Offered.Normalize(),
		Requested:    p.Requested.Normalize(),
		Status:       offer.StatusActive,
		Visibility:   vis,
		Description:  p.Description,
		PriorOfferID: p.priorOfferID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
	// Normalize merges duplicates away, so check the bundles as submitted.
	if err := p.Offered.Validate(); err != nil {
		return nil, err
	}
	if err := p.Requested.Validate(); err != nil {
		return nil, err
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	err = e.update(ctx, "create", func(tx storage.Txn) error {
		for _, a := range o.Offered {
			if err := lock.Acquire(tx, o.Creator, a, o.ID, now); err != nil {
				return err
			}
		}
		return offer.Insert(tx, o)
	})
	if err != nil {
		return nil, err
	}

	e.log.Infow("offer_created",
		"offer_id", o.ID,
		"creator", o.Creator.Hex(),
		"offered", len(o.Offered),
		"requested", len(o.Requested),
		"expires_at", o.ExpiresAt,
		"visibility", o.Visibility,
	)
	e.emit(Event{Type: EventOfferCreated, Offer: o})
	return o, nil
}

// Cancel closes an active offer on behalf of its creator and releases its
// locks. A second cancel fails NOT_ACTIVE.
func (e *Engine) Cancel(ctx context.Context, caller common.Address, offerID string) (err error) {
	start := time.Now()
	defer func() { e.observe("cancel", start, err) }()

	var (
		closed  *offer.Offer
		expired bool
	)
	err = e.update(ctx, "cancel", func(tx storage.Txn) error {
		closed, expired = nil, false
		now := e.clock.Now()

		o, err := offer.Get(tx, offerID)
		if err != nil {
			return err
		}
		if o.Creator != caller {
			return apperr.New(apperr.CodeNotCreator, "offer %s was not created by %s", offerID, caller.Hex())
		}
		if o.Status != offer.StatusActive {
			return apperr.New(apperr.CodeNotActive, "offer %s is %s", offerID, o.Status)
		}
		if o.IsDue(now) {
			closed, err = expireTx(tx, offerID, now)
			expired = err == nil
			return err
		}
		closed, err = closeTx(tx, offerID, offer.StatusCancelled, now)
		return err
	})
	if err != nil {
		return err
	}
	if expired {
		e.expiredAfterCommit(closed, "cancel")
		return apperr.New(apperr.CodeExpired, "offer %s expired at %s", offerID, closed.ExpiresAt.Format(time.RFC3339))
	}

	e.log.Infow("offer_cancelled", "offer_id", offerID, "creator", caller.Hex())
	e.emit(Event{Type: EventOfferCancelled, Offer: closed})
	return nil
}

// Counter answers priorID with a new offer that references it. When the
// caller created priorID it is cancelled first, in its own transaction;
// otherwise priorID must still be active and is only referenced.
func (e *Engine) Counter(ctx context.Context, priorID string, p CreateParams) (*offer.Offer, error) {
	prior, err := e.GetOffer(ctx, priorID)
	if err != nil {
		return nil, err
	}
	if prior.Creator == p.Creator {
		if err := e.Cancel(ctx, p.Creator, priorID); err != nil {
			return nil, err
		}
	} else if prior.Status != offer.StatusActive {
		return nil, apperr.New(apperr.CodeNotActive, "offer %s is %s", priorID, prior.Status)
	}

	p.priorOfferID = priorID
	o, err := e.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	e.log.Infow("offer_countered", "prior_offer_id", priorID, "offer_id", o.ID, "creator", p.Creator.Hex())
	return o, nil
}

// GetOffer returns the offer, expiring it first if it is due.
func (e *Engine) GetOffer(ctx context.Context, offerID string) (*offer.Offer, error) {
	var o *offer.Offer
	err := e.view(ctx, func(r storage.Reader) error {
		var err error
		o, err = offer.Get(r, offerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !o.IsDue(e.clock.Now()) {
		return o, nil
	}

	expired, _, err := e.expireIfDue(ctx, offerID, "read")
	if err != nil {
		return nil, err
	}
	if expired != nil {
		return expired, nil
	}
	// someone else closed it first; reload
	err = e.view(ctx, func(r storage.Reader) error {
		var err error
		o, err = offer.Get(r, offerID)
		return err
	})
	return o, err
}

// ExpireIfDue expires offerID if it is active and past its expiry. It reports
// whether this call performed the transition.
func (e *Engine) ExpireIfDue(ctx context.Context, offerID string) (bool, error) {
	_, done, err := e.expireIfDue(ctx, offerID, "explicit")
	return done, err
}

func (e *Engine) expireIfDue(ctx context.Context, offerID, path string) (*offer.Offer, bool, error) {
	var closed *offer.Offer
	err := e.update(ctx, "expire", func(tx storage.Txn) error {
		closed = nil
		now := e.clock.Now()
		o, err := offer.Get(tx, offerID)
		if err != nil {
			return err
		}
		if !o.IsDue(now) {
			return nil
		}
		closed, err = expireTx(tx, offerID, now)
		return err
	})
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if closed == nil {
		return nil, false, nil
	}
	e.expiredAfterCommit(closed, path)
	return closed, true, nil
}

// expireTx is the single expiry transition shared by every path that can
// observe a due offer: the sweeper, reads, accept and cancel.
func expireTx(tx storage.Txn, offerID string, now time.Time) (*offer.Offer, error) {
	return closeTx(tx, offerID, offer.StatusExpired, now)
}

// closeTx moves an active offer to a terminal status and releases its locks.
func closeTx(tx storage.Txn, offerID string, to offer.Status, now time.Time) (*offer.Offer, error) {
	o, err := offer.Transition(tx, offerID, to, now)
	if err != nil {
		return nil, err
	}
	if _, err := lock.Release(tx, offerID); err != nil {
		return nil, err
	}
	return o, nil
}

func (e *Engine) expiredAfterCommit(o *offer.Offer, path string) {
	e.metrics.expired(path)
	e.log.Infow("offer_expired", "offer_id", o.ID, "creator", o.Creator.Hex(), "path", path, "expires_at", o.ExpiresAt)
	e.emit(Event{Type: EventOfferExpired, Offer: o})
}
