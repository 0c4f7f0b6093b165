package exchange

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/growswap/pkg/app/core/apperr"
	"github.com/uhyunpark/growswap/pkg/app/core/asset"
	"github.com/uhyunpark/growswap/pkg/app/core/audit"
	"github.com/uhyunpark/growswap/pkg/app/core/ledger"
	"github.com/uhyunpark/growswap/pkg/app/core/lock"
	"github.com/uhyunpark/growswap/pkg/app/core/offer"
	"github.com/uhyunpark/growswap/pkg/storage"
)

// Accept settles offerID with acceptor as buyer.
//
// The acceptor bundle must match the offer's requested bundle exactly; an
// empty bundle means "what was requested". Checks run in this order and
// none of them writes anything:
//
//  1. offer exists (NOT_FOUND) and is active (NOT_ACTIVE); a due offer is
//     expired, the expiry committed, and EXPIRED returned
//  2. acceptor is not the creator (SELF_TRADE)
//  3. acceptor owns every requested item, none of them locked, and has
//     enough available tokens (NOT_OWNER / ALREADY_LOCKED / INSUFFICIENT_FUNDS)
//
// Settlement then happens in the same transaction: offer -> completed (only
// if still active), locks released, offered assets creator -> acceptor,
// requested assets acceptor -> creator, exchange record appended. Any failure
// aborts the whole transaction.
func (e *Engine) Accept(ctx context.Context, offerID string, acceptor common.Address, bundle asset.Bundle) (rec *audit.Record, err error) {
	start := time.Now()
	defer func() { e.observe("accept", start, err) }()

	if err := bundle.Validate(); err != nil {
		return nil, err
	}

	var (
		settled *offer.Offer
		expired *offer.Offer
	)
	recordID := e.newID()
	err = e.update(ctx, "accept", func(tx storage.Txn) error {
		rec, settled, expired = nil, nil, nil
		now := e.clock.Now()

		o, err := offer.Get(tx, offerID)
		if err != nil {
			return err
		}
		if o.Status != offer.StatusActive {
			return apperr.New(apperr.CodeNotActive, "offer %s is %s", offerID, o.Status)
		}
		if o.IsDue(now) {
			expired, err = expireTx(tx, offerID, now)
			return err
		}
		if acceptor == o.Creator {
			return apperr.New(apperr.CodeSelfTrade, "%s created offer %s", acceptor.Hex(), offerID)
		}
		if !bundle.IsEmpty() && !bundle.Equal(o.Requested) {
			return apperr.Invalid("acceptor bundle does not match the requested bundle")
		}
		if err := checkHoldings(tx, acceptor, o.Requested); err != nil {
			return err
		}

		settled, err = closeTx(tx, offerID, offer.StatusCompleted, now)
		if err != nil {
			return err
		}
		if err := move(tx, o.Offered, o.Creator, acceptor); err != nil {
			return err
		}
		if err := move(tx, o.Requested, acceptor, o.Creator); err != nil {
			return err
		}
		rec = &audit.Record{
			ID:         recordID,
			OfferID:    offerID,
			Seller:     o.Creator,
			Buyer:      acceptor,
			SellerGave: o.Offered,
			BuyerGave:  o.Requested,
			SettledAt:  now,
		}
		return audit.Append(tx, rec)
	})
	if err != nil {
		return nil, err
	}
	if expired != nil {
		e.expiredAfterCommit(expired, "accept")
		return nil, apperr.New(apperr.CodeExpired, "offer %s expired at %s", offerID, expired.ExpiresAt.Format(time.RFC3339))
	}

	if e.sink != nil {
		if err := e.sink.Append(audit.EventExchangeSettled, rec); err != nil {
			e.log.Errorw("audit_sink_failed", "record_id", rec.ID, "offer_id", offerID, "err", err)
		}
	}
	e.log.Infow("offer_accepted",
		"offer_id", offerID,
		"record_id", rec.ID,
		"seller", rec.Seller.Hex(),
		"buyer", rec.Buyer.Hex(),
		"seller_tokens", rec.SellerGave.Tokens(),
		"buyer_tokens", rec.BuyerGave.Tokens(),
	)
	e.emit(Event{Type: EventOfferCompleted, Offer: settled, Record: rec})
	return rec, nil
}

// checkHoldings verifies that who can hand over b right now.
func checkHoldings(r storage.Reader, who common.Address, b asset.Bundle) error {
	for _, id := range b.Items() {
		it, err := ledger.GetItem(r, id)
		if err != nil {
			if apperr.CodeOf(err) == apperr.CodeNotFound {
				return apperr.New(apperr.CodeNotOwner, "item %s does not exist", id)
			}
			return err
		}
		if it.Owner != who {
			return apperr.New(apperr.CodeNotOwner, "item %s is not owned by %s", id, who.Hex())
		}
		if held, found, err := lock.Holder(r, id); err != nil {
			return err
		} else if found {
			return apperr.New(apperr.CodeAlreadyLocked, "item %s is reserved by offer %s", id, held.OfferID)
		}
	}
	if need := b.Tokens(); need > 0 {
		o, err := ledger.GetOwner(r, who)
		if err != nil {
			return err
		}
		if o.Available() < need {
			return apperr.New(apperr.CodeInsufficientFunds,
				"%s has %d available, needs %d", who.Hex(), o.Available(), need)
		}
	}
	return nil
}

func move(tx storage.Txn, b asset.Bundle, from, to common.Address) error {
	for _, id := range b.Items() {
		if err := ledger.Transfer(tx, id, from, to); err != nil {
			return err
		}
	}
	return ledger.TransferTokens(tx, b.Tokens(), from, to)
}
