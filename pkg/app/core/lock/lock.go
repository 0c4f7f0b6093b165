// Package lock is the item lock table. A lock reserves one offered asset for
// one open offer. Item locks are written with a uniqueness-enforcing insert,
// so at most one lock per item can ever be committed. Token locks are one
// record per offer and are mirrored into the owner's reserved total.
package lock

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/growswap/pkg/app/core/apperr"
	"github.com/uhyunpark/growswap/pkg/app/core/asset"
	"github.com/uhyunpark/growswap/pkg/app/core/ledger"
	"github.com/uhyunpark/growswap/pkg/storage"
)

type Lock struct {
	Owner     common.Address `json:"owner"`
	Asset     asset.Asset    `json:"asset"`
	OfferID   string         `json:"offer_id"`
	CreatedAt time.Time      `json:"created_at"`
}

// Acquire verifies that owner holds a and that it is free, then locks it for
// offerID. The availability read and the lock write happen in tx.
//   - item: NOT_OWNER if owner does not hold it, ALREADY_LOCKED if locked
//   - tokens: INSUFFICIENT_FUNDS if owner's available balance is too low
func Acquire(tx storage.Txn, owner common.Address, a asset.Asset, offerID string, now time.Time) error {
	if err := a.Validate(); err != nil {
		return err
	}
	l := Lock{Owner: owner, Asset: a, OfferID: offerID, CreatedAt: now}

	var key []byte
	switch a.Kind {
	case asset.KindItem:
		it, err := ledger.GetItem(tx, a.ItemID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return apperr.New(apperr.CodeNotOwner, "item %s does not exist", a.ItemID)
			}
			return err
		}
		if it.Owner != owner {
			return apperr.New(apperr.CodeNotOwner, "item %s is not owned by %s", a.ItemID, owner.Hex())
		}
		key = storage.ItemLockKey(a.ItemID)
		if err := storage.InsertJSON(tx, key, &l); err != nil {
			if errors.Is(err, storage.ErrKeyExists) {
				return apperr.New(apperr.CodeAlreadyLocked, "item %s is locked by another offer", a.ItemID)
			}
			return err
		}

	case asset.KindTokens:
		if err := ledger.Reserve(tx, owner, a.Amount); err != nil {
			return err
		}
		key = storage.TokenLockKey(offerID)
		var prev Lock
		found, err := storage.GetJSON(tx, key, &prev)
		if err != nil {
			return err
		}
		if found {
			l.Asset.Amount += prev.Asset.Amount
		}
		if err := storage.PutJSON(tx, key, &l); err != nil {
			return err
		}
	}

	return tx.Set(storage.OfferLockIndexKey(offerID, key), nil)
}

// Release removes every lock held by offerID and returns reserved tokens to
// the owner. Releasing an offer with no locks is a no-op.
func Release(tx storage.Txn, offerID string) (int, error) {
	prefix := storage.OfferLockPrefix(offerID)
	var indexKeys [][]byte
	err := tx.Scan(storage.PrefixRange(prefix), func(key, _ []byte) error {
		indexKeys = append(indexKeys, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan locks of offer %s: %w", offerID, err)
	}

	released := 0
	for _, ik := range indexKeys {
		lockKey := ik[len(prefix):]
		var l Lock
		found, err := storage.GetJSON(tx, lockKey, &l)
		if err != nil {
			return released, err
		}
		// the index entry is dropped either way
		if found && l.OfferID == offerID {
			if l.Asset.IsTokens() {
				if err := ledger.Unreserve(tx, l.Owner, l.Asset.Amount); err != nil {
					return released, err
				}
			}
			if err := tx.Delete(lockKey); err != nil {
				return released, err
			}
			released++
		}
		if err := tx.Delete(ik); err != nil {
			return released, err
		}
	}
	return released, nil
}

// Holder returns the lock on itemID, if any.
func Holder(r storage.Reader, itemID string) (*Lock, bool, error) {
	var l Lock
	found, err := storage.GetJSON(r, storage.ItemLockKey(itemID), &l)
	if err != nil || !found {
		return nil, false, err
	}
	return &l, true, nil
}

// IsLocked reports whether itemID is reserved by any open offer.
func IsLocked(r storage.Reader, itemID string) (bool, error) {
	_, found, err := Holder(r, itemID)
	return found, err
}

// ForOffer lists the locks held by offerID.
func ForOffer(r storage.Reader, offerID string) ([]Lock, error) {
	prefix := storage.OfferLockPrefix(offerID)
	var locks []Lock
	err := r.Scan(storage.PrefixRange(prefix), func(key, _ []byte) error {
		var l Lock
		found, err := storage.GetJSON(r, key[len(prefix):], &l)
		if err != nil {
			return err
		}
		if found {
			locks = append(locks, l)
		}
		return nil
	})
	return locks, err
}
