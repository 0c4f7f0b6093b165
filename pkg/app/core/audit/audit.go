// Package audit is the append-only log of settled exchanges. Records are
// written in the same transaction as the settlement they describe and are
// never updated.
package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/growswap/pkg/app/core/asset"
	"github.com/uhyunpark/growswap/pkg/storage"
)

// Record describes one settlement. Seller is the offer's creator.
type Record struct {
	ID         string         `json:"id"`
	OfferID    string         `json:"offer_id"`
	Seller     common.Address `json:"seller"`
	Buyer      common.Address `json:"buyer"`
	SellerGave asset.Bundle   `json:"seller_gave"`
	BuyerGave  asset.Bundle   `json:"buyer_gave"`
	SettledAt  time.Time      `json:"settled_at"`
}

// Append stores rec and indexes it under both parties.
func Append(tx storage.Txn, rec *Record) error {
	if err := storage.InsertJSON(tx, storage.RecordKey(rec.ID), rec); err != nil {
		if errors.Is(err, storage.ErrKeyExists) {
			return fmt.Errorf("exchange record %s already exists: %w", rec.ID, err)
		}
		return err
	}
	if err := tx.Set(storage.HistoryKey(rec.Seller, rec.ID), nil); err != nil {
		return err
	}
	return tx.Set(storage.HistoryKey(rec.Buyer, rec.ID), nil)
}

func Get(r storage.Reader, id string) (*Record, bool, error) {
	var rec Record
	found, err := storage.GetJSON(r, storage.RecordKey(id), &rec)
	if err != nil || !found {
		return nil, false, err
	}
	return &rec, true, nil
}

// Entry is a record as seen by one of its parties.
type Entry struct {
	Record
	WasSeller bool `json:"was_seller"`
}

// History returns owner's records newest first, starting strictly before
// cursor (a record id). next is the cursor for the following page, empty when
// there are no more records.
func History(r storage.Reader, owner common.Address, cursor string, limit int) (entries []Entry, next string, err error) {
	if limit <= 0 {
		return nil, "", fmt.Errorf("history limit must be positive: %d", limit)
	}
	prefix := storage.HistoryPrefix(owner)
	rng := storage.Range{Lower: prefix, Upper: storage.KeyUpperBound(prefix), Reverse: true}
	if cursor != "" {
		rng.Upper = storage.HistoryKey(owner, cursor)
	}

	var ids []string
	err = r.Scan(rng, func(key, _ []byte) error {
		ids = append(ids, storage.RecordIDFromHistoryKey(owner, key))
		if len(ids) > limit {
			return storage.ErrStopScan
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("scan history of %s: %w", owner.Hex(), err)
	}
	if len(ids) > limit {
		ids = ids[:limit]
		next = ids[len(ids)-1]
	}

	entries = make([]Entry, 0, len(ids))
	for _, id := range ids {
		rec, found, err := Get(r, id)
		if err != nil {
			return nil, "", err
		}
		if !found {
			return nil, "", fmt.Errorf("history of %s references missing record %s", owner.Hex(), id)
		}
		entries = append(entries, Entry{Record: *rec, WasSeller: rec.Seller == owner})
	}
	return entries, next, nil
}

// Sink receives a copy of each committed record, e.g. storage.FileWAL.
type Sink interface {
	Append(event string, data any) error
}

const EventExchangeSettled = "exchange_settled"
