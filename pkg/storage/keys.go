package storage

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema
//
//   own:{address}                   → Owner (balance, reserved)
//   item:{itemID}                   → Item (kind, current owner)
//   inv:{address}:{itemID}          → inventory index (empty value)
//   lk:item:{itemID}                → item lock, at most one per item
//   lk:tok:{offerID}                → token lock of an offer
//   lk:off:{offerID}:{lockKey}      → per-offer lock index
//   ofr:{offerID}                   → Offer
//   exp:{unixnano}:{offerID}        → expiry index of active offers
//   xr:{recordID}                   → Exchange record
//   hist:{address}:{recordID}       → history index per owner
//   meta:seed                       → set once the genesis seed is applied
//
// Offer and record ids are UUIDv7 strings, so lexicographic order is creation
// order. Timestamps are zero-padded (20 digits) for lexicographic sorting.

const (
	prefixOwner     = "own:"
	prefixItem      = "item:"
	prefixInventory = "inv:"
	prefixItemLock  = "lk:item:"
	prefixTokenLock = "lk:tok:"
	prefixOfferLock = "lk:off:"
	prefixOffer     = "ofr:"
	prefixExpiry    = "exp:"
	prefixRecord    = "xr:"
	prefixHistory   = "hist:"

	keySeedMarker = "meta:seed"
)

func OwnerKey(addr common.Address) []byte {
	return []byte(prefixOwner + addr.Hex())
}

func ItemKey(itemID string) []byte {
	return []byte(prefixItem + itemID)
}

func InventoryKey(addr common.Address, itemID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixInventory, addr.Hex(), itemID))
}

// InventoryPrefix covers every item index entry of an owner.
func InventoryPrefix(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixInventory, addr.Hex()))
}

// ItemIDFromInventoryKey is the inverse of InventoryKey.
func ItemIDFromInventoryKey(addr common.Address, key []byte) string {
	return string(key[len(InventoryPrefix(addr)):])
}

func ItemLockKey(itemID string) []byte {
	return []byte(prefixItemLock + itemID)
}

func TokenLockKey(offerID string) []byte {
	return []byte(prefixTokenLock + offerID)
}

func OfferLockIndexKey(offerID string, lockKey []byte) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOfferLock, offerID, lockKey))
}

func OfferLockPrefix(offerID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOfferLock, offerID))
}

func OfferKey(offerID string) []byte {
	return []byte(prefixOffer + offerID)
}

func OfferPrefix() []byte {
	return []byte(prefixOffer)
}

// OfferIDFromKey is the inverse of OfferKey.
func OfferIDFromKey(key []byte) string {
	return string(key[len(prefixOffer):])
}

func ExpiryKey(at time.Time, offerID string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixExpiry, at.UnixNano(), offerID))
}

// ExpiryRange covers index entries expiring at or before t.
func ExpiryRange(t time.Time) Range {
	return Range{
		Lower: []byte(prefixExpiry),
		Upper: []byte(fmt.Sprintf("%s%020d;", prefixExpiry, t.UnixNano())),
	}
}

// OfferIDFromExpiryKey is the inverse of ExpiryKey.
func OfferIDFromExpiryKey(key []byte) string {
	// "exp:" + 20 digits + ":"
	const head = len(prefixExpiry) + 20 + 1
	if len(key) <= head {
		return ""
	}
	return string(key[head:])
}

func RecordKey(recordID string) []byte {
	return []byte(prefixRecord + recordID)
}

func HistoryKey(addr common.Address, recordID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixHistory, addr.Hex(), recordID))
}

func HistoryPrefix(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixHistory, addr.Hex()))
}

// RecordIDFromHistoryKey is the inverse of HistoryKey.
func RecordIDFromHistoryKey(addr common.Address, key []byte) string {
	return string(key[len(HistoryPrefix(addr)):])
}

// KeyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "inv:0x123:" -> upper bound "inv:0x123;" (next byte after ':')
func KeyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func SeedMarkerKey() []byte {
	return []byte(keySeedMarker)
}
