// Package ledger is the inventory ledger: per-owner token balances and the
// current owner of every item. Ownership and balances change only through the
// functions here, always inside a caller-supplied store transaction, so each
// operation is atomic and serializable with everything else in that
// transaction. The ledger does not log; callers record history.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/growswap/pkg/app/core/apperr"
	"github.com/uhyunpark/growswap/pkg/app/core/asset"
	"github.com/uhyunpark/growswap/pkg/storage"
)

// Owner is an account holding items and a token balance.
// Reserved is the running sum of the owner's token locks.
type Owner struct {
	ID       common.Address `json:"id"`
	Balance  int64          `json:"balance"`
	Reserved int64          `json:"reserved"`
}

// Available returns tokens not backing an open offer
// Formula: Balance - Reserved
func (o *Owner) Available() int64 {
	return o.Balance - o.Reserved
}

// Validate checks owner invariants
func (o *Owner) Validate() error {
	if o.Balance < 0 {
		return fmt.Errorf("negative balance: %d", o.Balance)
	}
	if o.Reserved < 0 {
		return fmt.Errorf("negative reserved: %d", o.Reserved)
	}
	if o.Reserved > o.Balance {
		return fmt.Errorf("reserved (%d) exceeds balance (%d)", o.Reserved, o.Balance)
	}
	return nil
}

// Item is a discrete, uniquely-owned asset. Locking an item never changes Owner.
type Item struct {
	ID       string         `json:"id"`
	Kind     asset.ItemKind `json:"kind"`
	Owner    common.Address `json:"owner"`
	StrainID string         `json:"strain_id,omitempty"`
	Name     string         `json:"name,omitempty"`
}

// GetOwner loads an owner. Unknown owners are returned with zero balance.
func GetOwner(r storage.Reader, id common.Address) (*Owner, error) {
	o := &Owner{ID: id}
	if _, err := storage.GetJSON(r, storage.OwnerKey(id), o); err != nil {
		return nil, fmt.Errorf("load owner %s: %w", id.Hex(), err)
	}
	return o, nil
}

func putOwner(tx storage.Txn, o *Owner) error {
	if err := o.Validate(); err != nil {
		return fmt.Errorf("owner %s: %w", o.ID.Hex(), err)
	}
	return storage.PutJSON(tx, storage.OwnerKey(o.ID), o)
}

// GetItem loads an item, failing NOT_FOUND if it does not exist.
func GetItem(r storage.Reader, itemID string) (*Item, error) {
	var it Item
	found, err := storage.GetJSON(r, storage.ItemKey(itemID), &it)
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", itemID, err)
	}
	if !found {
		return nil, apperr.New(apperr.CodeNotFound, "item %s not found", itemID)
	}
	return &it, nil
}

// Deposit credits tokens to an owner.
func Deposit(tx storage.Txn, id common.Address, amount int64) error {
	if amount <= 0 {
		return apperr.Invalid("deposit amount must be positive: %d", amount)
	}
	o, err := GetOwner(tx, id)
	if err != nil {
		return err
	}
	o.Balance += amount
	return putOwner(tx, o)
}

// Grant creates a new item owned by it.Owner. Item ids are never reused.
func Grant(tx storage.Txn, it Item) error {
	if it.ID == "" {
		return apperr.Invalid("item id is required")
	}
	if _, err := asset.ParseItemKind(string(it.Kind)); err != nil {
		return err
	}
	if err := storage.InsertJSON(tx, storage.ItemKey(it.ID), &it); err != nil {
		if errors.Is(err, storage.ErrKeyExists) {
			return apperr.Invalid("item %s already exists", it.ID)
		}
		return err
	}
	return tx.Set(storage.InventoryKey(it.Owner, it.ID), nil)
}

// Transfer moves an item between owners
// Fails NOT_OWNER if the item's current owner is not from
func Transfer(tx storage.Txn, itemID string, from, to common.Address) error {
	it, err := GetItem(tx, itemID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.New(apperr.CodeNotOwner, "item %s does not exist", itemID)
		}
		return err
	}
	if it.Owner != from {
		return apperr.New(apperr.CodeNotOwner, "item %s is not owned by %s", itemID, from.Hex())
	}
	if from == to {
		return nil
	}
	it.Owner = to
	if err := storage.PutJSON(tx, storage.ItemKey(itemID), it); err != nil {
		return err
	}
	if err := tx.Delete(storage.InventoryKey(from, itemID)); err != nil {
		return err
	}
	return tx.Set(storage.InventoryKey(to, itemID), nil)
}

// TransferTokens moves tokens between owners
// Fails INSUFFICIENT_FUNDS if from.Balance - from.Reserved < amount
func TransferTokens(tx storage.Txn, amount int64, from, to common.Address) error {
	if amount < 0 {
		return apperr.Invalid("token amount must not be negative: %d", amount)
	}
	if amount == 0 || from == to {
		return nil
	}
	src, err := GetOwner(tx, from)
	if err != nil {
		return err
	}
	if src.Available() < amount {
		return apperr.New(apperr.CodeInsufficientFunds,
			"%s has %d available, needs %d (reserved: %d)", from.Hex(), src.Available(), amount, src.Reserved)
	}
	dst, err := GetOwner(tx, to)
	if err != nil {
		return err
	}
	src.Balance -= amount
	dst.Balance += amount
	if err := putOwner(tx, src); err != nil {
		return err
	}
	return putOwner(tx, dst)
}

// Reserve earmarks tokens for an open offer
// Fails INSUFFICIENT_FUNDS if available < amount
func Reserve(tx storage.Txn, id common.Address, amount int64) error {
	if amount <= 0 {
		return apperr.Invalid("reserve amount must be positive: %d", amount)
	}
	o, err := GetOwner(tx, id)
	if err != nil {
		return err
	}
	if o.Available() < amount {
		return apperr.New(apperr.CodeInsufficientFunds,
			"%s has %d available, needs %d", id.Hex(), o.Available(), amount)
	}
	o.Reserved += amount
	return putOwner(tx, o)
}

// Unreserve returns earmarked tokens to the available balance.
func Unreserve(tx storage.Txn, id common.Address, amount int64) error {
	if amount <= 0 {
		return nil
	}
	o, err := GetOwner(tx, id)
	if err != nil {
		return err
	}
	if o.Reserved < amount {
		return fmt.Errorf("unreserve %d from %s: only %d reserved", amount, id.Hex(), o.Reserved)
	}
	o.Reserved -= amount
	return putOwner(tx, o)
}

// Inventory lists the items currently owned by id, ordered by item id.
func Inventory(r storage.Reader, id common.Address) ([]Item, error) {
	var ids []string
	err := r.Scan(storage.PrefixRange(storage.InventoryPrefix(id)), func(key, _ []byte) error {
		ids = append(ids, storage.ItemIDFromInventoryKey(id, key))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan inventory of %s: %w", id.Hex(), err)
	}

	items := make([]Item, 0, len(ids))
	for _, itemID := range ids {
		it, err := GetItem(r, itemID)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, nil
}

// Seed is an initial allocation applied at startup.
type Seed struct {
	Owners []SeedOwner `json:"owners"`
	Items  []Item      `json:"items"`
}

type SeedOwner struct {
	ID      common.Address `json:"id"`
	Balance int64          `json:"balance"`
}

// LoadSeed reads a seed file in the JSON form of Seed.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var s Seed
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	for _, it := range s.Items {
		if it.ID == "" || it.Kind == "" {
			return nil, fmt.Errorf("seed item %q: id and kind are required", it.ID)
		}
	}
	return &s, nil
}

// ApplySeed deposits balances and grants items once. A marker key records
// that the seed ran, so later starts leave the ledger untouched.
func ApplySeed(tx storage.Txn, s *Seed) (applied bool, err error) {
	_, done, err := tx.Get(storage.SeedMarkerKey())
	if err != nil || done {
		return false, err
	}
	for _, o := range s.Owners {
		if o.Balance <= 0 {
			continue
		}
		if err := Deposit(tx, o.ID, o.Balance); err != nil {
			return false, fmt.Errorf("deposit to %s: %w", o.ID.Hex(), err)
		}
	}
	for _, it := range s.Items {
		if err := Grant(tx, it); err != nil {
			return false, fmt.Errorf("grant %s: %w", it.ID, err)
		}
	}
	if err := tx.Set(storage.SeedMarkerKey(), []byte("1")); err != nil {
		return false, err
	}
	return true, nil
}
