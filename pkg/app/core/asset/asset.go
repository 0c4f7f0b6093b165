// Package asset models what an offer moves: a bundle of discrete items plus
// fungible tokens. Asset is a tagged union; unknown tags are rejected when
// decoding.
package asset

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/uhyunpark/growswap/pkg/app/core/apperr"
)

type Kind string

const (
	KindItem   Kind = "item"
	KindTokens Kind = "tokens"
)

// Asset is either an item reference (Kind=item, ItemID set) or a token
// amount (Kind=tokens, Amount > 0).
type Asset struct {
	Kind   Kind   `json:"kind"`
	ItemID string `json:"item_id,omitempty"`
	Amount int64  `json:"amount,omitempty"`
}

func Item(id string) Asset     { return Asset{Kind: KindItem, ItemID: id} }
func Tokens(amount int64) Asset { return Asset{Kind: KindTokens, Amount: amount} }

func (a Asset) IsItem() bool   { return a.Kind == KindItem }
func (a Asset) IsTokens() bool { return a.Kind == KindTokens }

func (a Asset) String() string {
	if a.IsItem() {
		return "item:" + a.ItemID
	}
	return fmt.Sprintf("tokens:%d", a.Amount)
}

func (a Asset) Validate() error {
	switch a.Kind {
	case KindItem:
		if a.ItemID == "" {
			return apperr.Invalid("item asset without item_id")
		}
		if a.Amount != 0 {
			return apperr.Invalid("item asset %s carries an amount", a.ItemID)
		}
	case KindTokens:
		if a.Amount <= 0 {
			return apperr.Invalid("token amount must be positive: %d", a.Amount)
		}
		if a.ItemID != "" {
			return apperr.Invalid("token asset carries an item_id")
		}
	default:
		return apperr.Invalid("unknown asset kind %q", a.Kind)
	}
	return nil
}

func (a *Asset) UnmarshalJSON(data []byte) error {
	type raw Asset
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	if r.Kind != KindItem && r.Kind != KindTokens {
		return apperr.Invalid("unknown asset kind %q", r.Kind)
	}
	*a = Asset(r)
	return nil
}

// Bundle is a set of assets treated as one unit for locking and transfer.
type Bundle []Asset

// Items returns the item ids in the bundle, in bundle order.
func (b Bundle) Items() []string {
	var ids []string
	for _, a := range b {
		if a.IsItem() {
			ids = append(ids, a.ItemID)
		}
	}
	return ids
}

// Tokens returns the total token amount in the bundle.
func (b Bundle) Tokens() int64 {
	var total int64
	for _, a := range b {
		if a.IsTokens() {
			total += a.Amount
		}
	}
	return total
}

func (b Bundle) IsEmpty() bool { return len(b) == 0 }

// Validate checks every asset, rejects duplicate items and rejects a token
// total that does not fit in an int64.
func (b Bundle) Validate() error {
	seen := make(map[string]struct{}, len(b))
	var total int64
	for _, a := range b {
		if err := a.Validate(); err != nil {
			return err
		}
		if a.IsTokens() {
			if a.Amount > math.MaxInt64-total {
				return apperr.Invalid("token total overflows")
			}
			total += a.Amount
		}
		if a.IsItem() {
			if _, dup := seen[a.ItemID]; dup {
				return apperr.Invalid("item %s listed twice", a.ItemID)
			}
			seen[a.ItemID] = struct{}{}
		}
	}
	return nil
}

// Normalize returns an equivalent bundle with items sorted by id and all
// token assets merged into one trailing entry.
func (b Bundle) Normalize() Bundle {
	items := b.Items()
	sort.Strings(items)
	out := make(Bundle, 0, len(items)+1)
	for _, id := range items {
		out = append(out, Item(id))
	}
	if t := b.Tokens(); t > 0 {
		out = append(out, Tokens(t))
	}
	return out
}

// Equal compares bundles as sets of items plus a token total.
func (b Bundle) Equal(other Bundle) bool {
	x, y := b.Normalize(), other.Normalize()
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// ItemKind is the type tag of a discrete item.
type ItemKind string

const (
	ItemPlant    ItemKind = "plant"
	ItemGenetics ItemKind = "genetics"
)

func ParseItemKind(s string) (ItemKind, error) {
	switch ItemKind(s) {
	case ItemPlant, ItemGenetics:
		return ItemKind(s), nil
	default:
		return "", apperr.Invalid("unknown item kind %q", s)
	}
}

func (k *ItemKind) UnmarshalText(text []byte) error {
	parsed, err := ParseItemKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Base values used for directory display.
const (
	PlantValue    int64 = 50
	GeneticsValue int64 = 100
)

// Value is the display value of one item of kind k.
func (k ItemKind) Value() int64 {
	switch k {
	case ItemPlant:
		return PlantValue
	case ItemGenetics:
		return GeneticsValue
	default:
		return 0
	}
}
