package exchange

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/growswap/pkg/app/core/apperr"
	"github.com/uhyunpark/growswap/pkg/app/core/asset"
	"github.com/uhyunpark/growswap/pkg/app/core/audit"
	"github.com/uhyunpark/growswap/pkg/app/core/catalog"
	"github.com/uhyunpark/growswap/pkg/app/core/ledger"
	"github.com/uhyunpark/growswap/pkg/app/core/lock"
	"github.com/uhyunpark/growswap/pkg/app/core/offer"
	"github.com/uhyunpark/growswap/pkg/storage"
)

// ListFilter selects offers for the directory. Zero values disable a filter.
type ListFilter struct {
	Kind      asset.ItemKind  // offered bundle contains an item of this kind
	StrainID  string          // offered bundle contains an item of this strain
	Rarity    catalog.Rarity  // offered bundle contains a strain of this rarity
	MaxTokens int64           // requested tokens <= MaxTokens
	Creator   *common.Address // only offers by this creator

	// Viewer is the caller, if authenticated. ExcludeOwn hides the viewer's
	// offers. Private offers are shown only to their creator.
	Viewer     *common.Address
	ExcludeOwn bool

	// IncludeClosed lists offers in every status; requires Creator.
	IncludeClosed bool

	Cursor string
	Limit  int
}

type ListedItem struct {
	ledger.Item
	Strain *catalog.Strain `json:"strain,omitempty"`
}

type Listing struct {
	*offer.Offer
	OfferedItems   []ListedItem `json:"offered_items"`
	RequestedItems []ListedItem `json:"requested_items"`
	EstimatedValue int64        `json:"estimated_value"`
}

type Page struct {
	Offers     []Listing `json:"offers"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// List is the offer directory: newest first, derived from a snapshot. Due
// offers are left out and expired after the read.
func (e *Engine) List(ctx context.Context, f ListFilter) (*Page, error) {
	if f.IncludeClosed && f.Creator == nil {
		return nil, apperr.Invalid("include_closed requires a creator filter")
	}
	if f.MaxTokens < 0 {
		return nil, apperr.Invalid("max_tokens must not be negative")
	}
	limit := clampLimit(f.Limit, e.cfg.ListDefaultLimit, e.cfg.ListMaxLimit)
	now := e.clock.Now()

	page := &Page{Offers: []Listing{}}
	var due []string
	err := e.view(ctx, func(r storage.Reader) error {
		return offer.Scan(r, f.Cursor, func(o *offer.Offer) (bool, error) {
			if o.IsDue(now) {
				due = append(due, o.ID)
				if !f.IncludeClosed {
					return true, nil
				}
			}
			if !e.visible(o, f) {
				return true, nil
			}
			l, ok, err := e.listing(r, o, f)
			if err != nil || !ok {
				return err == nil, err
			}
			if len(page.Offers) == limit {
				page.NextCursor = page.Offers[limit-1].ID
				return false, nil
			}
			page.Offers = append(page.Offers, l)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}

	for _, id := range due {
		if _, _, err := e.expireIfDue(ctx, id, "list"); err != nil {
			e.log.Warnw("lazy_expire_failed", "offer_id", id, "err", err)
		}
	}
	return page, nil
}

func (e *Engine) visible(o *offer.Offer, f ListFilter) bool {
	if !f.IncludeClosed && o.Status != offer.StatusActive {
		return false
	}
	if f.Creator != nil && o.Creator != *f.Creator {
		return false
	}
	isViewer := f.Viewer != nil && o.Creator == *f.Viewer
	if f.ExcludeOwn && isViewer {
		return false
	}
	if !o.Visibility.Listed() && !isViewer {
		return false
	}
	if f.MaxTokens > 0 && o.Requested.Tokens() > f.MaxTokens {
		return false
	}
	return true
}

// listing resolves item details and applies the item-level filters.
func (e *Engine) listing(r storage.Reader, o *offer.Offer, f ListFilter) (Listing, bool, error) {
	offered, err := e.describe(r, o.Offered)
	if err != nil {
		return Listing{}, false, err
	}
	if f.Kind != "" || f.StrainID != "" || f.Rarity != "" {
		match := false
		for _, it := range offered {
			if matchItem(it, f) {
				match = true
				break
			}
		}
		if !match {
			return Listing{}, false, nil
		}
	}
	requested, err := e.describe(r, o.Requested)
	if err != nil {
		return Listing{}, false, err
	}

	value := o.Offered.Tokens()
	for _, it := range offered {
		value += it.Kind.Value()
	}
	return Listing{
		Offer:          o,
		OfferedItems:   offered,
		RequestedItems: requested,
		EstimatedValue: value,
	}, true, nil
}

func matchItem(it ListedItem, f ListFilter) bool {
	if f.Kind != "" && it.Kind != f.Kind {
		return false
	}
	if f.StrainID != "" && it.StrainID != f.StrainID {
		return false
	}
	if f.Rarity != "" && (it.Strain == nil || it.Strain.Rarity != f.Rarity) {
		return false
	}
	return true
}

func (e *Engine) describe(r storage.Reader, b asset.Bundle) ([]ListedItem, error) {
	items := make([]ListedItem, 0, len(b))
	for _, id := range b.Items() {
		it, err := ledger.GetItem(r, id)
		if err != nil {
			if apperr.CodeOf(err) == apperr.CodeNotFound {
				items = append(items, ListedItem{Item: ledger.Item{ID: id}})
				continue
			}
			return nil, err
		}
		li := ListedItem{Item: *it}
		if s, ok := e.catalog.Strain(it.StrainID); ok {
			li.Strain = &s
		}
		items = append(items, li)
	}
	return items, nil
}

// HistoryPage is one page of an owner's settled exchanges, newest first.
type HistoryPage struct {
	Entries    []audit.Entry `json:"entries"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func (e *Engine) History(ctx context.Context, owner common.Address, cursor string, limit int) (*HistoryPage, error) {
	limit = clampLimit(limit, e.cfg.HistoryDefaultLimit, e.cfg.HistoryMaxLimit)
	page := &HistoryPage{}
	err := e.view(ctx, func(r storage.Reader) error {
		var err error
		page.Entries, page.NextCursor, err = audit.History(r, owner, cursor, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

type OwnedItem struct {
	ledger.Item
	LockedBy string          `json:"locked_by,omitempty"`
	Strain   *catalog.Strain `json:"strain,omitempty"`
}

type OwnerView struct {
	ledger.Owner
	Available int64       `json:"available"`
	Items     []OwnedItem `json:"items"`
}

// Owner returns balances and items of id from one snapshot.
func (e *Engine) Owner(ctx context.Context, id common.Address) (*OwnerView, error) {
	v := &OwnerView{Items: []OwnedItem{}}
	err := e.view(ctx, func(r storage.Reader) error {
		o, err := ledger.GetOwner(r, id)
		if err != nil {
			return err
		}
		v.Owner = *o
		v.Available = o.Available()

		items, err := ledger.Inventory(r, id)
		if err != nil {
			return err
		}
		for _, it := range items {
			oi := OwnedItem{Item: it}
			if l, found, err := lock.Holder(r, it.ID); err != nil {
				return err
			} else if found {
				oi.LockedBy = l.OfferID
			}
			if s, ok := e.catalog.Strain(it.StrainID); ok {
				oi.Strain = &s
			}
			v.Items = append(v.Items, oi)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Seed applies an initial allocation once.
func (e *Engine) Seed(ctx context.Context, s *ledger.Seed) (bool, error) {
	var applied bool
	err := e.update(ctx, "seed", func(tx storage.Txn) error {
		var err error
		applied, err = ledger.ApplySeed(tx, s)
		return err
	})
	if err == nil && applied {
		e.log.Infow("seed_applied", "owners", len(s.Owners), "items", len(s.Items))
	}
	return applied, err
}

func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		limit = def
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	if limit <= 0 {
		limit = 1
	}
	return limit
}
