// Package offer holds offer records and their lifecycle.
//
// States: active -> {completed, cancelled, expired}. Terminal states are
// immutable; every transition is conditioned on the stored status still being
// active inside the caller's transaction, which gives compare-and-swap
// semantics under the store's serializable commits.
package offer

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/growswap/pkg/app/core/apperr"
	"github.com/uhyunpark/growswap/pkg/app/core/asset"
	"github.com/uhyunpark/growswap/pkg/storage"
)

type Status uint8

const (
	StatusActive Status = iota + 1
	StatusCompleted
	StatusCancelled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ParseStatus rejects anything outside the four known states.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "active":
		return StatusActive, nil
	case "completed":
		return StatusCompleted, nil
	case "cancelled":
		return StatusCancelled, nil
	case "expired":
		return StatusExpired, nil
	default:
		return 0, apperr.Invalid("unknown offer status %q", s)
	}
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

func (s Status) MarshalText() ([]byte, error) {
	if s < StatusActive || s > StatusExpired {
		return nil, fmt.Errorf("invalid offer status %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Visibility only affects the directory, never settlement.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
	VisibilityAuction Visibility = "auction"
)

// ParseVisibility maps "" to public.
func ParseVisibility(s string) (Visibility, error) {
	switch Visibility(s) {
	case "":
		return VisibilityPublic, nil
	case VisibilityPublic, VisibilityPrivate, VisibilityAuction:
		return Visibility(s), nil
	default:
		return "", apperr.Invalid("unknown visibility %q", s)
	}
}

// Listed reports whether the directory shows offers with this visibility.
func (v Visibility) Listed() bool {
	return v != VisibilityPrivate
}

const MaxDescriptionLen = 500

type Offer struct {
	ID           string         `json:"id"`
	Creator      common.Address `json:"creator"`
	Offered      asset.Bundle   `json:"offered"`
	Requested    asset.Bundle   `json:"requested"`
	Status       Status         `json:"status"`
	Visibility   Visibility     `json:"visibility"`
	Description  string         `json:"description,omitempty"`
	PriorOfferID string         `json:"prior_offer_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
}

// IsDue reports whether an active offer has reached its expiry.
// An offer created with a zero TTL is due immediately.
func (o *Offer) IsDue(now time.Time) bool {
	return o.Status == StatusActive && !now.Before(o.ExpiresAt)
}

// Validate checks the fields a caller controls.
func (o *Offer) Validate() error {
	if o.Offered.IsEmpty() {
		return apperr.Invalid("offered bundle is empty")
	}
	if o.Requested.IsEmpty() {
		return apperr.Invalid("requested bundle is empty")
	}
	if err := o.Offered.Validate(); err != nil {
		return err
	}
	if err := o.Requested.Validate(); err != nil {
		return err
	}
	for _, id := range o.Offered.Items() {
		for _, rid := range o.Requested.Items() {
			if id == rid {
				return apperr.Invalid("item %s is both offered and requested", id)
			}
		}
	}
	if len([]rune(o.Description)) > MaxDescriptionLen {
		return apperr.Invalid("description exceeds %d characters", MaxDescriptionLen)
	}
	if _, err := ParseVisibility(string(o.Visibility)); err != nil {
		return err
	}
	if o.ExpiresAt.Before(o.CreatedAt) {
		return apperr.Invalid("offer expires before it was created")
	}
	return nil
}

// Insert stores a new active offer and indexes its expiry.
func Insert(tx storage.Txn, o *Offer) error {
	if o.Status != StatusActive {
		return fmt.Errorf("insert offer %s: status %s", o.ID, o.Status)
	}
	if err := storage.InsertJSON(tx, storage.OfferKey(o.ID), o); err != nil {
		if errors.Is(err, storage.ErrKeyExists) {
			return fmt.Errorf("offer id %s already used: %w", o.ID, err)
		}
		return err
	}
	return tx.Set(storage.ExpiryKey(o.ExpiresAt, o.ID), nil)
}

// Get loads an offer, failing NOT_FOUND if it does not exist.
func Get(r storage.Reader, id string) (*Offer, error) {
	var o Offer
	found, err := storage.GetJSON(r, storage.OfferKey(id), &o)
	if err != nil {
		return nil, fmt.Errorf("load offer %s: %w", id, err)
	}
	if !found {
		return nil, apperr.New(apperr.CodeNotFound, "offer %s not found", id)
	}
	return &o, nil
}

// Transition moves an active offer to a terminal state. Any other current
// status fails NOT_ACTIVE and writes nothing. Locks are the caller's concern.
func Transition(tx storage.Txn, id string, to Status, now time.Time) (*Offer, error) {
	if !to.IsTerminal() {
		return nil, fmt.Errorf("transition offer %s: %s is not a terminal status", id, to)
	}
	o, err := Get(tx, id)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusActive {
		return nil, apperr.New(apperr.CodeNotActive, "offer %s is %s", id, o.Status)
	}
	o.Status = to
	closed := now
	o.ClosedAt = &closed
	if err := storage.PutJSON(tx, storage.OfferKey(id), o); err != nil {
		return nil, err
	}
	if err := tx.Delete(storage.ExpiryKey(o.ExpiresAt, id)); err != nil {
		return nil, err
	}
	return o, nil
}

// Due returns ids of active offers whose expiry is at or before now, oldest
// first, at most limit (0 means no limit).
func Due(r storage.Reader, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.Scan(storage.ExpiryRange(now), func(key, _ []byte) error {
		ids = append(ids, storage.OfferIDFromExpiryKey(key))
		if limit > 0 && len(ids) >= limit {
			return storage.ErrStopScan
		}
		return nil
	})
	return ids, err
}

// Scan walks offers newest first starting strictly before cursor (an offer
// id) or from the newest when cursor is empty. fn returns false to stop.
func Scan(r storage.Reader, cursor string, fn func(o *Offer) (bool, error)) error {
	rng := storage.Range{Lower: storage.OfferPrefix(), Upper: storage.KeyUpperBound(storage.OfferPrefix()), Reverse: true}
	if cursor != "" {
		rng.Upper = storage.OfferKey(cursor)
	}
	return r.Scan(rng, func(_, value []byte) error {
		var o Offer
		if err := json.Unmarshal(value, &o); err != nil {
			return fmt.Errorf("decode offer: %w", err)
		}
		more, err := fn(&o)
		if err != nil {
			return err
		}
		if !more {
			return storage.ErrStopScan
		}
		return nil
	})
}
