package offer

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/growswap/pkg/app/core/apperr"
	"github.com/uhyunpark/growswap/pkg/app/core/asset"
	"github.com/uhyunpark/growswap/pkg/storage"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	t0    = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
)

func newOffer(id string, ttl time.Duration) *Offer {
	return &Offer{
		ID:         id,
		Creator:    alice,
		Offered:    asset.Bundle{asset.Item("plant-1")},
		Requested:  asset.Bundle{asset.Tokens(50)},
		Status:     StatusActive,
		Visibility: VisibilityPublic,
		CreatedAt:  t0,
		ExpiresAt:  t0.Add(ttl),
	}
}

func setup(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insert(t *testing.T, s storage.Store, o *Offer) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), func(tx storage.Txn) error {
		return Insert(tx, o)
	}))
}

func transition(s storage.Store, id string, to Status, now time.Time) error {
	return s.Update(context.Background(), func(tx storage.Txn) error {
		_, err := Transition(tx, id, to, now)
		return err
	})
}

func TestParseStatus(t *testing.T) {
	for _, st := range []Status{StatusActive, StatusCompleted, StatusCancelled, StatusExpired} {
		parsed, err := ParseStatus(st.String())
		require.NoError(t, err)
		assert.Equal(t, st, parsed)
	}
	_, err := ParseStatus("pending")
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)

	var o Offer
	err = json.Unmarshal([]byte(`{"id":"x","status":"open"}`), &o)
	assert.Error(t, err)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	s := setup(t)
	insert(t, s, newOffer("o1", time.Hour))

	require.NoError(t, transition(s, "o1", StatusCancelled, t0))
	for _, to := range []Status{StatusCompleted, StatusCancelled, StatusExpired} {
		err := transition(s, "o1", to, t0)
		assert.ErrorIs(t, err, apperr.ErrNotActive, to.String())
	}

	require.NoError(t, s.View(context.Background(), func(r storage.Reader) error {
		o, err := Get(r, "o1")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, o.Status)
		require.NotNil(t, o.ClosedAt)
		return nil
	}))
}

func TestTransitionToActiveIsRejected(t *testing.T) {
	s := setup(t)
	insert(t, s, newOffer("o1", time.Hour))
	assert.Error(t, transition(s, "o1", StatusActive, t0))
}

func TestGetMissingOffer(t *testing.T) {
	s := setup(t)
	err := s.View(context.Background(), func(r storage.Reader) error {
		_, err := Get(r, "nope")
		return err
	})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	s := setup(t)
	insert(t, s, newOffer("o1", time.Hour))

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := StatusCompleted
			if i%2 == 0 {
				to = StatusCancelled
			}
			for {
				err := transition(s, "o1", to, t0)
				if err == storage.ErrConflict {
					continue
				}
				errs[i] = err
				return
			}
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrNotActive)
	}
	assert.Equal(t, 1, wins)
}

func TestDueUsesExpiryIndex(t *testing.T) {
	s := setup(t)
	insert(t, s, newOffer("o-zero", 0))
	insert(t, s, newOffer("o-hour", time.Hour))
	insert(t, s, newOffer("o-day", 24*time.Hour))

	due := func(now time.Time) []string {
		var ids []string
		require.NoError(t, s.View(context.Background(), func(r storage.Reader) error {
			var err error
			ids, err = Due(r, now, 0)
			return err
		}))
		return ids
	}

	assert.Equal(t, []string{"o-zero"}, due(t0))
	assert.Equal(t, []string{"o-zero", "o-hour"}, due(t0.Add(time.Hour)))

	require.NoError(t, transition(s, "o-zero", StatusExpired, t0))
	assert.Equal(t, []string{"o-hour"}, due(t0.Add(time.Hour)))
}

func TestIsDue(t *testing.T) {
	o := newOffer("o1", 0)
	assert.True(t, o.IsDue(t0))

	o = newOffer("o2", time.Hour)
	assert.False(t, o.IsDue(t0.Add(59*time.Minute)))
	assert.True(t, o.IsDue(t0.Add(time.Hour)))

	o.Status = StatusCompleted
	assert.False(t, o.IsDue(t0.Add(2*time.Hour)))
}

func TestScanNewestFirstWithCursor(t *testing.T) {
	s := setup(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		insert(t, s, newOffer(id, time.Hour))
	}

	collect := func(cursor string, limit int) []string {
		var ids []string
		require.NoError(t, s.View(context.Background(), func(r storage.Reader) error {
			return Scan(r, cursor, func(o *Offer) (bool, error) {
				ids = append(ids, o.ID)
				return len(ids) < limit, nil
			})
		}))
		return ids
	}

	assert.Equal(t, []string{"d", "c"}, collect("", 2))
	assert.Equal(t, []string{"b", "a"}, collect("c", 10))
}

func TestValidate(t *testing.T) {
	ok := newOffer("o1", time.Hour)
	assert.NoError(t, ok.Validate())

	tests := []struct {
		name   string
		mutate func(o *Offer)
	}{
		{"empty offered", func(o *Offer) { o.Offered = nil }},
		{"empty requested", func(o *Offer) { o.Requested = nil }},
		{"same item both sides", func(o *Offer) { o.Requested = asset.Bundle{asset.Item("plant-1")} }},
		{"long description", func(o *Offer) { o.Description = strings.Repeat("x", MaxDescriptionLen+1) }},
		{"bad visibility", func(o *Offer) { o.Visibility = "friends" }},
		{"negative tokens", func(o *Offer) { o.Requested = asset.Bundle{asset.Tokens(-5)} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOffer("o1", time.Hour)
			tt.mutate(o)
			assert.ErrorIs(t, o.Validate(), apperr.ErrInvalidRequest)
		})
	}
}

func TestVisibility(t *testing.T) {
	v, err := ParseVisibility("")
	require.NoError(t, err)
	assert.Equal(t, VisibilityPublic, v)
	assert.True(t, VisibilityAuction.Listed())
	assert.False(t, VisibilityPrivate.Listed())
}
