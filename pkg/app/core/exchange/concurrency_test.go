package exchange

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/growswap/pkg/app/core/apperr"
	"github.com/uhyunpark/growswap/pkg/app/core/asset"
	"github.com/uhyunpark/growswap/pkg/app/core/offer"
)

func buyers(n int) []common.Address {
	out := make([]common.Address, n)
	for i := range out {
		out[i] = common.BigToAddress(big.NewInt(int64(1000 + i)))
	}
	return out
}

func TestConcurrentAcceptsSettleOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.grant(t, ownerA, "X", asset.ItemPlant)
	bs := buyers(50)
	for _, b := range bs {
		h.fund(t, b, 100)
	}
	o := h.create(t, ownerA, asset.Bundle{asset.Item("X")}, asset.Bundle{asset.Tokens(50)})

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, len(bs))
	for i, b := range bs {
		wg.Add(1)
		go func(i int, b common.Address) {
			defer wg.Done()
			<-start
			_, errs[i] = h.engine.Accept(ctx, o.ID, b, nil)
		}(i, b)
	}
	close(start)
	wg.Wait()

	var winner common.Address
	wins := 0
	for i, err := range errs {
		if err == nil {
			wins++
			winner = bs[i]
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrNotActive)
	}
	require.Equal(t, 1, wins)

	assert.Equal(t, winner, h.itemOwner(t, "X"))
	assert.Equal(t, int64(50), h.owner(t, ownerA).Balance)
	var total int64
	for _, b := range bs {
		bal := h.owner(t, b).Balance
		total += bal
		if b == winner {
			assert.Equal(t, int64(50), bal)
		} else {
			assert.Equal(t, int64(100), bal)
		}
	}
	assert.Equal(t, int64(50*100-50), total)

	hist, err := h.engine.History(ctx, ownerA, "", 0)
	require.NoError(t, err)
	assert.Len(t, hist.Entries, 1)
	assert.Equal(t, offer.StatusCompleted, h.offer(t, o.ID).Status)
}

func TestConcurrentCreatesOnSameItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.grant(t, ownerA, "X", asset.ItemPlant)

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.engine.Create(ctx, CreateParams{
				Creator:   ownerA,
				Offered:   asset.Bundle{asset.Item("X")},
				Requested: asset.Bundle{asset.Tokens(int64(10 + i))},
			})
		}(i)
	}
	close(start)
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrAssetUnavailable)
	}
	assert.Equal(t, 1, ok)
	checkInvariants(t, h.store, []common.Address{ownerA})
}

func TestCancelRacingAccept(t *testing.T) {
	for round := 0; round < 10; round++ {
		t.Run(fmt.Sprintf("round-%d", round), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.grant(t, ownerA, "X", asset.ItemPlant)
			h.fund(t, ownerB, 10)
			o := h.create(t, ownerA, asset.Bundle{asset.Item("X")}, asset.Bundle{asset.Tokens(10)})

			var (
				wg                   sync.WaitGroup
				cancelErr, acceptErr error
			)
			start := make(chan struct{})
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				cancelErr = h.engine.Cancel(ctx, ownerA, o.ID)
			}()
			go func() {
				defer wg.Done()
				<-start
				_, acceptErr = h.engine.Accept(ctx, o.ID, ownerB, nil)
			}()
			close(start)
			wg.Wait()

			if cancelErr == nil {
				assert.ErrorIs(t, acceptErr, apperr.ErrNotActive)
				assert.Equal(t, ownerA, h.itemOwner(t, "X"))
				assert.Equal(t, offer.StatusCancelled, h.offer(t, o.ID).Status)
			} else {
				require.NoError(t, acceptErr)
				assert.ErrorIs(t, cancelErr, apperr.ErrNotActive)
				assert.Equal(t, ownerB, h.itemOwner(t, "X"))
				assert.Equal(t, offer.StatusCompleted, h.offer(t, o.ID).Status)
			}
			checkInvariants(t, h.store, []common.Address{ownerA, ownerB})
		})
	}
}

func TestSweepRacingAccept(t *testing.T) {
	for round := 0; round < 10; round++ {
		t.Run(fmt.Sprintf("round-%d", round), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.grant(t, ownerA, "X", asset.ItemPlant)
			h.fund(t, ownerB, 10)
			o, err := h.engine.Create(ctx, CreateParams{
				Creator: ownerA, Offered: asset.Bundle{asset.Item("X")}, Requested: asset.Bundle{asset.Tokens(10)}, TTL: ttl(time.Minute),
			})
			require.NoError(t, err)
			h.clock.Advance(time.Minute)

			var (
				wg        sync.WaitGroup
				swept     int
				acceptErr error
			)
			start := make(chan struct{})
			wg.Add(2)
			go func() {
				defer wg.Done()
				<-start
				swept, _ = h.engine.Sweep(ctx)
			}()
			go func() {
				defer wg.Done()
				<-start
				_, acceptErr = h.engine.Accept(ctx, o.ID, ownerB, nil)
			}()
			close(start)
			wg.Wait()

			// exactly one path performs the expiry; accept never settles a due offer
			if swept == 1 {
				assert.ErrorIs(t, acceptErr, apperr.ErrNotActive)
			} else {
				assert.ErrorIs(t, acceptErr, apperr.ErrExpired)
			}
			assert.Equal(t, offer.StatusExpired, h.offer(t, o.ID).Status)
			assert.Equal(t, ownerA, h.itemOwner(t, "X"))
			assert.Equal(t, int64(10), h.owner(t, ownerB).Balance)
			checkInvariants(t, h.store, []common.Address{ownerA, ownerB})
		})
	}
}

func TestConcurrentTokenOffersNeverOverReserve(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, ownerA, 100)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.engine.Create(ctx, CreateParams{
				Creator:   ownerA,
				Offered:   asset.Bundle{asset.Tokens(30)},
				Requested: asset.Bundle{asset.Tokens(1)},
			})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, int64(90), h.owner(t, ownerA).Reserved)
	checkInvariants(t, h.store, []common.Address{ownerA})
}
