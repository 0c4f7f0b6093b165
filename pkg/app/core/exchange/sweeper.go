package exchange

import (
	"context"
	"errors"

	"github.com/uhyunpark/growswap/pkg/app/core/apperr"
	"github.com/uhyunpark/growswap/pkg/app/core/offer"
	"github.com/uhyunpark/growswap/pkg/storage"
)

// Sweep expires every due offer, up to Config.SweepBatch per call, and returns
// how many this call expired. Offers closed concurrently by another path are
// skipped.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	var due []string
	err := e.view(ctx, func(r storage.Reader) error {
		var err error
		due, err = offer.Due(r, e.clock.Now(), e.cfg.SweepBatch)
		return err
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		_, done, err := e.expireIfDue(ctx, id, "sweep")
		if err != nil {
			e.log.Warnw("sweep_expire_failed", "offer_id", id, "err", err)
			continue
		}
		if done {
			n++
		}
	}
	return n, nil
}

// RunSweeper sweeps every Config.SweepInterval until ctx is done. The
// interval must be positive.
func (e *Engine) RunSweeper(ctx context.Context) error {
	if e.cfg.SweepInterval <= 0 {
		return apperr.Invalid("sweep interval must be positive, got %s", e.cfg.SweepInterval)
	}
	e.log.Infow("sweeper_started", "interval", e.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			e.log.Infow("sweeper_stopped")
			return nil
		case <-e.clock.After(e.cfg.SweepInterval):
		}

		n, err := e.Sweep(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			e.log.Errorw("sweep_failed", "err", err)
			continue
		}
		if n > 0 {
			e.log.Infow("sweep_completed", "expired", n)
		}
	}
}
