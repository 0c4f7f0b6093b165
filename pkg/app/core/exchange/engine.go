// Package exchange is the exchange engine: it creates offers with their
// locks, settles accepted offers, cancels and expires them, and serves the
// read side (directory, history, owner view).
//
// Every mutation runs as one serializable store transaction. A transaction
// that loses a race fails with storage.ErrConflict and is re-run from scratch
// (state re-validated) up to Config.MaxRetries times. All other failures are
// returned as *apperr.Error without retry. Logging, metrics, audit sinks and
// notifications happen only after commit.
package exchange

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/growswap/pkg/app/core/apperr"
	"github.com/uhyunpark/growswap/pkg/app/core/audit"
	"github.com/uhyunpark/growswap/pkg/app/core/catalog"
	"github.com/uhyunpark/growswap/pkg/app/core/offer"
	"github.com/uhyunpark/growswap/pkg/storage"
	"github.com/uhyunpark/growswap/pkg/util"
)

type Config struct {
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	SweepInterval time.Duration
	SweepBatch    int

	ListDefaultLimit    int
	ListMaxLimit        int
	HistoryDefaultLimit int
	HistoryMaxLimit     int
}

func DefaultConfig() Config {
	return Config{
		DefaultTTL:          72 * time.Hour,
		MaxTTL:              30 * 24 * time.Hour,
		MaxRetries:          5,
		RetryBackoff:        2 * time.Millisecond,
		SweepInterval:       30 * time.Second,
		SweepBatch:          500,
		ListDefaultLimit:    50,
		ListMaxLimit:        200,
		HistoryDefaultLimit: 100,
		HistoryMaxLimit:     500,
	}
}

// EventType names a committed state change.
type EventType string

const (
	EventOfferCreated   EventType = "offer_created"
	EventOfferCompleted EventType = "offer_completed"
	EventOfferCancelled EventType = "offer_cancelled"
	EventOfferExpired   EventType = "offer_expired"
)

type Event struct {
	Type   EventType     `json:"type"`
	Offer  *offer.Offer  `json:"offer"`
	Record *audit.Record `json:"record,omitempty"`
}

// Notifier receives events after they are committed. Implementations must
// not block.
type Notifier interface {
	Notify(ev Event)
}

type Engine struct {
	store   storage.Store
	cfg     Config
	clock   util.Clock
	log     *zap.SugaredLogger
	metrics *Metrics
	sink    audit.Sink
	catalog catalog.Catalog
	notify  Notifier
	newID   func() string
}

type Option func(*Engine)

func WithMetrics(m *Metrics) Option         { return func(e *Engine) { e.metrics = m } }
func WithAuditSink(s audit.Sink) Option     { return func(e *Engine) { e.sink = s } }
func WithCatalog(c catalog.Catalog) Option  { return func(e *Engine) { e.catalog = c } }
func WithNotifier(n Notifier) Option        { return func(e *Engine) { e.notify = n } }
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

func NewEngine(store storage.Store, cfg Config, clock util.Clock, logger *zap.SugaredLogger, opts ...Option) *Engine {
	if clock == nil {
		clock = util.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Engine{
		store:   store,
		cfg:     cfg,
		clock:   clock,
		log:     logger,
		catalog: catalog.Static{},
		newID:   newID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// newID returns a UUIDv7, so ids sort by creation time.
func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (e *Engine) Config() Config { return e.cfg }

// update runs fn in a store transaction, re-running it on conflict.
func (e *Engine) update(ctx context.Context, op string, fn func(tx storage.Txn) error) error {
	var err error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			e.metrics.conflict(op)
			e.log.Debugw("store_conflict_retry", "op", op, "attempt", attempt)
			if werr := e.backoff(ctx, attempt); werr != nil {
				return werr
			}
		}
		err = e.store.Update(ctx, fn)
		if !errors.Is(err, storage.ErrConflict) {
			return classify(err)
		}
	}
	e.log.Warnw("store_conflict_exhausted", "op", op, "attempts", e.cfg.MaxRetries+1)
	return apperr.Wrap(apperr.CodeStoreConflict, err, "transaction aborted by contention, retry later")
}

func (e *Engine) view(ctx context.Context, fn func(r storage.Reader) error) error {
	return classify(e.store.View(ctx, fn))
}

// backoff sleeps for attempt × RetryBackoff plus jitter, in wall-clock time.
func (e *Engine) backoff(ctx context.Context, attempt int) error {
	if e.cfg.RetryBackoff <= 0 {
		return nil
	}
	d := time.Duration(attempt)*e.cfg.RetryBackoff + time.Duration(rand.Int63n(int64(e.cfg.RetryBackoff)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// classify maps storage and unexpected errors onto the taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, storage.ErrConflict) {
		return apperr.Wrap(apperr.CodeStoreConflict, err, "transaction aborted by contention")
	}
	return apperr.Wrap(apperr.CodeStoreFailure, err, "storage failure")
}

func (e *Engine) emit(ev Event) {
	if e.notify != nil {
		e.notify.Notify(ev)
	}
}

// observe records the outcome of op.
func (e *Engine) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = string(apperr.CodeOf(err))
	}
	e.metrics.observe(op, result, time.Since(start))
}
