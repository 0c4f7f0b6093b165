// Package api is the HTTP binding of the exchange engine: REST routes under
// /api/v1, a websocket feed of committed offer events, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/growswap/pkg/app/core/apperr"
	"github.com/uhyunpark/growswap/pkg/app/core/asset"
	"github.com/uhyunpark/growswap/pkg/app/core/audit"
	"github.com/uhyunpark/growswap/pkg/app/core/catalog"
	"github.com/uhyunpark/growswap/pkg/app/core/exchange"
	"github.com/uhyunpark/growswap/pkg/app/core/offer"
	"github.com/uhyunpark/growswap/pkg/auth"
)

const maxBodyBytes = 64 << 10

// Exchange is the engine surface the server needs.
type Exchange interface {
	Create(ctx context.Context, p exchange.CreateParams) (*offer.Offer, error)
	Counter(ctx context.Context, priorID string, p exchange.CreateParams) (*offer.Offer, error)
	Accept(ctx context.Context, offerID string, acceptor common.Address, bundle asset.Bundle) (*audit.Record, error)
	Cancel(ctx context.Context, caller common.Address, offerID string) error
	GetOffer(ctx context.Context, offerID string) (*offer.Offer, error)
	List(ctx context.Context, f exchange.ListFilter) (*exchange.Page, error)
	History(ctx context.Context, owner common.Address, cursor string, limit int) (*exchange.HistoryPage, error)
	Owner(ctx context.Context, id common.Address) (*exchange.OwnerView, error)
}

type Config struct {
	Addr        string
	CORSOrigins []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine   Exchange
	auth     auth.Authenticator
	hub      *Hub
	gatherer prometheus.Gatherer
	router   *mux.Router
	validate *validator.Validate
	cfg      Config
	log      *zap.SugaredLogger
}

// NewServer wires routes. gatherer may be nil to disable /metrics.
func NewServer(engine Exchange, authn auth.Authenticator, hub *Hub, gatherer prometheus.Gatherer, cfg Config, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		engine:   engine,
		auth:     authn,
		hub:      hub,
		gatherer: gatherer,
		router:   mux.NewRouter(),
		validate: newValidator(),
		cfg:      cfg,
		log:      logger,
	}
	s.setupRoutes()
	return s
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Server) setupRoutes() {
	s.router.Use(s.logRequests)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/offers", s.handleCreateOffer).Methods(http.MethodPost)
	api.HandleFunc("/offers", s.handleListOffers).Methods(http.MethodGet)
	api.HandleFunc("/offers/{id}", s.handleGetOffer).Methods(http.MethodGet)
	api.HandleFunc("/offers/{id}", s.handleCancelOffer).Methods(http.MethodDelete)
	api.HandleFunc("/offers/{id}/accept", s.handleAcceptOffer).Methods(http.MethodPost)
	api.HandleFunc("/offers/{id}/counter", s.handleCounterOffer).Methods(http.MethodPost)

	api.HandleFunc("/owners/{address}", s.handleGetOwner).Methods(http.MethodGet)
	api.HandleFunc("/owners/{address}/history", s.handleGetHistory).Methods(http.MethodGet)

	if s.hub != nil {
		s.router.HandleFunc("/ws", s.handleWebSocket)
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, apperr.New(apperr.CodeNotFound, "no route for %s %s", r.Method, r.URL.Path))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "METHOD_NOT_ALLOWED", Message: r.Method})
	})
}

// Handler returns the router wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	s.log.Infow("api_stopped")
	return nil
}

// ==============================
// Offer handlers
// ==============================

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	caller, err := s.authenticate(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req OfferRequest
	if err := s.decode(r, &req, false); err != nil {
		respondError(w, err)
		return
	}

	p, err := createParams(caller, &req)
	if err != nil {
		respondError(w, err)
		return
	}
	o, err := s.engine.Create(r.Context(), p)
	if err != nil {
		respondError(w, err)
		return
	}
	respondStatus(w, http.StatusCreated, CreateOfferResponse{OfferID: o.ID, ExpiresAt: o.ExpiresAt})
}

func (s *Server) handleCounterOffer(w http.ResponseWriter, r *http.Request) {
	caller, err := s.authenticate(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req OfferRequest
	if err := s.decode(r, &req, false); err != nil {
		respondError(w, err)
		return
	}

	p, err := createParams(caller, &req)
	if err != nil {
		respondError(w, err)
		return
	}
	o, err := s.engine.Counter(r.Context(), mux.Vars(r)["id"], p)
	if err != nil {
		respondError(w, err)
		return
	}
	respondStatus(w, http.StatusCreated, CreateOfferResponse{OfferID: o.ID, ExpiresAt: o.ExpiresAt})
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	caller, err := s.authenticate(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req AcceptRequest
	if err := s.decode(r, &req, true); err != nil {
		respondError(w, err)
		return
	}

	rec, err := s.engine.Accept(r.Context(), mux.Vars(r)["id"], caller, req.Bundle)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, AcceptOfferResponse{ExchangeRecord: rec})
}

func (s *Server) handleCancelOffer(w http.ResponseWriter, r *http.Request) {
	caller, err := s.authenticate(r)
	if err != nil {
		respondError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.engine.Cancel(r.Context(), caller, id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, CancelOfferResponse{OfferID: id, Status: offer.StatusCancelled})
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.GetOffer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lq := ListQuery{
		Kind:          q.Get("kind"),
		StrainID:      q.Get("strain_id"),
		Rarity:        q.Get("rarity"),
		MaxTokens:     q.Get("max_tokens"),
		Creator:       q.Get("creator"),
		ExcludeOwn:    q.Get("exclude"),
		IncludeClosed: q.Get("include_closed"),
		Cursor:        q.Get("cursor"),
		Limit:         q.Get("limit"),
	}
	if err := s.check(&lq); err != nil {
		respondError(w, err)
		return
	}

	f := exchange.ListFilter{
		Kind:     asset.ItemKind(lq.Kind),
		StrainID: lq.StrainID,
		Rarity:   catalog.Rarity(lq.Rarity),
		Cursor:   lq.Cursor,
	}
	var err error
	if f.MaxTokens, err = parseInt(lq.MaxTokens, "max_tokens"); err != nil {
		respondError(w, err)
		return
	}
	limit, err := parseInt(lq.Limit, "limit")
	if err != nil {
		respondError(w, err)
		return
	}
	f.Limit = int(limit)
	if lq.Creator != "" {
		c := common.HexToAddress(lq.Creator)
		f.Creator = &c
	}
	f.ExcludeOwn, _ = strconv.ParseBool(lq.ExcludeOwn)
	f.IncludeClosed, _ = strconv.ParseBool(lq.IncludeClosed)

	// the viewer is optional here, but a credential that is sent must be valid
	if r.Header.Get("Authorization") != "" {
		viewer, err := s.authenticate(r)
		if err != nil {
			respondError(w, err)
			return
		}
		f.Viewer = &viewer
	}
	if f.IncludeClosed && (f.Creator == nil || f.Viewer == nil || *f.Creator != *f.Viewer) {
		respondError(w, apperr.Invalid("include_closed lists only the caller's own offers"))
		return
	}

	page, err := s.engine.List(r.Context(), f)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, page)
}

// ==============================
// Owner handlers
// ==============================

func (s *Server) handleGetOwner(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		respondError(w, err)
		return
	}
	v, err := s.engine.Owner(r.Context(), addr)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, v)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		respondError(w, err)
		return
	}
	pq := PageQuery{Cursor: r.URL.Query().Get("cursor"), Limit: r.URL.Query().Get("limit")}
	if err := s.check(&pq); err != nil {
		respondError(w, err)
		return
	}
	limit, err := parseInt(pq.Limit, "limit")
	if err != nil {
		respondError(w, err)
		return
	}

	page, err := s.engine.History(r.Context(), addr, pq.Cursor, int(limit))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, page)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

// maxTTLSeconds is the largest ttl that still fits in a time.Duration.
const maxTTLSeconds = int64(math.MaxInt64 / time.Second)

func createParams(caller common.Address, req *OfferRequest) (exchange.CreateParams, error) {
	p := exchange.CreateParams{
		Creator:     caller,
		Offered:     req.Offered,
		Requested:   req.Requested,
		Visibility:  offer.Visibility(req.Visibility),
		Description: req.Description,
	}
	var (
		n    int64
		unit time.Duration
	)
	switch {
	case req.TTLHours != nil:
		n, unit = *req.TTLHours, time.Hour
	case req.TTLSeconds != nil:
		n, unit = *req.TTLSeconds, time.Second
	default:
		return p, nil
	}
	if n < 0 || n > maxTTLSeconds/int64(unit/time.Second) {
		return p, apperr.Invalid("ttl is out of range")
	}
	ttl := time.Duration(n) * unit
	p.TTL = &ttl
	return p, nil
}

func (s *Server) authenticate(r *http.Request) (common.Address, error) {
	if s.auth == nil {
		return common.Address{}, apperr.New(apperr.CodeUnauthenticated, "authentication is not configured")
	}
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return common.Address{}, apperr.New(apperr.CodeUnauthenticated, "missing bearer credential")
	}
	return s.auth.Authenticate(r.Context(), token)
}

// decode reads a JSON body into v and validates it. Unknown fields are
// rejected. With optional, an empty body leaves v zero.
func (s *Server) decode(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			return apperr.Invalid("invalid request body: %v", err)
		}
	}
	return s.check(v)
}

func (s *Server) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.Invalid("validation error: %v", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
		}
	}
	return apperr.Invalid("validation error: %s", strings.Join(msgs, "; "))
}

func parseInt(s, name string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, apperr.Invalid("%s must be a non-negative integer", name)
	}
	return n, nil
}

func pathAddress(r *http.Request) (common.Address, error) {
	s := mux.Vars(r)["address"]
	if !common.IsHexAddress(s) {
		return common.Address{}, apperr.Invalid("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeInvalidRequest:
		return http.StatusBadRequest
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeNotCreator:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeExpired:
		return http.StatusGone
	case apperr.CodeNotActive, apperr.CodeSelfTrade, apperr.CodeStoreConflict,
		apperr.CodeAssetUnavailable, apperr.CodeNotOwner, apperr.CodeInsufficientFunds, apperr.CodeAlreadyLocked:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, data any) {
	respondStatus(w, http.StatusOK, data)
}

func respondStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	msg := apperr.MessageOf(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		code, msg = apperr.CodeStoreFailure, "request cancelled"
	}
	if code == apperr.CodeStoreFailure && msg == "" {
		msg = "internal error"
	}
	respondStatus(w, StatusFor(code), ErrorResponse{Error: string(code), Message: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		fields := []any{"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start)}
		if rec.status >= 500 {
			s.log.Warnw("http_request", fields...)
		} else {
			s.log.Debugw("http_request", fields...)
		}
	})
}
