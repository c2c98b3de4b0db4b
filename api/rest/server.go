// Package rest is the HTTP and websocket surface of the exchange.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/zkim73895/tochka-stock-zhstb/domain/instrument"
	"github.com/zkim73895/tochka-stock-zhstb/domain/journal"
	"github.com/zkim73895/tochka-stock-zhstb/domain/matching"
	"github.com/zkim73895/tochka-stock-zhstb/domain/orderbook"
	"github.com/zkim73895/tochka-stock-zhstb/infra/sequence"
	"github.com/zkim73895/tochka-stock-zhstb/service"
)

// UserHeader carries the account of the caller when the body has none.
const UserHeader = "X-User-Id"

// Exchange is what the handlers need from service.Exchange.
type Exchange interface {
	RegisterInstrument(ctx context.Context, name, ticker string) (instrument.Instrument, error)
	Instruments(ctx context.Context) ([]instrument.Instrument, error)
	Instrument(ctx context.Context, ticker string) (instrument.Instrument, error)

	Submit(ctx context.Context, ticker string, in orderbook.Intent) (matching.Result, error)
	Cancel(ctx context.Context, ticker, orderID string) (matching.CancelResult, error)
	Order(ctx context.Context, ticker, orderID string) (orderbook.Order, error)
	Depth(ctx context.Context, ticker string, n int) (service.Book, error)
	OrdersByAccount(ctx context.Context, account string) ([]service.AccountOrder, error)

	Recover(ctx context.Context, ticker string) error
	Failures() map[string]error
}

type Options struct {
	// AllowedOrigins for CORS; empty allows every origin.
	AllowedOrigins []string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// DefaultDepth is used when the orderbook request has no depth.
	DefaultDepth int
}

// Server handles REST API and WebSocket connections
type Server struct {
	ex     Exchange
	hub    *Hub
	opts   Options
	router *mux.Router
	log    *zap.Logger
}

func NewServer(ex Exchange, hub *Hub, opts Options, log *zap.Logger) *Server {
	if opts.DefaultDepth <= 0 {
		opts.DefaultDepth = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		ex:     ex,
		hub:    hub,
		opts:   opts,
		router: mux.NewRouter(),
		log:    log.Named("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Instruments
	api.HandleFunc("/instruments", s.handleListInstruments).Methods(http.MethodGet)
	api.HandleFunc("/instruments", s.handleCreateInstrument).Methods(http.MethodPost)
	api.HandleFunc("/instruments/{ticker}", s.handleGetInstrument).Methods(http.MethodGet)
	api.HandleFunc("/instruments/{ticker}/orderbook", s.handleGetOrderbook).Methods(http.MethodGet)

	// Orders
	api.HandleFunc("/orders/market", s.handleCreateOrder(orderbook.Market)).Methods(http.MethodPost)
	api.HandleFunc("/orders/limit", s.handleCreateOrder(orderbook.Limit)).Methods(http.MethodPost)
	api.HandleFunc("/orders/{ticker}/{id}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{ticker}/{id}", s.handleCancelOrder).Methods(http.MethodDelete)

	// Users
	api.HandleFunc("/users/{user_id}/orders", s.handleUserOrders).Methods(http.MethodGet)
	api.HandleFunc("/users/{user_id}/orders/{type:market|limit}", s.handleUserOrders).Methods(http.MethodGet)

	// Admin
	api.HandleFunc("/admin/instruments/{ticker}/recover", s.handleRecover).Methods(http.MethodPost)

	if s.hub != nil {
		s.router.HandleFunc("/ws", s.handleWebSocket)
	}
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", UserHeader},
	})
	return c.Handler(s.router)
}

// ==============================
// Instruments
// ==============================

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	list, err := s.ex.Instruments(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if list == nil {
		list = []instrument.Instrument{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req InstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	inst, err := s.ex.RegisterInstrument(r.Context(), req.Name, req.Ticker)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := s.ex.Instrument(r.Context(), tickerVar(r))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	depth := s.opts.DefaultDepth
	if v := r.URL.Query().Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid depth", "depth must be a positive integer")
			return
		}
		depth = n
	}

	book, err := s.ex.Depth(r.Context(), tickerVar(r), depth)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, book)
}

// ==============================
// Orders
// ==============================

func (s *Server) handleCreateOrder(kind orderbook.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
			return
		}

		side, err := orderbook.ParseSide(req.Direction)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		in := orderbook.Intent{
			OrderID: req.ID,
			Account: req.UserID,
			Side:    side,
			Kind:    kind,
			Qty:     req.Qty,
		}
		if in.Account == "" {
			in.Account = r.Header.Get(UserHeader)
		}
		if req.Price != nil {
			in.Price = *req.Price
		}

		ticker := strings.ToUpper(req.Ticker)
		res, err := s.ex.Submit(r.Context(), ticker, in)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, CreateOrderResponse{
			Success: true,
			OrderID: res.Order.ID,
			Order:   orderResponse(ticker, res.Order, res.Trades),
		})
	}
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	ticker := tickerVar(r)
	o, err := s.ex.Order(r.Context(), ticker, mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orderResponse(ticker, o, nil))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	ticker := tickerVar(r)
	res, err := s.ex.Cancel(r.Context(), ticker, mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, orderResponse(ticker, res.Order, nil))
}

// ==============================
// Users
// ==============================

// handleUserOrders lists a user's orders on every instrument, optionally
// only those of one order type.
func (s *Server) handleUserOrders(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var only orderbook.Kind
	if t := vars["type"]; t != "" {
		kind, err := orderbook.ParseKind(t)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		only = kind
	}

	orders, err := s.ex.OrdersByAccount(r.Context(), vars["user_id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	out := make([]OrderResponse, 0, len(orders))
	for _, ao := range orders {
		if only != 0 && ao.Order.Kind != only {
			continue
		}
		out = append(out, orderResponse(ao.Ticker, ao.Order, nil))
	}
	respondJSON(w, http.StatusOK, out)
}

// ==============================
// Admin & health
// ==============================

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	ticker := tickerVar(r)
	if err := s.ex.Recover(r.Context(), ticker); err != nil {
		s.respondErr(w, err)
		return
	}
	s.log.Info("instrument recovered", zap.String("ticker", ticker))
	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Time: time.Now().UTC()}
	status := http.StatusOK
	if failures := s.ex.Failures(); len(failures) > 0 {
		resp.Status = "degraded"
		resp.Failures = make(map[string]string, len(failures))
		for ticker, err := range failures {
			resp.Failures[ticker] = err.Error()
		}
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// ==============================
// Helpers
// ==============================

// tickerVar is the route's ticker, normalized the way order creation does.
func tickerVar(r *http.Request) string {
	return strings.ToUpper(mux.Vars(r)["ticker"])
}

// StatusFor maps a command error to an HTTP status. A stopped shard wraps
// the error that stopped it, so it is checked before any other class.
func StatusFor(err error) int {
	var ve *orderbook.ValidationError
	var te *orderbook.OrderTerminalError
	var wf *journal.WriteFailure
	switch {
	case errors.Is(err, service.ErrShardFailed):
		return http.StatusServiceUnavailable
	case errors.As(err, &ve),
		errors.Is(err, instrument.ErrInvalidTicker),
		errors.Is(err, instrument.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, orderbook.ErrNotFound), errors.Is(err, instrument.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &te), errors.Is(err, instrument.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, service.ErrClosed),
		errors.As(err, &wf),
		errors.Is(err, sequence.ErrExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	respondError(w, status, http.StatusText(status), err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}
