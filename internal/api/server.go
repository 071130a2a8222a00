// Package api is the local HTTP surface the display layer talks to. It is
// bound to loopback on the terminal; there is no auth of its own.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"till/internal/cart"
	"till/internal/catalog"
	"till/internal/connectivity"
	"till/internal/metrics"
	"till/internal/model"
	"till/internal/queue"
	"till/internal/remote"
	"till/internal/syncer"
)

// InvoiceProxy is the pass-through slice of the backend client for the
// invoice browsing page.
type InvoiceProxy interface {
	ListInvoices(ctx context.Context, page, limit int) ([]byte, error)
	GetInvoice(ctx context.Context, id int64) ([]byte, error)
}

type Server struct {
	catalog  *catalog.Manager
	cart     *cart.Manager
	queue    *queue.Manager
	syncer   *syncer.Coordinator
	mon      *connectivity.Monitor
	invoices InvoiceProxy
	mreg     *metrics.Registry

	upgrader websocket.Upgrader
	// statusInterval paces the pending-count refresh pushed over /ws/status.
	statusInterval time.Duration
}

func NewServer(cat *catalog.Manager, crt *cart.Manager, q *queue.Manager, sc *syncer.Coordinator, mon *connectivity.Monitor, invoices InvoiceProxy, mreg *metrics.Registry) *Server {
	return &Server{
		catalog:  cat,
		cart:     crt,
		queue:    q,
		syncer:   sc,
		mon:      mon,
		invoices: invoices,
		mreg:     mreg,
		upgrader: websocket.Upgrader{
			// The display layer is served from the terminal itself.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		statusInterval: 30 * time.Second,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/products/search", s.handleSearch)

	r.Get("/api/cart", s.handleGetCart)
	r.Post("/api/cart/items", s.handleAddToCart)
	r.Put("/api/cart/items/{productID}", s.handleUpdateQuantity)
	r.Delete("/api/cart/items/{productID}", s.handleRemoveFromCart)

	r.Post("/api/checkout", s.handleCheckout)

	r.Get("/api/sync/pending", s.handlePendingCount)
	r.Post("/api/sync/drain", s.handleDrain)

	r.Get("/api/invoices", s.handleListInvoices)
	r.Get("/api/invoices/{id}", s.handleGetInvoice)

	r.Get("/ws/status", s.handleStatusSocket)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.mreg.Handler())

	return r
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	res, err := s.catalog.Search(r.Context(), r.URL.Query().Get("query"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetCart(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, linesPayload(s.cart.Lines()))
}

func (s *Server) handleAddToCart(w http.ResponseWriter, r *http.Request) {
	var entry model.CatalogEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	lines, err := s.cart.Add(r.Context(), entry)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, linesPayload(lines))
}

func (s *Server) handleUpdateQuantity(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid product id", http.StatusBadRequest)
		return
	}
	var body struct {
		Quantity int64 `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	lines, err := s.cart.UpdateQuantity(r.Context(), productID, body.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, linesPayload(lines))
}

func (s *Server) handleRemoveFromCart(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid product id", http.StatusBadRequest)
		return
	}
	lines, err := s.cart.Remove(r.Context(), productID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, linesPayload(lines))
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.Checkout(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePendingCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.queue.PendingCount(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	res, err := s.syncer.Drain(r.Context())
	if errors.Is(err, syncer.ErrAlreadyRunning) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "drain already running"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	page := intParam(r, "page", 1)
	limit := intParam(r, "limit", 10)
	raw, err := s.invoices.ListInvoices(r.Context(), page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, raw)
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid invoice id", http.StatusBadRequest)
		return
	}
	raw, err := s.invoices.GetInvoice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRaw(w, raw)
}

// statusMessage is what /ws/status pushes: on every connectivity transition
// and on a periodic pending-count refresh.
type statusMessage struct {
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
}

func (s *Server) handleStatusSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.mon.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Read pump only to notice the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func() bool {
		count, err := s.queue.PendingCount(ctx)
		if err != nil {
			log.Printf("api: pending count for status push failed: %v", err)
		}
		msg := statusMessage{Online: s.mon.Online(), Pending: count}
		if err := conn.WriteJSON(msg); err != nil {
			return false
		}
		return true
	}

	if !send() {
		return
	}
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok || !send() {
				return
			}
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

func linesPayload(lines []model.CartLine) []model.CartLine {
	if lines == nil {
		return []model.CartLine{}
	}
	return lines
}

func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeRaw(w http.ResponseWriter, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrEmptyCart),
		errors.Is(err, model.ErrInvalidQuantity),
		errors.Is(err, model.ErrInvalidPrice):
		status = http.StatusBadRequest
	case errors.Is(err, cart.ErrNotInCart):
		status = http.StatusNotFound
	case errors.Is(err, remote.ErrRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, remote.ErrUnavailable):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
