// Package admin is the operator-facing panel: pack and promo management plus
// support operations on client ledgers. It listens on its own port behind
// basic auth.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pawcasso/pawcasso/internal/models"
	"github.com/pawcasso/pawcasso/internal/repository"
	"github.com/pawcasso/pawcasso/internal/service"
)

type Server struct {
	addr     string
	username string
	password string
	log      *slog.Logger
	packs    *service.PackService
	promos   *service.PromoService
	ledgers  *repository.LedgerRepository
	router   *chi.Mux
}

func NewServer(addr, username, password string, log *slog.Logger, packs *service.PackService, promos *service.PromoService, ledgers *repository.LedgerRepository) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:     addr,
		username: username,
		password: password,
		log:      log,
		packs:    packs,
		promos:   promos,
		ledgers:  ledgers,
		router:   r,
	}
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Route("/packs", func(r chi.Router) {
			r.Get("/", s.handleListPacks)
			r.Post("/", s.handleCreatePack)
			r.Put("/{id}", s.handleUpdatePack)
			r.Delete("/{id}", s.handleDeletePack)
		})
		protected.Route("/promo-codes", func(r chi.Router) {
			r.Get("/", s.handleListPromos)
			r.Post("/", s.handleCreatePromo)
			r.Put("/{id}", s.handleUpdatePromo)
			r.Delete("/{id}", s.handleDeletePromo)
		})
		protected.Route("/clients/{clientID}", func(r chi.Router) {
			r.Get("/ledger", s.handleGetLedger)
			r.Post("/credits", s.handleGrantCredits)
		})
	})
	return s
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("admin shutdown error", "err", err)
		}
	}()

	s.log.Info("admin panel listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen: %w", err)
	}
	return nil
}

func (s *Server) handleListPacks(w http.ResponseWriter, r *http.Request) {
	packs, err := s.packs.List(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, packs)
}

func (s *Server) handleCreatePack(w http.ResponseWriter, r *http.Request) {
	var req packRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	pack, err := s.packs.Create(r.Context(), &models.CreditPack{
		Title:           req.Title,
		Description:     req.Description,
		Currency:        req.Currency,
		PriceMinorUnits: req.PriceMinorUnits,
		Credits:         req.Credits,
		IsActive:        active,
	})
	if err != nil {
		s.badRequest(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, pack)
}

func (s *Server) handleUpdatePack(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req packUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	existing, err := s.packs.Get(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if existing == nil {
		http.Error(w, "pack not found", http.StatusNotFound)
		return
	}
	if req.Title != nil {
		existing.Title = *req.Title
	}
	if req.Description != nil {
		existing.Description = *req.Description
	}
	if req.Currency != nil {
		existing.Currency = *req.Currency
	}
	if req.PriceMinorUnits != nil {
		existing.PriceMinorUnits = *req.PriceMinorUnits
	}
	if req.Credits != nil {
		existing.Credits = *req.Credits
	}
	if req.IsActive != nil {
		existing.IsActive = *req.IsActive
	}
	pack, err := s.packs.Update(r.Context(), existing)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pack)
}

func (s *Server) handleDeletePack(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.packs.Delete(r.Context(), id); err != nil {
		s.badRequest(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPromos(w http.ResponseWriter, r *http.Request) {
	promos, err := s.promos.List(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, promos)
}

func (s *Server) handleCreatePromo(w http.ResponseWriter, r *http.Request) {
	var req promoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	promo, err := s.promos.Create(r.Context(), req.Code, req.MaxUses)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, promo)
}

func (s *Server) handleUpdatePromo(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req promoUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	existing, err := s.promos.GetByID(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if existing == nil {
		http.Error(w, "promo not found", http.StatusNotFound)
		return
	}
	code := existing.Code
	if req.Code != nil && *req.Code != "" {
		code = *req.Code
	}
	maxUses := existing.MaxUses
	if req.MaxUses != nil && *req.MaxUses > 0 {
		maxUses = *req.MaxUses
	}
	uses := existing.Uses
	if req.Uses != nil && *req.Uses >= 0 {
		uses = *req.Uses
	}
	if uses > maxUses {
		http.Error(w, "uses cannot exceed max_uses", http.StatusBadRequest)
		return
	}
	promo, err := s.promos.Update(r.Context(), id, code, maxUses, uses)
	if err != nil {
		s.badRequest(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, promo)
}

func (s *Server) handleDeletePromo(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.promos.Delete(r.Context(), id); err != nil {
		s.badRequest(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	led, err := s.ledgers.Load(r.Context(), clientID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"client_id":              clientID,
		"free_generations_used":  led.FreeGenerationsUsed,
		"free_retry_used":        led.FreeRetryUsed,
		"purchase_count":         led.PurchaseCount,
		"pack_purchase_count":    led.PackPurchaseCount,
		"pack_credits_remaining": led.PackCreditsRemaining,
	})
}

// handleGrantCredits is the support escape hatch: a manual credit adjustment
// that never touches purchase counters.
func (s *Server) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	var req struct {
		Credits int `json:"credits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Credits == 0 {
		http.Error(w, "credits must be non-zero", http.StatusBadRequest)
		return
	}
	if err := s.ledgers.AddPackCredits(r.Context(), clientID, req.Credits, false); err != nil {
		s.internalError(w, err)
		return
	}
	s.log.Info("manual credit adjustment", "client_id", clientID, "credits", req.Credits)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="pawcasso"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("admin handler error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}

type packRequest struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	Currency        string `json:"currency"`
	PriceMinorUnits int    `json:"price_minor_units"`
	Credits         int    `json:"credits"`
	IsActive        *bool  `json:"is_active"`
}

type packUpdateRequest struct {
	Title           *string `json:"title"`
	Description     *string `json:"description"`
	Currency        *string `json:"currency"`
	PriceMinorUnits *int    `json:"price_minor_units"`
	Credits         *int    `json:"credits"`
	IsActive        *bool   `json:"is_active"`
}

type promoRequest struct {
	Code    string `json:"code"`
	MaxUses int    `json:"max_uses"`
}

type promoUpdateRequest struct {
	Code    *string `json:"code"`
	MaxUses *int    `json:"max_uses"`
	Uses    *int    `json:"uses"`
}
