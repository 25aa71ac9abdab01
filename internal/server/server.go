// Package server exposes the public HTTP API: uploads, session triggers,
// portrait lookups, checkout and the payment webhook.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/pawcasso/pawcasso/internal/config"
	"github.com/pawcasso/pawcasso/internal/ledger"
	"github.com/pawcasso/pawcasso/internal/models"
	"github.com/pawcasso/pawcasso/internal/ratelimit"
	"github.com/pawcasso/pawcasso/internal/session"
)

const clientCookieName = "pawcasso_client"

type contextKey string

const clientIDKey contextKey = "client_id"

// PortraitSource serves portrait lookups and gated HD download links.
type PortraitSource interface {
	Get(ctx context.Context, id string) (*models.Portrait, error)
	DownloadURL(ctx context.Context, clientID, portraitID string) (string, error)
}

// PackCatalog lists the purchasable credit packs.
type PackCatalog interface {
	List(ctx context.Context) ([]models.CreditPack, error)
}

// PromoRedeemer exchanges a promo code for bonus credits.
type PromoRedeemer interface {
	Redeem(ctx context.Context, clientID, code string) (int, error)
}

// PaymentGateway covers the payment operations the public API reaches
// outside a session machine.
type PaymentGateway interface {
	StartPackCheckout(ctx context.Context, clientID string, packID int64, email string) (string, error)
	HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error
}

type Server struct {
	cfg       config.Config
	log       *slog.Logger
	sessions  *session.Store
	portraits PortraitSource
	packs     PackCatalog
	promos    PromoRedeemer
	payments  PaymentGateway
	ledgers   session.LedgerStore
	limiter   *ratelimit.Limiter
	rules     ledger.Rules

	httpServer *http.Server
}

func New(cfg config.Config, log *slog.Logger, sessions *session.Store, portraits PortraitSource, packs PackCatalog, promos PromoRedeemer, pay PaymentGateway, ledgers session.LedgerStore, limiter *ratelimit.Limiter, rules ledger.Rules) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		sessions:  sessions,
		portraits: portraits,
		packs:     packs,
		promos:    promos,
		payments:  pay,
		ledgers:   ledgers,
		limiter:   limiter,
		rules:     rules,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// The webhook authenticates by signature, not by client identity, and
	// must never be rate limited away from the payment provider.
	r.Post("/webhook/stripe", s.handleStripeWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.clientIdentity)
		r.Use(s.rateLimit)

		r.Post("/generate", s.handleGenerate)
		r.Post("/retry", s.handleRetry)
		r.Post("/purchase", s.handleBeginPurchase)
		r.Post("/checkout", s.handleCheckout)

		r.Get("/session", s.handleSession)
		r.Post("/session/reset", s.handleReset)

		r.Get("/portraits/{id}", s.handleGetPortrait)
		r.Get("/portraits/{id}/download", s.handleDownload)

		r.Get("/packs", s.handleListPacks)
		r.Post("/promo/redeem", s.handleRedeemPromo)
	})

	return r
}

func (s *Server) Start() error {
	s.log.Info("public api listening", "addr", s.cfg.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// clientIdentity resolves the caller's stable client ID. An explicit header
// wins; otherwise the cookie is used, minted on first contact.
func (s *Server) clientIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := r.Header.Get("X-Client-ID")
		if clientID == "" {
			if c, err := r.Cookie(clientCookieName); err == nil {
				clientID = c.Value
			}
		}
		if clientID == "" || uuid.Validate(clientID) != nil {
			clientID = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     clientCookieName,
				Value:    clientID,
				Path:     "/",
				MaxAge:   int((365 * 24 * time.Hour).Seconds()),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		ctx := context.WithValue(r.Context(), clientIDKey, clientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIDFrom(r.Context())) {
			writeError(w, http.StatusTooManyRequests, "too many requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey).(string)
	return id
}
