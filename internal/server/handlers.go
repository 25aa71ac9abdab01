package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pawcasso/pawcasso/internal/models"
	"github.com/pawcasso/pawcasso/internal/payments"
	"github.com/pawcasso/pawcasso/internal/service"
	"github.com/pawcasso/pawcasso/internal/session"
)

const (
	multipartMemory  = 8 << 20
	maxWebhookBytes  = 1 << 20
	genericGenFailed = "portrait generation failed, please try again"
)

type attemptResponse struct {
	AttemptID  string    `json:"attempt_id"`
	PreviewURL string    `json:"preview_url"`
	IsRetry    bool      `json:"is_retry"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type quotaResponse struct {
	FreeAllowance  int  `json:"free_allowance"`
	FreeUsed       int  `json:"free_used"`
	FreeRemaining  int  `json:"free_remaining"`
	PackCredits    int  `json:"pack_credits"`
	RetryAvailable bool `json:"retry_available"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "uploaded photo is too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("photo")
	if err != nil {
		writeError(w, http.StatusBadRequest, "photo file is required")
		return
	}
	defer file.Close()

	photo, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read uploaded photo")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(photo)
	}
	if !allowedUpload(contentType) {
		writeError(w, http.StatusUnsupportedMediaType, "photo must be a JPEG, PNG or WebP image")
		return
	}

	gender, ok := parseGender(r.FormValue("pet_gender"))
	if !ok {
		writeError(w, http.StatusBadRequest, "pet_gender must be male or female")
		return
	}
	style, ok := parseStyle(r.FormValue("style"))
	if !ok {
		writeError(w, http.StatusBadRequest, "style must be renaissance, baroque or regal")
		return
	}

	machine := s.sessions.Get(clientID)
	attempt, err := machine.Submit(r.Context(), session.GenerateInput{
		Photo:       photo,
		ContentType: contentType,
		PetName:     r.FormValue("pet_name"),
		PetGender:   gender,
		Style:       style,
	})
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAttemptResponse(attempt))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	machine := s.sessions.Get(clientIDFrom(r.Context()))
	attempt, err := machine.Retry(r.Context())
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAttemptResponse(attempt))
}

func (s *Server) handleBeginPurchase(w http.ResponseWriter, r *http.Request) {
	machine := s.sessions.Get(clientIDFrom(r.Context()))
	if err := machine.BeginPurchase(); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, machine.Snapshot())
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFrom(r.Context())

	var req struct {
		Email  string `json:"email"`
		Target string `json:"target"`
		PackID int64  `json:"pack_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Target {
	case "", "portrait":
		machine := s.sessions.Get(clientID)
		url, err := machine.SubmitEmail(r.Context(), req.Email)
		if err != nil {
			s.writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"checkout_url": url})
	case "pack":
		if !session.ValidEmail(req.Email) {
			writeError(w, http.StatusBadRequest, session.ErrInvalidEmail.Error())
			return
		}
		url, err := s.payments.StartPackCheckout(r.Context(), clientID, req.PackID, req.Email)
		if err != nil {
			if errors.Is(err, payments.ErrPackNotFound) {
				writeError(w, http.StatusNotFound, "credit pack not found")
				return
			}
			s.log.Error("pack checkout failed", "client_id", clientID, "err", err)
			writeError(w, http.StatusBadGateway, "could not start checkout, please try again")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"checkout_url": url})
	default:
		writeError(w, http.StatusBadRequest, "target must be portrait or pack")
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFrom(r.Context())
	machine := s.sessions.Get(clientID)

	led, err := s.ledgers.Load(r.Context(), clientID)
	if err != nil {
		s.log.Error("load ledger failed", "client_id", clientID, "err", err)
		writeError(w, http.StatusInternalServerError, "something went wrong")
		return
	}

	allowance := led.FreeAllowance(s.rules)
	remaining := allowance - led.FreeGenerationsUsed
	if remaining < 0 {
		remaining = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": machine.Snapshot(),
		"quota": quotaResponse{
			FreeAllowance:  allowance,
			FreeUsed:       led.FreeGenerationsUsed,
			FreeRemaining:  remaining,
			PackCredits:    led.PackCreditsRemaining,
			RetryAvailable: !led.FreeRetryUsed,
		},
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	machine := s.sessions.Get(clientIDFrom(r.Context()))
	machine.Reset()
	writeJSON(w, http.StatusOK, machine.Snapshot())
}

func (s *Server) handleGetPortrait(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if len(id) != 36 || uuid.Validate(id) != nil {
		writeError(w, http.StatusBadRequest, "portrait id must be a UUID")
		return
	}

	portrait, err := s.portraits.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrPortraitNotFound) {
			writeError(w, http.StatusNotFound, "portrait not found")
			return
		}
		s.log.Error("portrait lookup failed", "portrait_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "something went wrong")
		return
	}

	resp := map[string]any{
		"id":          portrait.ID,
		"pet_name":    portrait.PetName,
		"style":       string(portrait.Style),
		"preview_url": portrait.PreviewURL,
		"paid":        portrait.Paid,
		"created_at":  portrait.CreatedAt,
	}
	// The HD artifact stays invisible until payment cleared.
	if portrait.Paid {
		resp["download_path"] = "/api/portraits/" + portrait.ID + "/download"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if len(id) != 36 || uuid.Validate(id) != nil {
		writeError(w, http.StatusBadRequest, "portrait id must be a UUID")
		return
	}

	url, err := s.portraits.DownloadURL(r.Context(), clientIDFrom(r.Context()), id)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPortraitNotFound):
			writeError(w, http.StatusNotFound, "portrait not found")
		case errors.Is(err, service.ErrNotPaid):
			writeError(w, http.StatusForbidden, "this portrait has not been purchased")
		default:
			s.log.Error("download link failed", "portrait_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "something went wrong")
		}
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleListPacks(w http.ResponseWriter, r *http.Request) {
	packs, err := s.packs.List(r.Context())
	if err != nil {
		s.log.Error("list packs failed", "err", err)
		writeError(w, http.StatusInternalServerError, "something went wrong")
		return
	}
	type packResponse struct {
		ID              int64  `json:"id"`
		Title           string `json:"title"`
		Description     string `json:"description"`
		Currency        string `json:"currency"`
		PriceMinorUnits int    `json:"price_minor_units"`
		Credits         int    `json:"credits"`
	}
	out := make([]packResponse, 0, len(packs))
	for _, p := range packs {
		if !p.IsActive {
			continue
		}
		out = append(out, packResponse{
			ID:              p.ID,
			Title:           p.Title,
			Description:     p.Description,
			Currency:        p.Currency,
			PriceMinorUnits: p.PriceMinorUnits,
			Credits:         p.Credits,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"packs": out})
}

func (s *Server) handleRedeemPromo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	credits, err := s.promos.Redeem(r.Context(), clientIDFrom(r.Context()), req.Code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPromoNotFound):
			writeError(w, http.StatusNotFound, "promo code not found")
		case errors.Is(err, service.ErrPromoExhausted):
			writeError(w, http.StatusGone, "promo code has no uses left")
		case errors.Is(err, service.ErrPromoAlreadyUsed):
			writeError(w, http.StatusConflict, "promo code already redeemed")
		default:
			s.log.Error("promo redeem failed", "err", err)
			writeError(w, http.StatusInternalServerError, "something went wrong")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"credits_granted": credits})
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read webhook payload")
		return
	}

	if err := s.payments.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			writeError(w, http.StatusBadRequest, "invalid signature")
			return
		}
		s.log.Error("webhook handling failed", "err", err)
		writeError(w, http.StatusInternalServerError, "something went wrong")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// writeSessionError maps machine errors onto HTTP statuses. Vendor failures
// surface as a generic retryable message, never the raw error.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	var quotaErr *session.QuotaError
	switch {
	case errors.As(err, &quotaErr):
		writeError(w, http.StatusPaymentRequired, quotaErr.Reason)
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, session.ErrBusy.Error())
	case errors.Is(err, session.ErrExpired):
		writeError(w, http.StatusGone, session.ErrExpired.Error())
	case errors.Is(err, session.ErrRetryUnavailable):
		writeError(w, http.StatusForbidden, session.ErrRetryUnavailable.Error())
	case errors.Is(err, session.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, session.ErrInvalidEmail.Error())
	case errors.Is(err, session.ErrNoAttempt):
		writeError(w, http.StatusNotFound, session.ErrNoAttempt.Error())
	default:
		s.log.Error("session operation failed", "err", err)
		writeError(w, http.StatusBadGateway, genericGenFailed)
	}
}

func toAttemptResponse(a *session.Attempt) attemptResponse {
	return attemptResponse{
		AttemptID:  a.AttemptID,
		PreviewURL: a.PreviewURL,
		IsRetry:    a.IsRetry,
		ExpiresAt:  a.ExpiresAt,
	}
}

func allowedUpload(contentType string) bool {
	switch contentType {
	case "image/jpeg", "image/jpg", "image/png", "image/webp":
		return true
	}
	return false
}

func parseGender(raw string) (models.PetGender, bool) {
	switch models.PetGender(raw) {
	case models.GenderMale, models.GenderFemale:
		return models.PetGender(raw), true
	}
	return "", false
}

func parseStyle(raw string) (models.PortraitStyle, bool) {
	switch models.PortraitStyle(raw) {
	case models.StyleRenaissance, models.StyleBaroque, models.StyleRegal:
		return models.PortraitStyle(raw), true
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
