// Package payments drives the Stripe Checkout purchase flow and consumes the
// asynchronous signed webhook events that confirm or revoke entitlements.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/charge"
	checkout "github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/pawcasso/pawcasso/internal/config"
	"github.com/pawcasso/pawcasso/internal/models"
	"github.com/pawcasso/pawcasso/internal/repository"
)

var (
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrPortraitNotFound = errors.New("portrait not found")
	ErrAlreadyPaid      = errors.New("portrait is already paid")
	ErrPackNotFound     = errors.New("credit pack not found")
)

const provider = "stripe"

type Service struct {
	cfg       config.Config
	log       *slog.Logger
	payments  *repository.PaymentRepository
	portraits *repository.PortraitRepository
	ledgers   *repository.LedgerRepository
	packs     *repository.PackRepository
}

func NewService(cfg config.Config, log *slog.Logger, payments *repository.PaymentRepository, portraits *repository.PortraitRepository, ledgers *repository.LedgerRepository, packs *repository.PackRepository) *Service {
	stripe.Key = cfg.StripeSecretKey
	return &Service{
		cfg:       cfg,
		log:       log,
		payments:  payments,
		portraits: portraits,
		ledgers:   ledgers,
		packs:     packs,
	}
}

// StartPortraitCheckout creates a Checkout Session for one HD portrait and
// returns the redirect URL.
func (s *Service) StartPortraitCheckout(ctx context.Context, clientID, portraitID, email string) (string, error) {
	portrait, err := s.portraits.GetByID(ctx, portraitID)
	if err != nil {
		return "", fmt.Errorf("load portrait: %w", err)
	}
	if portrait == nil {
		return "", ErrPortraitNotFound
	}
	if portrait.Paid {
		return "", ErrAlreadyPaid
	}

	name := "Royal pet portrait"
	if portrait.PetName != "" {
		name = fmt.Sprintf("Royal portrait of %s", portrait.PetName)
	}
	meta := map[string]string{
		"portrait_id": portraitID,
		"client_id":   clientID,
	}

	sess, err := checkout.New(s.checkoutParams(email, name, "High-resolution portrait without watermark", s.cfg.PaymentCurrency, int64(s.cfg.PortraitPriceMinor), meta))
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}

	if err := s.portraits.SetCheckoutSession(ctx, portraitID, sess.ID); err != nil {
		return "", fmt.Errorf("attach checkout session: %w", err)
	}
	record := &models.Payment{
		ClientID:       clientID,
		PortraitID:     &portraitID,
		Provider:       provider,
		ProviderCharge: sess.ID,
		Currency:       s.cfg.PaymentCurrency,
		Amount:         s.cfg.PortraitPriceMinor,
		Status:         "pending",
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return "", fmt.Errorf("record payment: %w", err)
	}

	return sess.URL, nil
}

// StartPackCheckout creates a Checkout Session for a credit pack. A zero
// packID buys the default active pack.
func (s *Service) StartPackCheckout(ctx context.Context, clientID string, packID int64, email string) (string, error) {
	var pack *models.CreditPack
	var err error
	if packID == 0 {
		pack, err = s.packs.GetDefault(ctx)
	} else {
		pack, err = s.packs.GetByID(ctx, packID)
	}
	if err != nil {
		return "", fmt.Errorf("load pack: %w", err)
	}
	if pack == nil || !pack.IsActive {
		return "", ErrPackNotFound
	}

	meta := map[string]string{
		"pack_id":   strconv.FormatInt(pack.ID, 10),
		"client_id": clientID,
	}
	description := pack.Description
	if description == "" {
		description = fmt.Sprintf("%d portrait credits", pack.Credits)
	}

	sess, err := checkout.New(s.checkoutParams(email, pack.Title, description, pack.Currency, int64(pack.PriceMinorUnits), meta))
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}

	packIDCopy := pack.ID
	record := &models.Payment{
		ClientID:       clientID,
		PackID:         &packIDCopy,
		Provider:       provider,
		ProviderCharge: sess.ID,
		Currency:       pack.Currency,
		Amount:         pack.PriceMinorUnits,
		Status:         "pending",
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return "", fmt.Errorf("record payment: %w", err)
	}

	return sess.URL, nil
}

func (s *Service) checkoutParams(email, name, description, currency string, amount int64, meta map[string]string) *stripe.CheckoutSessionParams {
	params := &stripe.CheckoutSessionParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModePayment)),
		CustomerEmail: stripe.String(email),
		SuccessURL:    stripe.String(s.cfg.CheckoutSuccessURL),
		CancelURL:     stripe.String(s.cfg.CheckoutCancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(name),
						Description: stripe.String(description),
					},
				},
			},
		},
		// Copy the metadata onto the payment intent so refund and dispute
		// events can be traced back without an extra lookup.
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: meta,
		},
	}
	for k, v := range meta {
		params.AddMetadata(k, v)
	}
	return params
}

// HandleWebhook verifies the event signature and dispatches. Signature
// failures are returned to the caller (mapped to 400); any failure after
// verification is logged and swallowed so the vendor does not retry-storm us.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := webhook.ConstructEvent(payload, sigHeader, s.cfg.StripeWebhookSecret)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}

	if err := s.dispatch(ctx, event, payload); err != nil {
		s.log.Error("webhook processing failed", "type", string(event.Type), "err", err)
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, event stripe.Event, payload []byte) error {
	switch event.Type {
	case "checkout.session.completed":
		return s.handleCompleted(ctx, event, payload)
	case "checkout.session.expired":
		return s.updatePaymentFromSession(ctx, event, "expired", payload)
	case "checkout.session.async_payment_failed":
		return s.updatePaymentFromSession(ctx, event, "payment_failed", payload)
	case "charge.refunded":
		return s.handleRefunded(ctx, event)
	case "charge.dispute.created":
		return s.handleDispute(ctx, event)
	default:
		s.log.Info("ignoring webhook event", "type", string(event.Type))
		return nil
	}
}

func (s *Service) handleCompleted(ctx context.Context, event stripe.Event, payload []byte) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("parse checkout session: %w", err)
	}
	clientID := sess.Metadata["client_id"]
	if clientID == "" {
		return fmt.Errorf("completed session %s missing client_id", sess.ID)
	}

	// The pending payment row doubles as the dedup record for this event.
	// Providers redeliver; the entitlement must be granted at most once.
	pmt, err := s.payments.FindByProviderCharge(ctx, provider, sess.ID)
	if err != nil {
		return err
	}
	if pmt == nil {
		return fmt.Errorf("payment not found for session %s", sess.ID)
	}
	if pmt.Status == "paid" {
		s.log.Info("ignoring redelivered completed event", "session_id", sess.ID)
		return nil
	}

	if portraitID := sess.Metadata["portrait_id"]; portraitID != "" {
		if err := s.portraits.MarkPaid(ctx, portraitID, time.Now()); err != nil {
			return err
		}
		// A single-portrait purchase raises the free allowance but grants
		// no pack credits.
		if err := s.ledgers.AddPackCredits(ctx, clientID, 0, true); err != nil {
			return err
		}
		s.log.Info("portrait unlocked", "portrait_id", portraitID, "session_id", sess.ID)
	} else if packIDRaw := sess.Metadata["pack_id"]; packIDRaw != "" {
		packID, err := strconv.ParseInt(packIDRaw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse pack_id %q: %w", packIDRaw, err)
		}
		pack, err := s.packs.GetByID(ctx, packID)
		if err != nil {
			return err
		}
		if pack == nil {
			return fmt.Errorf("pack %d not found for completed session %s", packID, sess.ID)
		}
		if err := s.ledgers.AddPackCredits(ctx, clientID, pack.Credits, true); err != nil {
			return err
		}
		s.log.Info("pack credits granted", "pack_id", packID, "credits", pack.Credits, "session_id", sess.ID)
	} else {
		return fmt.Errorf("completed session %s has no purchase target", sess.ID)
	}

	return s.payments.UpdateStatus(ctx, pmt.ID, "paid", string(payload))
}

func (s *Service) updatePaymentFromSession(ctx context.Context, event stripe.Event, status string, payload []byte) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("parse checkout session: %w", err)
	}
	return s.markPaymentStatus(ctx, sess.ID, status, payload)
}

func (s *Service) markPaymentStatus(ctx context.Context, sessionID, status string, payload []byte) error {
	pmt, err := s.payments.FindByProviderCharge(ctx, provider, sessionID)
	if err != nil {
		return err
	}
	if pmt == nil {
		return fmt.Errorf("payment not found for session %s", sessionID)
	}
	if pmt.Status == status {
		return nil // already processed
	}
	return s.payments.UpdateStatus(ctx, pmt.ID, status, string(payload))
}

func (s *Service) handleRefunded(ctx context.Context, event stripe.Event) error {
	var ch stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
		return fmt.Errorf("parse charge: %w", err)
	}
	return s.revokeEntitlement(ctx, ch.Metadata, "refund")
}

func (s *Service) handleDispute(ctx context.Context, event stripe.Event) error {
	var dispute stripe.Dispute
	if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
		return fmt.Errorf("parse dispute: %w", err)
	}
	if dispute.Charge == nil || dispute.Charge.ID == "" {
		return fmt.Errorf("dispute %s carries no charge", dispute.ID)
	}
	ch, err := charge.Get(dispute.Charge.ID, nil)
	if err != nil {
		return fmt.Errorf("fetch disputed charge: %w", err)
	}
	return s.revokeEntitlement(ctx, ch.Metadata, "dispute")
}

// revokeEntitlement pulls back whatever the original purchase granted.
func (s *Service) revokeEntitlement(ctx context.Context, meta map[string]string, cause string) error {
	clientID := meta["client_id"]
	if portraitID := meta["portrait_id"]; portraitID != "" {
		if err := s.portraits.RevokePaid(ctx, portraitID); err != nil {
			return err
		}
		s.log.Info("portrait entitlement revoked", "portrait_id", portraitID, "cause", cause)
		return nil
	}
	if packIDRaw := meta["pack_id"]; packIDRaw != "" && clientID != "" {
		packID, err := strconv.ParseInt(packIDRaw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse pack_id %q: %w", packIDRaw, err)
		}
		pack, err := s.packs.GetByID(ctx, packID)
		if err != nil {
			return err
		}
		if pack == nil {
			return fmt.Errorf("pack %d not found while revoking", packID)
		}
		if err := s.ledgers.AddPackCredits(ctx, clientID, -pack.Credits, false); err != nil {
			return err
		}
		s.log.Info("pack credits revoked", "pack_id", packID, "credits", pack.Credits, "cause", cause)
		return nil
	}
	return fmt.Errorf("charge metadata names no entitlement to revoke")
}
