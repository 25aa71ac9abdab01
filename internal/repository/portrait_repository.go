package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pawcasso/pawcasso/internal/models"
)

type PortraitRepository struct {
	db *sql.DB
}

func NewPortraitRepository(db *sql.DB) *PortraitRepository {
	return &PortraitRepository{db: db}
}

func (r *PortraitRepository) Create(ctx context.Context, p *models.Portrait) error {
	const query = `
INSERT INTO portraits (id, client_id, pet_name, pet_gender, style, description, preview_url, hd_key, paid, checkout_session_id)
VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, 0, NULLIF(?, ''))`
	if _, err := r.db.ExecContext(ctx, query, p.ID, p.ClientID, p.PetName, p.PetGender, p.Style, p.Description, p.PreviewURL, p.HDKey, p.CheckoutSessionID); err != nil {
		return fmt.Errorf("insert portrait: %w", err)
	}
	return nil
}

func (r *PortraitRepository) GetByID(ctx context.Context, id string) (*models.Portrait, error) {
	const query = `
SELECT id, client_id, pet_name, pet_gender, style, COALESCE(description, ''), preview_url, hd_key, paid, paid_at, COALESCE(checkout_session_id, ''), created_at, updated_at
FROM portraits WHERE id = ?`
	row := r.db.QueryRowContext(ctx, query, id)
	var p models.Portrait
	var paid int
	var paidAt sql.NullTime
	if err := row.Scan(&p.ID, &p.ClientID, &p.PetName, &p.PetGender, &p.Style, &p.Description, &p.PreviewURL, &p.HDKey, &paid, &paidAt, &p.CheckoutSessionID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan portrait: %w", err)
	}
	p.Paid = paid != 0
	if paidAt.Valid {
		t := paidAt.Time
		p.PaidAt = &t
	}
	return &p, nil
}

func (r *PortraitRepository) SetCheckoutSession(ctx context.Context, id, sessionID string) error {
	const query = `UPDATE portraits SET checkout_session_id = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, sessionID, id); err != nil {
		return fmt.Errorf("set checkout session: %w", err)
	}
	return nil
}

// MarkPaid flips the paid flag; idempotent under webhook redelivery.
func (r *PortraitRepository) MarkPaid(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE portraits SET paid = 1, paid_at = COALESCE(paid_at, ?), updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, at.UTC(), id); err != nil {
		return fmt.Errorf("mark portrait paid: %w", err)
	}
	return nil
}

// RevokePaid clears the paid flag after a refund or dispute.
func (r *PortraitRepository) RevokePaid(ctx context.Context, id string) error {
	const query = `UPDATE portraits SET paid = 0, paid_at = NULL, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("revoke portrait paid: %w", err)
	}
	return nil
}

func (r *PortraitRepository) FindByCheckoutSession(ctx context.Context, sessionID string) (*models.Portrait, error) {
	const query = `
SELECT id, client_id, pet_name, pet_gender, style, COALESCE(description, ''), preview_url, hd_key, paid, paid_at, COALESCE(checkout_session_id, ''), created_at, updated_at
FROM portraits WHERE checkout_session_id = ? LIMIT 1`
	row := r.db.QueryRowContext(ctx, query, sessionID)
	var p models.Portrait
	var paid int
	var paidAt sql.NullTime
	if err := row.Scan(&p.ID, &p.ClientID, &p.PetName, &p.PetGender, &p.Style, &p.Description, &p.PreviewURL, &p.HDKey, &paid, &paidAt, &p.CheckoutSessionID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan portrait by session: %w", err)
	}
	p.Paid = paid != 0
	if paidAt.Valid {
		t := paidAt.Time
		p.PaidAt = &t
	}
	return &p, nil
}
