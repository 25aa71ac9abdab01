package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/pawcasso/pawcasso/internal/models"
	"github.com/pawcasso/pawcasso/internal/repository"
)

var (
	ErrPromoNotFound    = errors.New("promo code not found")
	ErrPromoExhausted   = errors.New("promo code has no uses left")
	ErrPromoAlreadyUsed = errors.New("promo code already redeemed by this client")
)

const mysqlDuplicateEntry = 1062

// PromoService redeems promo codes for bonus pack credits. A code is limited
// both globally (max_uses) and to one redemption per client.
type PromoService struct {
	log          *slog.Logger
	promos       *repository.PromoRepository
	ledgers      *repository.LedgerRepository
	bonusCredits int
}

func NewPromoService(log *slog.Logger, promos *repository.PromoRepository, ledgers *repository.LedgerRepository, bonusCredits int) *PromoService {
	return &PromoService{
		log:          log,
		promos:       promos,
		ledgers:      ledgers,
		bonusCredits: bonusCredits,
	}
}

// Redeem grants the bonus credits for code. The counter update and the
// per-client redemption record commit in one transaction so a concurrent
// redeem cannot oversell the code.
func (s *PromoService) Redeem(ctx context.Context, clientID, code string) (int, error) {
	code = strings.TrimSpace(strings.ToUpper(code))
	if code == "" {
		return 0, ErrPromoNotFound
	}

	tx, err := s.promos.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin redeem tx: %w", err)
	}
	defer tx.Rollback()

	var promoID int64
	var maxUses, uses int
	row := tx.QueryRowContext(ctx, `SELECT id, max_uses, uses FROM promo_codes WHERE code = ? FOR UPDATE`, code)
	if err := row.Scan(&promoID, &maxUses, &uses); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrPromoNotFound
		}
		return 0, fmt.Errorf("lock promo: %w", err)
	}
	if uses >= maxUses {
		return 0, ErrPromoExhausted
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO promo_redemptions (client_id, promo_code_id) VALUES (?, ?)`, clientID, promoID); err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return 0, ErrPromoAlreadyUsed
		}
		return 0, fmt.Errorf("record redemption: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE promo_codes SET uses = uses + 1 WHERE id = ?`, promoID); err != nil {
		return 0, fmt.Errorf("count redemption: %w", err)
	}
	// The grant rides the same transaction: a one-time redemption must never
	// commit without its credits.
	if err := s.ledgers.AddPackCreditsTx(ctx, tx, clientID, s.bonusCredits, false); err != nil {
		return 0, fmt.Errorf("grant promo credits: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit redeem tx: %w", err)
	}

	s.log.Info("promo redeemed", "code", code, "client_id", clientID, "credits", s.bonusCredits)
	return s.bonusCredits, nil
}

func (s *PromoService) List(ctx context.Context) ([]models.PromoCode, error) {
	return s.promos.List(ctx)
}

func (s *PromoService) GetByID(ctx context.Context, id int64) (*models.PromoCode, error) {
	return s.promos.GetByID(ctx, id)
}

func (s *PromoService) Create(ctx context.Context, code string, maxUses int) (*models.PromoCode, error) {
	code = strings.TrimSpace(strings.ToUpper(code))
	if code == "" {
		return nil, fmt.Errorf("promo code is required")
	}
	if maxUses <= 0 {
		return nil, fmt.Errorf("max_uses must be positive")
	}
	return s.promos.Create(ctx, &models.PromoCode{Code: code, MaxUses: maxUses})
}

func (s *PromoService) Update(ctx context.Context, id int64, code string, maxUses, uses int) (*models.PromoCode, error) {
	return s.promos.Update(ctx, &models.PromoCode{ID: id, Code: code, MaxUses: maxUses, Uses: uses})
}

func (s *PromoService) Delete(ctx context.Context, id int64) error {
	return s.promos.Delete(ctx, id)
}
