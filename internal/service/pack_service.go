package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pawcasso/pawcasso/internal/config"
	"github.com/pawcasso/pawcasso/internal/models"
	"github.com/pawcasso/pawcasso/internal/repository"
)

// PackService manages the purchasable credit packs.
type PackService struct {
	log   *slog.Logger
	packs *repository.PackRepository
}

func NewPackService(log *slog.Logger, packs *repository.PackRepository) *PackService {
	return &PackService{log: log, packs: packs}
}

func (s *PackService) List(ctx context.Context) ([]models.CreditPack, error) {
	return s.packs.List(ctx)
}

func (s *PackService) Get(ctx context.Context, id int64) (*models.CreditPack, error) {
	return s.packs.GetByID(ctx, id)
}

func (s *PackService) Create(ctx context.Context, pack *models.CreditPack) (*models.CreditPack, error) {
	if err := validatePack(pack); err != nil {
		return nil, err
	}
	return s.packs.Create(ctx, pack)
}

func (s *PackService) Update(ctx context.Context, pack *models.CreditPack) (*models.CreditPack, error) {
	if err := validatePack(pack); err != nil {
		return nil, err
	}
	return s.packs.Update(ctx, pack)
}

func (s *PackService) Delete(ctx context.Context, id int64) error {
	return s.packs.Delete(ctx, id)
}

// EnsureDefault seeds one active pack from configuration when the catalog is
// empty, so a fresh install is sellable without touching the admin panel.
func (s *PackService) EnsureDefault(ctx context.Context, cfg config.Config) error {
	existing, err := s.packs.List(ctx)
	if err != nil {
		return fmt.Errorf("list packs: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	pack, err := s.packs.Create(ctx, &models.CreditPack{
		Title:           fmt.Sprintf("%d portrait pack", cfg.PackCredits),
		Description:     fmt.Sprintf("%d HD portrait generations without watermark", cfg.PackCredits),
		Currency:        cfg.PaymentCurrency,
		PriceMinorUnits: cfg.PackPriceMinor,
		Credits:         cfg.PackCredits,
		IsActive:        true,
	})
	if err != nil {
		return fmt.Errorf("seed default pack: %w", err)
	}
	s.log.Info("seeded default credit pack", "pack_id", pack.ID, "credits", pack.Credits)
	return nil
}

func validatePack(pack *models.CreditPack) error {
	if pack.Title == "" {
		return fmt.Errorf("pack title is required")
	}
	if pack.Credits <= 0 {
		return fmt.Errorf("pack credits must be positive")
	}
	if pack.PriceMinorUnits <= 0 {
		return fmt.Errorf("pack price must be positive")
	}
	if pack.Currency == "" {
		return fmt.Errorf("pack currency is required")
	}
	return nil
}
