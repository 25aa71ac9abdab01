// Package service holds the business operations between the HTTP layer and
// the repositories.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pawcasso/pawcasso/internal/genai"
	"github.com/pawcasso/pawcasso/internal/imaging"
	"github.com/pawcasso/pawcasso/internal/models"
	"github.com/pawcasso/pawcasso/internal/repository"
	"github.com/pawcasso/pawcasso/internal/session"
	"github.com/pawcasso/pawcasso/internal/storage"
)

var (
	ErrPortraitNotFound = errors.New("portrait not found")
	ErrNotPaid          = errors.New("portrait is not paid")
)

// downloadLinkTTL bounds how long a handed-out HD link stays valid.
const downloadLinkTTL = 15 * time.Minute

// PortraitService runs the generation pipeline and stores both renditions:
// the watermarked preview publicly, the HD artifact privately.
type PortraitService struct {
	log       *slog.Logger
	pipeline  *genai.Pipeline
	uploader  *storage.Uploader
	portraits *repository.PortraitRepository
}

func NewPortraitService(log *slog.Logger, pipeline *genai.Pipeline, uploader *storage.Uploader, portraits *repository.PortraitRepository) *PortraitService {
	return &PortraitService{
		log:       log,
		pipeline:  pipeline,
		uploader:  uploader,
		portraits: portraits,
	}
}

// Generate implements session.Generator. It blocks through the full pipeline
// and returns only once the preview URL is live.
func (s *PortraitService) Generate(ctx context.Context, clientID string, in session.GenerateInput) (*session.GenerateOutput, error) {
	start := time.Now()

	art, err := s.pipeline.Run(ctx, &genai.Artifact{Data: in.Photo, ContentType: in.ContentType}, genai.Params{
		PetName:   in.PetName,
		PetGender: in.PetGender,
		Style:     in.Style,
	})
	if err != nil {
		return nil, fmt.Errorf("portrait pipeline: %w", err)
	}

	final, err := imaging.Decode(art.Data)
	if err != nil {
		return nil, fmt.Errorf("decode final rendition: %w", err)
	}
	previewData, err := imaging.EncodePNG(imaging.Preview(final))
	if err != nil {
		return nil, fmt.Errorf("encode preview: %w", err)
	}

	previewURL, err := s.uploader.UploadPreview(ctx, previewData, "image/png")
	if err != nil {
		return nil, fmt.Errorf("store preview: %w", err)
	}
	hdKey, err := s.uploader.UploadHD(ctx, art.Data, art.ContentType)
	if err != nil {
		return nil, fmt.Errorf("store hd rendition: %w", err)
	}

	portrait := &models.Portrait{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		PetName:    in.PetName,
		PetGender:  in.PetGender,
		Style:      in.Style,
		PreviewURL: previewURL,
		HDKey:      hdKey,
	}
	if err := s.portraits.Create(ctx, portrait); err != nil {
		return nil, fmt.Errorf("persist portrait: %w", err)
	}

	s.log.Info("portrait generated",
		"portrait_id", portrait.ID,
		"client_id", clientID,
		"style", string(in.Style),
		"took", time.Since(start).Round(time.Millisecond).String(),
	)

	return &session.GenerateOutput{
		AttemptID:  portrait.ID,
		PreviewURL: previewURL,
	}, nil
}

// Get returns one portrait record.
func (s *PortraitService) Get(ctx context.Context, id string) (*models.Portrait, error) {
	portrait, err := s.portraits.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if portrait == nil {
		return nil, ErrPortraitNotFound
	}
	return portrait, nil
}

// DownloadURL hands out a short-lived link to the HD artifact. Only the
// owning client gets one, and only after payment cleared.
func (s *PortraitService) DownloadURL(ctx context.Context, clientID, portraitID string) (string, error) {
	portrait, err := s.Get(ctx, portraitID)
	if err != nil {
		return "", err
	}
	if portrait.ClientID != clientID {
		return "", ErrPortraitNotFound
	}
	if !portrait.Paid {
		return "", ErrNotPaid
	}
	return s.uploader.PresignHD(ctx, portrait.HDKey, downloadLinkTTL)
}
