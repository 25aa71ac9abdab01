package genai

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pawcasso/pawcasso/internal/config"
)

// OpenAIClient generates the painted scene backdrop for a portrait.
type OpenAIClient struct {
	client *openai.Client
	log    *slog.Logger
}

func NewOpenAIClient(cfg config.Config, log *slog.Logger) *OpenAIClient {
	clientConfig := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientConfig.BaseURL = cfg.OpenAIBaseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		log:    log,
	}
}

// GenerateScene renders a scene image for the given prompt and returns PNG
// bytes.
func (c *OpenAIClient) GenerateScene(ctx context.Context, prompt string) ([]byte, error) {
	if prompt == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}

	resp, err := c.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          openai.CreateImageModelDallE3,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		N:              1,
	})
	if err != nil {
		return nil, fmt.Errorf("create scene image: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, fmt.Errorf("empty scene image response")
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("decode scene image: %w", err)
	}

	c.log.Info("scene generated", "bytes", len(data))
	return data, nil
}
