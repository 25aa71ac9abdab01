package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pawcasso/pawcasso/internal/config"
)

// ReplicateClient drives image-to-image models (segmentation, harmonization)
// on the Replicate API. Predictions are submitted with Prefer: wait and
// polled when the API answers with a still-running prediction.
type ReplicateClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

func NewReplicateClient(cfg config.Config, log *slog.Logger) *ReplicateClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &ReplicateClient{
		apiKey:  cfg.ReplicateAPIKey,
		baseURL: strings.TrimRight(cfg.ReplicateBaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type predictionResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  *string         `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

// Run executes one model prediction and returns the first output URL.
func (c *ReplicateClient) Run(ctx context.Context, model string, input map[string]any) (string, error) {
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return "", fmt.Errorf("marshal prediction input: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s/predictions", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "wait")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post prediction: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read prediction response: %w", err)
	}

	if resp.StatusCode >= 300 {
		c.log.Error("replicate prediction failed", "status", resp.StatusCode, "model", model, "body", truncateBody(rawBody))
		return "", fmt.Errorf("replicate error: status=%d model=%s", resp.StatusCode, model)
	}

	var pred predictionResponse
	if err := json.Unmarshal(rawBody, &pred); err != nil {
		return "", fmt.Errorf("decode prediction response: %w", err)
	}

	switch pred.Status {
	case "succeeded":
		return firstOutputURL(pred.Output)
	case "failed", "canceled":
		return "", predictionError(pred)
	default:
		return c.poll(ctx, pred.URLs.Get, model)
	}
}

// poll follows the prediction's get URL until it settles.
func (c *ReplicateClient) poll(ctx context.Context, pollURL, model string) (string, error) {
	if pollURL == "" {
		return "", fmt.Errorf("prediction pending but no poll url returned")
	}

	maxAttempts := 60
	pollInterval := 2 * time.Second

	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
		if err != nil {
			return "", fmt.Errorf("new poll request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("poll prediction: %w", err)
		}
		rawBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return "", fmt.Errorf("read poll response: %w", err)
		}
		if resp.StatusCode >= 300 {
			c.log.Error("replicate poll failed", "status", resp.StatusCode, "model", model, "body", truncateBody(rawBody))
			return "", fmt.Errorf("replicate error: status=%d model=%s", resp.StatusCode, model)
		}

		var pred predictionResponse
		if err := json.Unmarshal(rawBody, &pred); err != nil {
			return "", fmt.Errorf("decode poll response: %w", err)
		}

		switch pred.Status {
		case "succeeded":
			c.log.Info("replicate prediction completed", "model", model, "attempt", attempt+1)
			return firstOutputURL(pred.Output)
		case "failed", "canceled":
			return "", predictionError(pred)
		}
		if attempt%10 == 0 {
			c.log.Info("replicate prediction pending", "model", model, "attempt", attempt+1, "max_attempts", maxAttempts)
		}
	}

	return "", fmt.Errorf("prediction timeout after %d attempts", maxAttempts)
}

// Fetch downloads an artifact from a result URL.
func (c *ReplicateClient) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new fetch request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch artifact: status=%d url=%s", resp.StatusCode, url)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read artifact: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// firstOutputURL handles both the single-string and list output shapes.
func firstOutputURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty prediction output")
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0], nil
	}
	return "", fmt.Errorf("unrecognized prediction output: %s", truncateBody(raw))
}

func predictionError(pred predictionResponse) error {
	if pred.Error != nil && *pred.Error != "" {
		return fmt.Errorf("prediction %s: %s", pred.Status, *pred.Error)
	}
	return fmt.Errorf("prediction %s", pred.Status)
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
