// Package falai adapts fal.ai queue models (flux-lora and friends).
//
// fal.ai is submit-and-return: the queue accepts the job, hands back a
// request id, and delivers the finished images to our webhook endpoint. The
// generation worker therefore records the request id and leaves the asset
// pending; the webhook reconciler finishes the saga.
package falai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/morphify/engine/internal/provider"
)

// Adapter submits generation jobs to the fal.ai queue.
type Adapter struct {
	apiKey     string
	model      string // e.g. "fal-ai/flux-lora"
	webhookURL string
	httpClient *http.Client
	log        zerolog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

const queueBaseURL = "https://queue.fal.run"

// New creates a fal.ai adapter for one queue model.
func New(apiKey, model, webhookURL string, logger zerolog.Logger) *Adapter {
	return &Adapter{
		apiKey:     apiKey,
		model:      model,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger.With().Str("component", "falai_adapter").Str("model", model).Logger(),
	}
}

// Validate requires a prompt and a sane image count.
func (a *Adapter) Validate(input provider.Input) error {
	if input.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", provider.ErrInvalidInput)
	}
	if input.Count < 1 || input.Count > 10 {
		return fmt.Errorf("%w: count must be between 1 and 10", provider.ErrInvalidInput)
	}
	return nil
}

type submitRequest struct {
	Prompt              string `json:"prompt"`
	NumImages           int    `json:"num_images"`
	ImageSize           string `json:"image_size"`
	OutputFormat        string `json:"output_format"`
	EnableSafetyChecker bool   `json:"enable_safety_checker"`
}

type submitResponse struct {
	RequestID   string `json:"request_id"`
	ResponseURL string `json:"response_url"`
}

// Generate submits the job to the fal queue and returns immediately with the
// provider request id. The result arrives on the webhook path.
func (a *Adapter) Generate(ctx context.Context, input provider.Input) (provider.Output, error) {
	body, err := json.Marshal(submitRequest{
		Prompt:              input.Prompt,
		NumImages:           input.Count,
		ImageSize:           "square_hd",
		OutputFormat:        "png",
		EnableSafetyChecker: true,
	})
	if err != nil {
		return provider.Output{}, fmt.Errorf("falai: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s?fal_webhook=%s", queueBaseURL, a.model, url.QueryEscape(a.webhookURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return provider.Output{}, fmt.Errorf("falai: build request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return provider.Output{}, provider.Transient(fmt.Errorf("falai: submit: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("falai: submit returned %d: %s", resp.StatusCode, payload)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return provider.Output{}, provider.Transient(err)
		}
		return provider.Output{}, err
	}

	var submitted submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return provider.Output{}, fmt.Errorf("falai: decode response: %w", err)
	}
	if submitted.RequestID == "" {
		return provider.Output{}, fmt.Errorf("falai: response missing request_id")
	}

	a.log.Info().
		Str("request_id", submitted.RequestID).
		Int("num_images", input.Count).
		Msg("job submitted to fal queue")

	return provider.Output{
		Kind:              provider.KindAsync,
		ProviderRequestID: submitted.RequestID,
	}, nil
}
