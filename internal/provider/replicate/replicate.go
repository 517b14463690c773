// Package replicate adapts Replicate-hosted restoration models
// (real-esrgan, gfpgan). Replicate is poll-to-completion: a prediction is
// created, then polled every couple of seconds until it reaches a terminal
// state and yields an output URL.
package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/morphify/engine/internal/provider"
)

// Adapter runs one Replicate model version.
type Adapter struct {
	apiToken   string
	model      string
	version    string
	httpClient *http.Client
	log        zerolog.Logger

	pollInterval time.Duration
}

var _ provider.Adapter = (*Adapter)(nil)

const apiBaseURL = "https://api.replicate.com/v1"

// New creates a Replicate adapter for one model version.
func New(apiToken, model, version string, logger zerolog.Logger) *Adapter {
	return &Adapter{
		apiToken:     apiToken,
		model:        model,
		version:      version,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		log:          logger.With().Str("component", "replicate_adapter").Str("model", model).Logger(),
		pollInterval: 2 * time.Second,
	}
}

// Validate requires a source image URL.
func (a *Adapter) Validate(input provider.Input) error {
	if input.ImageURL == "" {
		return fmt.Errorf("%w: imageUrl is required", provider.ErrInvalidInput)
	}
	if input.Count != 1 {
		return fmt.Errorf("%w: restoration produces exactly one image per request", provider.ErrInvalidInput)
	}
	return nil
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// Generate creates a prediction and polls until it completes.
func (a *Adapter) Generate(ctx context.Context, input provider.Input) (provider.Output, error) {
	pred, err := a.createPrediction(ctx, input)
	if err != nil {
		return provider.Output{}, err
	}

	a.log.Debug().Str("prediction_id", pred.ID).Msg("prediction created")

	for pred.Status != "succeeded" && pred.Status != "failed" && pred.Status != "canceled" {
		select {
		case <-ctx.Done():
			return provider.Output{}, ctx.Err()
		case <-time.After(a.pollInterval):
		}

		pred, err = a.getPrediction(ctx, pred.ID)
		if err != nil {
			return provider.Output{}, err
		}
		a.log.Debug().Str("prediction_id", pred.ID).Str("status", pred.Status).Msg("polled prediction")
	}

	if pred.Status != "succeeded" {
		return provider.Output{}, fmt.Errorf("replicate: prediction %s %s: %s", pred.ID, pred.Status, pred.Error)
	}

	outputURL, err := firstURL(pred.Output)
	if err != nil {
		return provider.Output{}, fmt.Errorf("replicate: prediction %s: %w", pred.ID, err)
	}

	return provider.Output{
		Kind:              provider.KindURL,
		Data:              outputURL,
		ProviderRequestID: pred.ID,
	}, nil
}

func (a *Adapter) createPrediction(ctx context.Context, input provider.Input) (prediction, error) {
	body, err := json.Marshal(map[string]interface{}{
		"version": a.version,
		"input": map[string]interface{}{
			"image":        input.ImageURL,
			"scale":        2,
			"face_enhance": true,
		},
	})
	if err != nil {
		return prediction{}, fmt.Errorf("replicate: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBaseURL+"/predictions", bytes.NewReader(body))
	if err != nil {
		return prediction{}, fmt.Errorf("replicate: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+a.apiToken)
	req.Header.Set("Content-Type", "application/json")

	return a.doPredictionRequest(req)
}

func (a *Adapter) getPrediction(ctx context.Context, id string) (prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBaseURL+"/predictions/"+id, nil)
	if err != nil {
		return prediction{}, fmt.Errorf("replicate: build poll request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+a.apiToken)

	return a.doPredictionRequest(req)
}

func (a *Adapter) doPredictionRequest(req *http.Request) (prediction, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return prediction{}, provider.Transient(fmt.Errorf("replicate: request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("replicate: api returned %d: %s", resp.StatusCode, payload)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return prediction{}, provider.Transient(err)
		}
		return prediction{}, err
	}

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return prediction{}, fmt.Errorf("replicate: decode response: %w", err)
	}
	return pred, nil
}

// firstURL extracts the output URL. Depending on the model the output field
// is either a single string or an array of strings.
func firstURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty output")
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return single, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 && many[0] != "" {
		return many[0], nil
	}

	return "", fmt.Errorf("output in unexpected format: %s", raw)
}
