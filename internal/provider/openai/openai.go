// Package openai adapts the OpenAI images edit endpoint (gpt-image-1).
//
// This is the synchronous inline path: the source image is fetched, sent to
// the edits endpoint as multipart form data, and the result comes back as
// base64 in the same response.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/morphify/engine/internal/provider"
)

// Adapter calls the OpenAI images edit API.
type Adapter struct {
	apiKey     string
	prompt     string // the filter's fixed restyle prompt
	httpClient *http.Client
	log        zerolog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

const editsURL = "https://api.openai.com/v1/images/edits"

// New creates an OpenAI image-edit adapter with a fixed restyle prompt.
func New(apiKey, prompt string, logger zerolog.Logger) *Adapter {
	return &Adapter{
		apiKey: apiKey,
		prompt: prompt,
		// Image edits routinely take over a minute.
		httpClient: &http.Client{Timeout: 3 * time.Minute},
		log:        logger.With().Str("component", "openai_adapter").Logger(),
	}
}

// Validate requires a well-formed source image URL.
func (a *Adapter) Validate(input provider.Input) error {
	if input.ImageURL == "" {
		return fmt.Errorf("%w: imageUrl is required", provider.ErrInvalidInput)
	}
	u, err := url.Parse(input.ImageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: imageUrl must be a valid http(s) URL", provider.ErrInvalidInput)
	}
	if input.Count != 1 {
		return fmt.Errorf("%w: edits produce exactly one image per request", provider.ErrInvalidInput)
	}
	return nil
}

type editsResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// Generate fetches the source image, posts the edit, and returns the base64
// result inline.
func (a *Adapter) Generate(ctx context.Context, input provider.Input) (provider.Output, error) {
	image, err := a.fetchSource(ctx, input.ImageURL)
	if err != nil {
		return provider.Output{}, err
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)

	part, err := form.CreateFormFile("image", "input_image.png")
	if err != nil {
		return provider.Output{}, fmt.Errorf("openai: build form: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return provider.Output{}, fmt.Errorf("openai: write image: %w", err)
	}
	form.WriteField("prompt", a.prompt)
	form.WriteField("n", "1")
	form.WriteField("size", "1024x1024")
	form.WriteField("model", "gpt-image-1")
	if err := form.Close(); err != nil {
		return provider.Output{}, fmt.Errorf("openai: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, editsURL, &body)
	if err != nil {
		return provider.Output{}, fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return provider.Output{}, provider.Transient(fmt.Errorf("openai: edit call: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("openai: edit returned %d: %s", resp.StatusCode, payload)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return provider.Output{}, provider.Transient(err)
		}
		return provider.Output{}, err
	}

	var edited editsResponse
	if err := json.NewDecoder(resp.Body).Decode(&edited); err != nil {
		return provider.Output{}, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(edited.Data) == 0 || edited.Data[0].B64JSON == "" {
		return provider.Output{}, fmt.Errorf("openai: response did not contain base64 image data")
	}

	return provider.Output{
		Kind:              provider.KindInline,
		Data:              edited.Data[0].B64JSON,
		ProviderRequestID: resp.Header.Get("x-request-id"),
	}, nil
}

func (a *Adapter) fetchSource(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("openai: build source fetch: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, provider.Transient(fmt.Errorf("openai: fetch source image: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai: source image fetch returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.Transient(fmt.Errorf("openai: read source image: %w", err))
	}
	return data, nil
}
