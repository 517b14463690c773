package webhook

import (
	"encoding/json"
	"fmt"
)

// falPayload is the fal.ai queue webhook wire format.
type falPayload struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"` // "OK" or "ERROR"
	Error     string `json:"error"`
	Payload   struct {
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
		Detail string `json:"detail"`
	} `json:"payload"`
}

// ParseFal normalizes a fal.ai queue webhook body.
func ParseFal(body []byte) (Result, error) {
	var p falPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Result{}, fmt.Errorf("webhook: parse fal payload: %w", err)
	}

	result := Result{ProviderRequestID: p.RequestID}

	if p.Status != "OK" {
		result.ErrReason = p.Error
		if result.ErrReason == "" {
			result.ErrReason = p.Payload.Detail
		}
		if result.ErrReason == "" {
			result.ErrReason = fmt.Sprintf("provider returned status %q", p.Status)
		}
		return result, nil
	}

	for _, img := range p.Payload.Images {
		result.Outputs = append(result.Outputs, Output{URL: img.URL})
	}
	return result, nil
}
