// Package worker holds the two queue consumers of the generation pipeline.
//
// Stage 1 (generation) calls the provider and decides the fate of the
// reservation: commit on verified success, refund only after the retry
// budget is spent. Stage 2 (materialization) moves the output bytes into
// durable storage; by then the charge is settled, so its failures never
// touch the ledger.
package worker

// Queue names for the two pipeline stages.
const (
	GenerationQueue      = "generation"
	MaterializationQueue = "materialization"
)

// GenerationJob asks stage 1 to generate the outputs for one reservation.
// AssetIDs carries the whole batch (one element for synchronous providers)
// so the provider request id lands on every sibling row.
type GenerationJob struct {
	ReservationID string   `json:"reservationId"`
	AccountID     string   `json:"accountId"`
	Provider      string   `json:"provider"`
	Model         string   `json:"model"`
	AssetIDs      []string `json:"assetIds"`
	Prompt        string   `json:"prompt,omitempty"`
	ImageURL      string   `json:"imageUrl,omitempty"`
}

// Source kinds for a MaterializationJob.
const (
	SourceURL    = "url"
	SourceInline = "inline"
)

// MaterializationJob asks stage 2 to persist one generated image.
type MaterializationJob struct {
	AssetID    string `json:"assetId"`
	SourceKind string `json:"sourceKind"` // url | inline
	Source     string `json:"source"`     // provider URL or base64 payload
}
