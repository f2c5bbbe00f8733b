package enrich

import "context"

// Mode selects which classification pass the enrichment service runs.
type Mode string

const (
	// ModeCoarse assigns candidate groups from an item title.
	ModeCoarse Mode = "coarse"
	// ModeFine picks a final code within previously assigned groups.
	ModeFine Mode = "fine"
)

// Item is one record sent for classification. Groups is only set in fine mode.
type Item struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Groups []string `json:"groups,omitempty"`
}

// Result is the per-item outcome returned by the service. The service may
// return fewer results than items sent; absent items are treated as not
// processed, never as failed.
type Result struct {
	ID     string   `json:"id"`
	Groups []string `json:"groups,omitempty"`
	Code   string   `json:"code,omitempty"`
	Name   string   `json:"name,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Classifier calls the external enrichment service for a batch of items.
type Classifier interface {
	Classify(ctx context.Context, mode Mode, items []Item) ([]Result, error)
}
