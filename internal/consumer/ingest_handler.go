package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"example.com/carbonlens/internal/domain"
	"example.com/carbonlens/internal/ingest"
)

// Ingester is the subset of the ingestion pipeline used by the consumer.
type Ingester interface {
	Ingest(ctx context.Context, raw domain.RawPayload, opts ...ingest.IngestOption) (ingest.Result, error)
}

// IngestHandler hands telemetry payloads to the ingestion pipeline.
type IngestHandler struct {
	ingester Ingester
}

// NewIngestHandler constructs a handler backed by the provided pipeline.
func NewIngestHandler(ingester Ingester) *IngestHandler {
	return &IngestHandler{ingester: ingester}
}

// Handle decodes the payload and ingests it as a push activity.
func (h *IngestHandler) Handle(ctx context.Context, msg Message) error {
	var raw domain.RawPayload
	if err := json.Unmarshal(msg.Payload, &raw); err != nil {
		return domain.NewValidationError("payload", fmt.Sprintf("invalid JSON: %v", err))
	}
	_, err := h.ingester.Ingest(ctx, raw)
	return err
}
