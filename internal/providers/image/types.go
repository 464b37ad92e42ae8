package image

import (
	"context"
	"encoding/json"

	"server/internal/domain"
)

// GenerateRequest describes a normalized request passed to any image provider.
type GenerateRequest struct {
	ImageRef      string
	Prompt        string
	Params        domain.GenerationParams
	RenderID      string
	AttemptNumber int
}

// Result represents a generated render.
type Result struct {
	Data   []byte
	Format string
	Raw    json.RawMessage
}

// Generator is the contract implemented by all image providers.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Result, error)
}
