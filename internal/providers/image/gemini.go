package image

import (
	"context"

	"server/internal/providers/genai"
)

// GeminiGenerator renders property photos through the Gemini client.
type GeminiGenerator struct {
	client *genai.Client
}

func NewGeminiGenerator(client *genai.Client) *GeminiGenerator {
	return &GeminiGenerator{client: client}
}

func (g *GeminiGenerator) Generate(ctx context.Context, req GenerateRequest) (*Result, error) {
	res, err := g.client.GenerateImage(ctx, genai.ImageRequest{
		ImageRef:       req.ImageRef,
		Prompt:         req.Prompt,
		Steps:          req.Params.Steps,
		Sampler:        req.Params.Sampler,
		CFGScale:       req.Params.CFGScale,
		StructureScale: req.Params.StructureScale,
		RequestID:      req.RenderID,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Data: res.Data, Format: res.Format, Raw: res.Raw}, nil
}

var _ Generator = (*GeminiGenerator)(nil)
