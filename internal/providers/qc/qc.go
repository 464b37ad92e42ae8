package qc

import (
	"context"
	"encoding/json"

	"server/internal/domain"
	"server/internal/providers/genai"
)

// RenderContext gives the evaluator what it needs to judge an artifact.
type RenderContext struct {
	RenderID string
	ShotType string
	Prompt   string
}

// Evaluation is the normalized QC output.
type Evaluation struct {
	Verdict       domain.Verdict
	FailureReason string
	SuggestedFix  string
	Raw           json.RawMessage
}

// Evaluator is the contract implemented by all quality-control evaluators.
type Evaluator interface {
	Evaluate(ctx context.Context, artifactRef string, rctx RenderContext) (*Evaluation, error)
}

// GeminiEvaluator quality-checks renders through the Gemini client.
type GeminiEvaluator struct {
	client *genai.Client
}

func NewGeminiEvaluator(client *genai.Client) *GeminiEvaluator {
	return &GeminiEvaluator{client: client}
}

func (g *GeminiEvaluator) Evaluate(ctx context.Context, artifactRef string, rctx RenderContext) (*Evaluation, error) {
	res, err := g.client.Evaluate(ctx, genai.EvaluateRequest{
		ArtifactRef: artifactRef,
		ShotType:    rctx.ShotType,
		Prompt:      rctx.Prompt,
		RequestID:   rctx.RenderID,
	})
	if err != nil {
		return nil, err
	}
	return &Evaluation{
		Verdict:       domain.Verdict(res.Verdict),
		FailureReason: res.FailureReason,
		SuggestedFix:  res.SuggestedFix,
		Raw:           res.Raw,
	}, nil
}

var _ Evaluator = (*GeminiEvaluator)(nil)
