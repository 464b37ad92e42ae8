package pipeline

import (
	"context"
	"fmt"
	"time"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/providers/image"
	"server/internal/providers/qc"
	"server/internal/storage"
)

// Executor runs one generation attempt: it invokes the external generator,
// persists the artifact, invokes the QC evaluator, and fills the attempt's
// verdict fields. Transient provider failures are reported upward without
// touching the attempt; the caller owns the job-level retry.
type Executor struct {
	generator image.Generator
	evaluator qc.Evaluator
	artifacts *storage.FileStore
	logger    infra.Logger
}

func NewExecutor(generator image.Generator, evaluator qc.Evaluator, artifacts *storage.FileStore, logger infra.Logger) *Executor {
	return &Executor{
		generator: generator,
		evaluator: evaluator,
		artifacts: artifacts,
		logger:    logger,
	}
}

// Execute runs the attempt against the external services and finalizes the
// in-memory attempt record. Parameters must already be validated.
func (e *Executor) Execute(ctx context.Context, render *domain.Render, attempt *domain.GenerationAttempt) error {
	if attempt.Finalized() {
		return domain.ErrAttemptFinalized
	}
	if err := attempt.Params.Validate(); err != nil {
		return err
	}

	result, err := e.generator.Generate(ctx, image.GenerateRequest{
		ImageRef:      render.SourceImageRef,
		Prompt:        render.Prompt,
		Params:        attempt.Params,
		RenderID:      render.ID,
		AttemptNumber: attempt.Number,
	})
	if err != nil {
		return fmt.Errorf("generate attempt %d: %w: %v", attempt.Number, domain.ErrProviderFailure, err)
	}

	// Stable key per (render, attempt) keeps re-execution idempotent.
	key := fmt.Sprintf("generated/%s/%s/attempt-%02d.png", render.JobID, render.ID, attempt.Number)
	savedKey, err := e.artifacts.Write(ctx, key, result.Data)
	if err != nil {
		return fmt.Errorf("persist artifact: %w", err)
	}
	attempt.ArtifactRef = savedKey
	attempt.RawResponse = result.Raw

	eval, err := e.evaluator.Evaluate(ctx, savedKey, qc.RenderContext{
		RenderID: render.ID,
		ShotType: derefShotType(render),
		Prompt:   render.Prompt,
	})
	if err != nil {
		return fmt.Errorf("evaluate attempt %d: %w: %v", attempt.Number, domain.ErrProviderFailure, err)
	}

	verdict := eval.Verdict
	reason, fix := eval.FailureReason, eval.SuggestedFix
	if verdict != domain.VerdictPass && verdict != domain.VerdictFail {
		verdict, reason, fix = domain.VerdictFail, "evaluator error", ""
	}
	if verdict == domain.VerdictPass {
		reason = ""
	}
	if err := attempt.Finalize(verdict, reason, fix, time.Now().UTC()); err != nil {
		return err
	}
	if len(eval.Raw) > 0 {
		attempt.RawResponse = mergeRaw(result.Raw, eval.Raw)
	}

	e.logger.Info().
		Str("render_id", render.ID).
		Int("attempt", attempt.Number).
		Str("verdict", string(verdict)).
		Str("suggested_fix", fix).
		Msg("pipeline: attempt finalized")

	return nil
}

func derefShotType(r *domain.Render) string {
	if r.ShotType == nil {
		return ""
	}
	return *r.ShotType
}

func mergeRaw(generator, evaluator []byte) []byte {
	if len(generator) == 0 {
		generator = []byte("null")
	}
	merged := append([]byte(`{"generator":`), generator...)
	merged = append(merged, []byte(`,"evaluator":`)...)
	merged = append(merged, evaluator...)
	return append(merged, '}')
}
