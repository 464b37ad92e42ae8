package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/providers/classify"
)

// RenderController owns one image's classification -> generation -> QC loop.
// Attempts for a render are strictly sequential; the controller re-enters the
// generation loop once per retry until PASS or attempts are exhausted.
type RenderController struct {
	classifier classify.Classifier
	executor   *Executor
	planner    *Planner
	jobs       domain.JobRepository
	renders    domain.RenderRepository
	attempts   domain.AttemptRepository
	logger     infra.Logger
}

func NewRenderController(
	classifier classify.Classifier,
	executor *Executor,
	planner *Planner,
	jobs domain.JobRepository,
	renders domain.RenderRepository,
	attempts domain.AttemptRepository,
	logger infra.Logger,
) *RenderController {
	return &RenderController{
		classifier: classifier,
		executor:   executor,
		planner:    planner,
		jobs:       jobs,
		renders:    renders,
		attempts:   attempts,
		logger:     logger,
	}
}

// Classify invokes the external classifier and records the result. A
// classifier failure is not retried here: it is reported upward as a
// provider failure so the job controller can move the job toward FAILED.
func (c *RenderController) Classify(ctx context.Context, render *domain.Render) error {
	if render.State != domain.RenderStateUnclassified {
		return nil
	}

	result, err := c.classifier.Classify(ctx, render.SourceImageRef, render.ID)
	if err != nil {
		msg := fmt.Sprintf("classification failed: %v", err)
		if failErr := render.Fail(msg, time.Now().UTC()); failErr == nil {
			if updErr := c.renders.UpdateState(ctx, render.ID, domain.RenderStateFailed, &msg, render.ProcessingSeconds); updErr != nil {
				c.logger.Error().
					Err(updErr).
					Str("render_id", render.ID).
					Msg("pipeline: failed-state write lost")
			}
		}
		return fmt.Errorf("classify render %s: %w: %v", render.ID, domain.ErrProviderFailure, err)
	}

	if err := render.ApplyClassification(domain.Classification{
		ShotType:   result.ShotType,
		Confidence: result.Confidence,
		Tags:       result.Tags,
		Prompt:     result.Prompt,
		MotionRec:  result.MotionRec,
		Raw:        result.Raw,
	}, time.Now().UTC()); err != nil {
		return fmt.Errorf("apply classification: %w", err)
	}
	if err := c.renders.SaveClassification(ctx, render); err != nil {
		return fmt.Errorf("save classification: %w", err)
	}

	c.logger.Info().
		Str("render_id", render.ID).
		Str("shot_type", derefShotType(render)).
		Msg("pipeline: render classified")

	return nil
}

// Generate drives the attempt loop for one classified render until it
// settles. A settled render is returned as-is, which makes re-execution
// after a crash or stale reclaim idempotent.
func (c *RenderController) Generate(ctx context.Context, job *domain.Job, render *domain.Render) (domain.RenderState, error) {
	if render.State.Settled() {
		return render.State, nil
	}
	start := time.Now()

	if render.State == domain.RenderStateClassified {
		if err := render.Advance(domain.RenderStateGenerating, time.Now().UTC()); err != nil {
			return render.State, err
		}
		if err := c.renders.UpdateState(ctx, render.ID, domain.RenderStateGenerating, nil, render.ProcessingSeconds); err != nil {
			return render.State, err
		}
	}

	params := domain.DefaultParams()
	number := 1
	var current *domain.GenerationAttempt

	// Replay prior attempts through the planner so a reclaimed job resumes
	// exactly where the previous worker stopped.
	existing, err := c.attempts.ListByRender(ctx, render.ID)
	if err != nil {
		return render.State, err
	}
	for i := range existing {
		a := existing[i]
		if !a.Finalized() {
			// A half-run attempt (crash before the verdict landed) is
			// re-executed with its stored parameters.
			current = &a
			break
		}
		plan := c.planner.Plan(a)
		switch plan.Action {
		case ActionAccept:
			return c.settle(ctx, render, domain.RenderStatePassed, nil, start)
		case ActionExhausted, ActionEscalate:
			return c.settle(ctx, render, domain.RenderStateManualReviewNeeded, failureMessage(a), start)
		case ActionRetry:
			params, number = plan.Params, plan.NextNumber
		}
	}

	for {
		// Cancellation is honored between attempts only; an in-flight
		// attempt always runs to completion.
		if err := c.checkCancel(ctx, job.ID); err != nil {
			return render.State, err
		}

		if current == nil {
			if err := params.Validate(); err != nil {
				// Malformed parameters are a configuration error: fail the
				// render immediately without consuming a retry slot.
				msg := fmt.Sprintf("attempt %d rejected: %v", number, err)
				return c.settle(ctx, render, domain.RenderStateFailed, &msg, start)
			}
			current = &domain.GenerationAttempt{
				ID:        uuid.NewString(),
				RenderID:  render.ID,
				Number:    number,
				Params:    params,
				CreatedAt: time.Now().UTC(),
			}
			if err := c.attempts.Create(ctx, current); err != nil {
				return render.State, err
			}
		}

		if err := c.executor.Execute(ctx, render, current); err != nil {
			if errors.Is(err, domain.ErrInvalidParams) {
				msg := fmt.Sprintf("attempt %d rejected: %v", current.Number, err)
				return c.settle(ctx, render, domain.RenderStateFailed, &msg, start)
			}
			return render.State, err
		}

		// The verdict and the render advance land in one transaction.
		persistState := domain.RenderStateGenerating
		if *current.Verdict == domain.VerdictPass {
			persistState = domain.RenderStatePassed
		}
		if err := c.attempts.Finalize(ctx, current, persistState); err != nil {
			return render.State, err
		}

		plan := c.planner.Plan(*current)
		switch plan.Action {
		case ActionAccept:
			return c.settle(ctx, render, domain.RenderStatePassed, nil, start)
		case ActionExhausted, ActionEscalate:
			return c.settle(ctx, render, domain.RenderStateManualReviewNeeded, failureMessage(*current), start)
		case ActionRetry:
			params, number = plan.Params, plan.NextNumber
			current = nil
		}
	}
}

func (c *RenderController) settle(ctx context.Context, render *domain.Render, state domain.RenderState, errMsg *string, start time.Time) (domain.RenderState, error) {
	render.ProcessingSeconds += time.Since(start).Seconds()
	if render.State != state {
		if state == domain.RenderStateFailed {
			msg := ""
			if errMsg != nil {
				msg = *errMsg
			}
			if err := render.Fail(msg, time.Now().UTC()); err != nil {
				return render.State, err
			}
		} else if err := render.Advance(state, time.Now().UTC()); err != nil {
			return render.State, err
		}
	}
	if err := c.renders.UpdateState(ctx, render.ID, state, errMsg, render.ProcessingSeconds); err != nil {
		return render.State, err
	}
	return state, nil
}

func (c *RenderController) checkCancel(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := c.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.CancelRequested {
		return domain.ErrJobCancelled
	}
	return nil
}

func failureMessage(a domain.GenerationAttempt) *string {
	if a.FailureReason == "" {
		return nil
	}
	msg := fmt.Sprintf("attempt %d: %s", a.Number, a.FailureReason)
	return &msg
}
