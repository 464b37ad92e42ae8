package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"server/internal/domain"
	"server/internal/providers/classify"
	"server/internal/providers/qc"
)

type evalFunc func(ctx context.Context, artifactRef string, rctx qc.RenderContext) (*qc.Evaluation, error)

func (f evalFunc) Evaluate(ctx context.Context, artifactRef string, rctx qc.RenderContext) (*qc.Evaluation, error) {
	return f(ctx, artifactRef, rctx)
}

func TestClassifyRecordsResult(t *testing.T) {
	store := newMemStore()
	classifier := &stubClassifier{result: &classify.Result{
		ShotType:   "bedroom",
		Confidence: 0.912345,
		Tags:       []string{"natural_light"},
		Prompt:     "cozy bedroom at golden hour",
		MotionRec:  "slow_pan",
	}}
	ctl := newTestRenderController(store, classifier, &stubGenerator{}, &stubEvaluator{}, t)

	render := domain.Render{ID: "r1", JobID: "j1", SourceImageRef: "uploads/r1.jpg", State: domain.RenderStateUnclassified}
	store.addRender(render)

	require.NoError(t, ctl.Classify(context.Background(), &render))
	assert.Equal(t, domain.RenderStateClassified, render.State)
	require.NotNil(t, render.ShotType)
	assert.Equal(t, "bedroom", *render.ShotType)
	assert.InDelta(t, 0.9123, *render.Confidence, 1e-9)

	stored, err := store.ListByJob(context.Background(), "j1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.RenderStateClassified, stored[0].State)
}

func TestClassifySkipsAlreadyClassified(t *testing.T) {
	store := newMemStore()
	classifier := &stubClassifier{result: &classify.Result{ShotType: "kitchen", Confidence: 0.9}}
	ctl := newTestRenderController(store, classifier, &stubGenerator{}, &stubEvaluator{}, t)

	render := classifiedRender(store, "r1", "j1")
	require.NoError(t, ctl.Classify(context.Background(), render))
	assert.Zero(t, classifier.calls)
}

func TestClassifyFailureSettlesRender(t *testing.T) {
	store := newMemStore()
	classifier := &stubClassifier{err: errors.New("model unavailable")}
	ctl := newTestRenderController(store, classifier, &stubGenerator{}, &stubEvaluator{}, t)

	render := domain.Render{ID: "r1", JobID: "j1", SourceImageRef: "uploads/r1.jpg", State: domain.RenderStateUnclassified}
	store.addRender(render)

	err := ctl.Classify(context.Background(), &render)
	require.ErrorIs(t, err, domain.ErrProviderFailure)
	assert.Equal(t, domain.RenderStateFailed, render.State)

	// No attempt exists for a render that never reached generation.
	attempts, listErr := store.ListByRender(context.Background(), "r1")
	require.NoError(t, listErr)
	assert.Empty(t, attempts)
}

func TestGeneratePassesAfterAdjustedRetries(t *testing.T) {
	store := newMemStore()
	evaluator := &stubEvaluator{script: []qc.Evaluation{
		failEval("warped geometry", "reduce_structure_scale"),
		failEval("warped geometry", "reduce_structure_scale"),
		passEval(),
	}}
	ctl := newTestRenderController(store, &stubClassifier{}, &stubGenerator{}, evaluator, t)

	job := queuedJob(store, "j1")
	render := classifiedRender(store, "r1", "j1")

	state, err := ctl.Generate(context.Background(), job, render)
	require.NoError(t, err)
	assert.Equal(t, domain.RenderStatePassed, state)

	attempts, err := store.ListByRender(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	// Numbers are gapless and the structure scale walks 0.50 -> 0.40 -> 0.30.
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Number)
		require.True(t, a.Finalized())
	}
	assert.InDelta(t, 0.50, attempts[0].Params.StructureScale, 1e-9)
	assert.InDelta(t, 0.40, attempts[1].Params.StructureScale, 1e-9)
	assert.InDelta(t, 0.30, attempts[2].Params.StructureScale, 1e-9)
	assert.Equal(t, domain.VerdictPass, *attempts[2].Verdict)
}

func TestGenerateExhaustsToManualReview(t *testing.T) {
	store := newMemStore()
	evaluator := &stubEvaluator{script: []qc.Evaluation{failEval("oversaturated", "reduce_cfg_scale")}}
	generator := &stubGenerator{}
	ctl := newTestRenderController(store, &stubClassifier{}, generator, evaluator, t)

	job := queuedJob(store, "j1")
	render := classifiedRender(store, "r1", "j1")

	state, err := ctl.Generate(context.Background(), job, render)
	require.NoError(t, err)
	assert.Equal(t, domain.RenderStateManualReviewNeeded, state)

	attempts, err := store.ListByRender(context.Background(), "r1")
	require.NoError(t, err)
	// Exactly MaxAttempts attempts, never a sixth.
	require.Len(t, attempts, domain.MaxAttempts)
	assert.Equal(t, domain.MaxAttempts, generator.calls)
	for _, a := range attempts {
		assert.Equal(t, domain.VerdictFail, *a.Verdict)
	}
}

func TestGenerateUnknownFixEscalates(t *testing.T) {
	store := newMemStore()
	evaluator := &stubEvaluator{script: []qc.Evaluation{failEval("bad", "repaint_the_walls")}}
	ctl := newTestRenderController(store, &stubClassifier{}, &stubGenerator{}, evaluator, t)

	job := queuedJob(store, "j1")
	render := classifiedRender(store, "r1", "j1")

	state, err := ctl.Generate(context.Background(), job, render)
	require.NoError(t, err)
	assert.Equal(t, domain.RenderStateManualReviewNeeded, state)

	attempts, err := store.ListByRender(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestGenerateSettledRenderIsIdempotent(t *testing.T) {
	store := newMemStore()
	generator := &stubGenerator{}
	ctl := newTestRenderController(store, &stubClassifier{}, generator, &stubEvaluator{}, t)

	job := queuedJob(store, "j1")
	render := classifiedRender(store, "r1", "j1")
	render.State = domain.RenderStatePassed

	state, err := ctl.Generate(context.Background(), job, render)
	require.NoError(t, err)
	assert.Equal(t, domain.RenderStatePassed, state)
	assert.Zero(t, generator.calls)
}

func TestGenerateHonorsCancelBetweenAttempts(t *testing.T) {
	store := newMemStore()
	job := queuedJob(store, "j1")
	render := classifiedRender(store, "r1", "j1")

	// The operator cancels while the first attempt is in flight; the attempt
	// runs to completion and the loop stops before the second one starts.
	evaluator := evalFunc(func(ctx context.Context, artifactRef string, rctx qc.RenderContext) (*qc.Evaluation, error) {
		require.NoError(t, store.RequestCancel(ctx, "j1"))
		eval := failEval("grainy", "increase_steps")
		return &eval, nil
	})
	ctl := newTestRenderController(store, &stubClassifier{}, &stubGenerator{}, evaluator, t)

	_, err := ctl.Generate(context.Background(), job, render)
	require.ErrorIs(t, err, domain.ErrJobCancelled)

	attempts, listErr := store.ListByRender(context.Background(), "r1")
	require.NoError(t, listErr)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Finalized())
}

func TestGenerateResumesAfterFinalizedAttempt(t *testing.T) {
	store := newMemStore()
	job := queuedJob(store, "j1")
	render := classifiedRender(store, "r1", "j1")
	render.State = domain.RenderStateGenerating
	require.NoError(t, store.UpdateState(context.Background(), "r1", domain.RenderStateGenerating, nil, 0))

	// A previous worker finalized attempt 1 as FAIL and then died.
	prior := domain.GenerationAttempt{ID: "a1", RenderID: "r1", Number: 1, Params: domain.DefaultParams(), CreatedAt: fixedNow(t)}
	require.NoError(t, store.CreateAttempt(context.Background(), &prior))
	require.NoError(t, prior.Finalize(domain.VerdictFail, "warped", "reduce_structure_scale", fixedNow(t)))
	require.NoError(t, store.Finalize(context.Background(), &prior, domain.RenderStateGenerating))

	generator := &stubGenerator{}
	evaluator := &stubEvaluator{script: []qc.Evaluation{passEval()}}
	ctl := newTestRenderController(store, &stubClassifier{}, generator, evaluator, t)

	state, err := ctl.Generate(context.Background(), job, render)
	require.NoError(t, err)
	assert.Equal(t, domain.RenderStatePassed, state)

	attempts, err := store.ListByRender(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	// The replayed plan carries the adjusted parameters into attempt 2.
	assert.Equal(t, 2, attempts[1].Number)
	assert.InDelta(t, 0.40, attempts[1].Params.StructureScale, 1e-9)
	assert.Equal(t, 1, generator.calls)
}

func TestGenerateReExecutesUnfinalizedAttempt(t *testing.T) {
	store := newMemStore()
	job := queuedJob(store, "j1")
	render := classifiedRender(store, "r1", "j1")
	render.State = domain.RenderStateGenerating
	require.NoError(t, store.UpdateState(context.Background(), "r1", domain.RenderStateGenerating, nil, 0))

	// A crash left attempt 1 open (no verdict recorded).
	params := domain.DefaultParams()
	params.Steps = 40
	open := domain.GenerationAttempt{ID: "a1", RenderID: "r1", Number: 1, Params: params, CreatedAt: fixedNow(t)}
	require.NoError(t, store.CreateAttempt(context.Background(), &open))

	generator := &stubGenerator{}
	evaluator := &stubEvaluator{script: []qc.Evaluation{passEval()}}
	ctl := newTestRenderController(store, &stubClassifier{}, generator, evaluator, t)

	state, err := ctl.Generate(context.Background(), job, render)
	require.NoError(t, err)
	assert.Equal(t, domain.RenderStatePassed, state)

	attempts, listErr := store.ListByRender(context.Background(), "r1")
	require.NoError(t, listErr)
	// No new attempt row: the open one was re-executed with its stored params.
	require.Len(t, attempts, 1)
	assert.Equal(t, 40, attempts[0].Params.Steps)
	assert.True(t, attempts[0].Finalized())
}

func TestGenerateProviderFailureLeavesRenderOpen(t *testing.T) {
	store := newMemStore()
	job := queuedJob(store, "j1")
	render := classifiedRender(store, "r1", "j1")

	generator := &stubGenerator{err: errors.New("upstream 503")}
	ctl := newTestRenderController(store, &stubClassifier{}, generator, &stubEvaluator{}, t)

	_, err := ctl.Generate(context.Background(), job, render)
	require.ErrorIs(t, err, domain.ErrProviderFailure)
	// The render stays unsettled so a job-level retry can resume it.
	assert.Equal(t, domain.RenderStateGenerating, render.State)

	attempts, listErr := store.ListByRender(context.Background(), "r1")
	require.NoError(t, listErr)
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Finalized())
}

// flakyRenders rejects every state write, standing in for a storage outage.
type flakyRenders struct {
	domain.RenderRepository
}

func (f *flakyRenders) UpdateState(ctx context.Context, renderID string, state domain.RenderState, errMsg *string, processingSeconds float64) error {
	return errors.New("storage unavailable")
}

func TestClassifyFailureSurvivesLostStateWrite(t *testing.T) {
	store := newMemStore()
	classifier := &stubClassifier{err: errors.New("model unavailable")}
	executor := NewExecutor(&stubGenerator{}, &stubEvaluator{}, testStore(t), testLogger())
	ctl := NewRenderController(classifier, executor, NewPlanner(nil), store, &flakyRenders{store}, attemptRepoAdapter{store}, testLogger())

	render := domain.Render{ID: "r1", JobID: "j1", SourceImageRef: "uploads/r1.jpg", State: domain.RenderStateUnclassified}
	store.addRender(render)

	// The classifier error still wins even when the FAILED write is lost.
	err := ctl.Classify(context.Background(), &render)
	require.ErrorIs(t, err, domain.ErrProviderFailure)
	assert.Equal(t, domain.RenderStateFailed, render.State)
}

func TestGenerateLosingFinalizeRaceSurfacesConflict(t *testing.T) {
	store := newMemStore()
	job := queuedJob(store, "j1")
	render := classifiedRender(store, "r1", "j1")

	// A rival worker records a verdict for the same attempt while this one is
	// still evaluating. The transactional finalize must refuse to advance the
	// render on top of the verdict that landed first.
	evaluator := evalFunc(func(ctx context.Context, artifactRef string, rctx qc.RenderContext) (*qc.Evaluation, error) {
		attempts, err := store.ListByRender(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		rival := attempts[0]
		require.NoError(t, rival.Finalize(domain.VerdictFail, "warped", "reduce_structure_scale", fixedNow(t)))
		require.NoError(t, store.Finalize(ctx, &rival, domain.RenderStateGenerating))
		eval := passEval()
		return &eval, nil
	})
	ctl := newTestRenderController(store, &stubClassifier{}, &stubGenerator{}, evaluator, t)

	_, err := ctl.Generate(context.Background(), job, render)
	require.ErrorIs(t, err, domain.ErrAttemptFinalized)

	// The render never reads PASSED off the losing worker's verdict.
	stored, listErr := store.ListByJob(context.Background(), "j1")
	require.NoError(t, listErr)
	require.Len(t, stored, 1)
	assert.Equal(t, domain.RenderStateGenerating, stored[0].State)
}

func TestBackoffDelay(t *testing.T) {
	base, max := 30*time.Second, 10*time.Minute
	assert.Equal(t, 30*time.Second, backoffDelay(base, max, 1))
	assert.Equal(t, time.Minute, backoffDelay(base, max, 2))
	assert.Equal(t, 2*time.Minute, backoffDelay(base, max, 3))
	// Growth is capped.
	assert.Equal(t, max, backoffDelay(base, max, 10))
	// A zero base falls back to the default.
	assert.Equal(t, 30*time.Second, backoffDelay(0, max, 1))
}
