package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/providers/classify"
	"server/internal/providers/image"
	"server/internal/providers/qc"
	"server/internal/storage"
)

func fixedNow(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
}

func testLogger() infra.Logger {
	return zerolog.Nop()
}

func testStore(t *testing.T) *storage.FileStore {
	t.Helper()
	fs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	return fs
}

// memStore is an in-memory stand-in for the three repositories. It keeps the
// same aggregate shape as the database so controller tests can assert on
// persisted state.
type memStore struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	renders  map[string]*domain.Render
	attempts map[string][]*domain.GenerationAttempt
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     map[string]*domain.Job{},
		renders:  map[string]*domain.Render{},
		attempts: map[string][]*domain.GenerationAttempt{},
	}
}

func (m *memStore) addJob(job domain.Job) *domain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := job
	m.jobs[job.ID] = &copied
	return &copied
}

func (m *memStore) addRender(r domain.Render) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := r
	m.renders[r.ID] = &copied
}

func (m *memStore) Create(ctx context.Context, job *domain.Job) error {
	m.addJob(*job)
	return nil
}

func (m *memStore) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memStore) UpdateStatus(ctx context.Context, jobID string, status domain.JobStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	job.Status = status
	if errMsg != nil {
		job.ErrorMessage = *errMsg
	}
	return nil
}

func (m *memStore) Requeue(ctx context.Context, jobID string, retryCount int, notBeforeSeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	job.Status = domain.JobStatusQueued
	job.RetryCount = retryCount
	return nil
}

func (m *memStore) RequestCancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	job.CancelRequested = true
	return nil
}

func (m *memStore) DeleteAggregate(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func (m *memStore) CreateBatch(ctx context.Context, renders []domain.Render) error {
	for _, r := range renders {
		m.addRender(r)
	}
	return nil
}

func (m *memStore) ListByJob(ctx context.Context, jobID string) ([]domain.Render, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Render
	for _, r := range m.renders {
		if r.JobID == jobID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) SaveClassification(ctx context.Context, r *domain.Render) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.renders[r.ID]
	if !ok {
		return domain.ErrNotFound
	}
	*stored = *r
	return nil
}

func (m *memStore) UpdateState(ctx context.Context, renderID string, state domain.RenderState, errMsg *string, processingSeconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.renders[renderID]
	if !ok {
		return domain.ErrNotFound
	}
	stored.State = state
	stored.ErrorMessage = errMsg
	stored.ProcessingSeconds = processingSeconds
	return nil
}

func (m *memStore) CreateAttempt(ctx context.Context, a *domain.GenerationAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.attempts[a.RenderID] {
		// Mirrors the unique (render_id, attempt_number) insert guard.
		if existing.Number == a.Number {
			*a = *existing
			return nil
		}
	}
	copied := *a
	m.attempts[a.RenderID] = append(m.attempts[a.RenderID], &copied)
	return nil
}

func (m *memStore) Finalize(ctx context.Context, a *domain.GenerationAttempt, renderState domain.RenderState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stored := range m.attempts[a.RenderID] {
		if stored.ID == a.ID {
			if stored.Finalized() {
				return domain.ErrAttemptFinalized
			}
			*stored = *a
			if render, ok := m.renders[a.RenderID]; ok {
				render.State = renderState
			}
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *memStore) ListByRender(ctx context.Context, renderID string) ([]domain.GenerationAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.GenerationAttempt
	for _, a := range m.attempts[renderID] {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// attemptRepoAdapter splits memStore's attempt methods onto the repository
// interface without a name clash with JobRepository.Create.
type attemptRepoAdapter struct{ store *memStore }

func (a attemptRepoAdapter) Create(ctx context.Context, att *domain.GenerationAttempt) error {
	return a.store.CreateAttempt(ctx, att)
}

func (a attemptRepoAdapter) Finalize(ctx context.Context, att *domain.GenerationAttempt, renderState domain.RenderState) error {
	return a.store.Finalize(ctx, att, renderState)
}

func (a attemptRepoAdapter) ListByRender(ctx context.Context, renderID string) ([]domain.GenerationAttempt, error) {
	return a.store.ListByRender(ctx, renderID)
}

var (
	_ domain.JobRepository     = (*memStore)(nil)
	_ domain.RenderRepository  = (*memStore)(nil)
	_ domain.AttemptRepository = attemptRepoAdapter{}
)

type stubClassifier struct {
	result *classify.Result
	err    error
	calls  int
}

func (s *stubClassifier) Classify(ctx context.Context, imageRef, requestID string) (*classify.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	copied := *s.result
	return &copied, nil
}

type stubGenerator struct {
	err   error
	calls int
}

func (s *stubGenerator) Generate(ctx context.Context, req image.GenerateRequest) (*image.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &image.Result{
		Data:   []byte("png-bytes"),
		Format: "png",
		Raw:    json.RawMessage(`{"ok":true}`),
	}, nil
}

// stubEvaluator replays a scripted list of evaluations, one per call. It
// repeats the last entry when calls outrun the script.
type stubEvaluator struct {
	script []qc.Evaluation
	err    error
	calls  int
}

func (s *stubEvaluator) Evaluate(ctx context.Context, artifactRef string, rctx qc.RenderContext) (*qc.Evaluation, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	idx := s.calls - 1
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	eval := s.script[idx]
	return &eval, nil
}

func passEval() qc.Evaluation {
	return qc.Evaluation{Verdict: domain.VerdictPass, Raw: json.RawMessage(`{"verdict":"PASS"}`)}
}

func failEval(reason, fix string) qc.Evaluation {
	return qc.Evaluation{
		Verdict:       domain.VerdictFail,
		FailureReason: reason,
		SuggestedFix:  fix,
		Raw:           json.RawMessage(`{"verdict":"FAIL"}`),
	}
}

func newTestRenderController(store *memStore, classifier classify.Classifier, generator image.Generator, evaluator qc.Evaluator, t *testing.T) *RenderController {
	executor := NewExecutor(generator, evaluator, testStore(t), testLogger())
	return NewRenderController(classifier, executor, NewPlanner(nil), store, store, attemptRepoAdapter{store}, testLogger())
}

func queuedJob(store *memStore, id string) *domain.Job {
	return store.addJob(domain.Job{
		ID:         id,
		PropertyID: "prop-1",
		Status:     domain.JobStatusProcessing,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	})
}

func classifiedRender(store *memStore, id, jobID string) *domain.Render {
	shot := "living_room"
	conf := 0.93
	r := domain.Render{
		ID:             id,
		JobID:          jobID,
		SourceImageRef: "uploads/" + id + ".jpg",
		State:          domain.RenderStateClassified,
		ShotType:       &shot,
		Confidence:     &conf,
		Prompt:         "sunlit living room, photorealistic",
	}
	store.addRender(r)
	return &r
}
