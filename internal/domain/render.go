package domain

import (
	"encoding/json"
	"math"
	"time"
)

// RenderState enumerates the per-image state machine.
type RenderState string

const (
	RenderStateUnclassified       RenderState = "UNCLASSIFIED"
	RenderStateClassified         RenderState = "CLASSIFIED"
	RenderStateGenerating         RenderState = "GENERATING"
	RenderStatePassed             RenderState = "PASSED"
	RenderStateManualReviewNeeded RenderState = "MANUAL_REVIEW_NEEDED"
	RenderStateFailed             RenderState = "FAILED"
)

var renderTransitions = map[RenderState][]RenderState{
	RenderStateUnclassified: {RenderStateClassified, RenderStateFailed},
	RenderStateClassified:   {RenderStateGenerating, RenderStateFailed},
	RenderStateGenerating:   {RenderStateGenerating, RenderStatePassed, RenderStateManualReviewNeeded, RenderStateFailed},
}

// Settled reports whether the render has reached a final state.
func (s RenderState) Settled() bool {
	return s == RenderStatePassed || s == RenderStateManualReviewNeeded || s == RenderStateFailed
}

// Render is one source image's classification-and-generation record,
// owned by exactly one Job.
type Render struct {
	ID                string
	JobID             string
	SourceImageRef    string
	State             RenderState
	ShotType          *string
	Confidence        *float64
	Prompt            string
	Tags              []string
	MotionRec         string
	RawAnalysis       json.RawMessage
	ProcessingSeconds float64
	ErrorMessage      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Classification is the normalized output of the external classifier.
type Classification struct {
	ShotType   string
	Confidence float64
	Tags       []string
	Prompt     string
	MotionRec  string
	Raw        json.RawMessage
}

// Advance moves the render to the given state, stamping UpdatedAt.
func (r *Render) Advance(to RenderState, now time.Time) error {
	if !canAdvanceRender(r.State, to) {
		return ErrInvalidTransition
	}
	r.State = to
	if now.After(r.UpdatedAt) {
		r.UpdatedAt = now
	}
	return nil
}

func canAdvanceRender(from, to RenderState) bool {
	for _, next := range renderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ApplyClassification records the classifier output. Shot type and confidence
// are set together, confidence clamped to [0,1] at 4-decimal precision.
func (r *Render) ApplyClassification(c Classification, now time.Time) error {
	if c.ShotType == "" {
		return ErrInvalidClassification
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return ErrInvalidClassification
	}
	conf := RoundConfidence(c.Confidence)
	shot := c.ShotType
	r.ShotType = &shot
	r.Confidence = &conf
	r.Tags = c.Tags
	r.Prompt = c.Prompt
	r.MotionRec = c.MotionRec
	r.RawAnalysis = c.Raw
	return r.Advance(RenderStateClassified, now)
}

// Fail marks the render failed and records its error message.
func (r *Render) Fail(msg string, now time.Time) error {
	if r.State.Settled() {
		return ErrInvalidTransition
	}
	r.State = RenderStateFailed
	r.ErrorMessage = &msg
	if now.After(r.UpdatedAt) {
		r.UpdatedAt = now
	}
	return nil
}

// RoundConfidence rounds a confidence score to the stored 4-decimal precision.
func RoundConfidence(v float64) float64 {
	return math.Round(v*10000) / 10000
}
