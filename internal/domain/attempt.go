package domain

import (
	"encoding/json"
	"time"
)

// MaxAttempts bounds the retry loop for a single render.
const MaxAttempts = 5

// Verdict is the QC outcome for one generation attempt. It is absent until
// the evaluator has run.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// GenerationAttempt is one bounded try at producing a QC-passing image,
// owned by exactly one Render. Attempt numbers are gapless 1..MaxAttempts.
type GenerationAttempt struct {
	ID            string
	RenderID      string
	Number        int
	Params        GenerationParams
	Verdict       *Verdict
	FailureReason string
	SuggestedFix  string
	ArtifactRef   string
	RawResponse   json.RawMessage
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// Finalized reports whether the attempt's verdict has been recorded.
func (a *GenerationAttempt) Finalized() bool {
	return a.Verdict != nil
}

// Finalize records the attempt outcome. The verdict fields transition exactly
// once from unset to a terminal value; a second call is rejected.
func (a *GenerationAttempt) Finalize(v Verdict, reason, fix string, now time.Time) error {
	if a.Finalized() {
		return ErrAttemptFinalized
	}
	if v != VerdictPass && v != VerdictFail {
		return ErrInvalidVerdict
	}
	if v == VerdictPass && reason != "" {
		return ErrInvalidVerdict
	}
	a.Verdict = &v
	a.FailureReason = reason
	a.SuggestedFix = fix
	a.CompletedAt = &now
	return nil
}
