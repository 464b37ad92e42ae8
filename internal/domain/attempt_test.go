package domain

import (
	"errors"
	"testing"
	"time"
)

func TestAttemptFinalizeOnce(t *testing.T) {
	a := &GenerationAttempt{Number: 1, Params: DefaultParams()}
	if a.Finalized() {
		t.Fatal("new attempt must not be finalized")
	}
	if err := a.Finalize(VerdictFail, "blurry output", "increase_steps", time.Now().UTC()); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if !a.Finalized() || *a.Verdict != VerdictFail || a.CompletedAt == nil {
		t.Fatal("finalize did not record verdict")
	}
	if err := a.Finalize(VerdictPass, "", "", time.Now().UTC()); !errors.Is(err, ErrAttemptFinalized) {
		t.Fatalf("expected ErrAttemptFinalized, got %v", err)
	}
}

func TestAttemptFinalizeRejectsInvalidVerdict(t *testing.T) {
	a := &GenerationAttempt{Number: 1}
	if err := a.Finalize(Verdict("MAYBE"), "", "", time.Now()); !errors.Is(err, ErrInvalidVerdict) {
		t.Fatalf("expected ErrInvalidVerdict, got %v", err)
	}
	// A PASS never carries a failure reason.
	if err := a.Finalize(VerdictPass, "reason", "", time.Now()); !errors.Is(err, ErrInvalidVerdict) {
		t.Fatalf("expected ErrInvalidVerdict, got %v", err)
	}
}

func TestDefaultParamsAreValid(t *testing.T) {
	params := DefaultParams()
	if err := params.Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}
	if params.StructureScale != 0.50 {
		t.Fatalf("default structure scale: %v", params.StructureScale)
	}
}

func TestParamsValidation(t *testing.T) {
	cases := []GenerationParams{
		{Steps: 0, Sampler: "ddim", CFGScale: 7.5, StructureScale: 0.5},
		{Steps: 30, Sampler: "", CFGScale: 7.5, StructureScale: 0.5},
		{Steps: 30, Sampler: "ddim", CFGScale: 0, StructureScale: 0.5},
		{Steps: 30, Sampler: "ddim", CFGScale: 7.5, StructureScale: 1.2},
		{Steps: 200, Sampler: "ddim", CFGScale: 7.5, StructureScale: 0.5},
	}
	for i, params := range cases {
		if err := params.Validate(); !errors.Is(err, ErrInvalidParams) {
			t.Errorf("case %d: expected ErrInvalidParams, got %v", i, err)
		}
	}
}
