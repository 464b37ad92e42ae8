package domain

import "github.com/go-playground/validator/v10"

// GenerationParams is the structured parameter record handed to the image
// generator for one attempt.
type GenerationParams struct {
	Steps          int     `json:"steps" validate:"gt=0,lte=150"`
	Sampler        string  `json:"sampler" validate:"required"`
	CFGScale       float64 `json:"cfg_scale" validate:"gt=0"`
	StructureScale float64 `json:"structure_scale" validate:"gte=0,lte=1"`
}

var validate = validator.New()

// Validate checks the parameter record against its field constraints.
// Malformed parameters are a configuration error, not a retryable failure.
func (p GenerationParams) Validate() error {
	if err := validate.Struct(p); err != nil {
		return ErrInvalidParams
	}
	return nil
}

// DefaultParams returns the parameter record used for a render's first
// attempt. Structure preservation starts at 0.50 so QC feedback can move it
// in either direction.
func DefaultParams() GenerationParams {
	return GenerationParams{
		Steps:          30,
		Sampler:        "ddim",
		CFGScale:       7.5,
		StructureScale: 0.50,
	}
}
