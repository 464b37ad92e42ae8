package classify

import (
	"context"
	"encoding/json"

	"server/internal/providers/genai"
)

// Result is the normalized output of the shot classifier.
type Result struct {
	ShotType   string
	Confidence float64
	Tags       []string
	Prompt     string
	MotionRec  string
	Raw        json.RawMessage
}

// Classifier is the contract implemented by all shot-type classifiers.
type Classifier interface {
	Classify(ctx context.Context, imageRef, requestID string) (*Result, error)
}

// GeminiClassifier classifies property photos through the Gemini client.
type GeminiClassifier struct {
	client *genai.Client
}

func NewGeminiClassifier(client *genai.Client) *GeminiClassifier {
	return &GeminiClassifier{client: client}
}

func (g *GeminiClassifier) Classify(ctx context.Context, imageRef, requestID string) (*Result, error) {
	res, err := g.client.Classify(ctx, genai.ClassifyRequest{ImageRef: imageRef, RequestID: requestID})
	if err != nil {
		return nil, err
	}
	return &Result{
		ShotType:   res.ShotType,
		Confidence: res.Confidence,
		Tags:       res.Tags,
		Prompt:     res.Prompt,
		MotionRec:  res.MotionRec,
		Raw:        res.Raw,
	}, nil
}

var _ Classifier = (*GeminiClassifier)(nil)
