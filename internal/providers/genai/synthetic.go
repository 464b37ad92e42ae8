package genai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
)

// Deterministic synthetic results keep the pipeline verifiable without API
// credentials: the same request always classifies, renders, and evaluates the
// same way.

var syntheticShotTypes = []string{
	"exterior_front",
	"interior_living",
	"kitchen",
	"bedroom",
	"bathroom",
	"backyard",
	"aerial",
}

var syntheticMotions = []string{"slow_pan_left", "slow_pan_right", "push_in", "static"}

func (c *Client) syntheticClassification(req ClassifyRequest) *ClassifyResult {
	seed := deterministicSeed("classify", c.model, req.ImageRef)
	shot := syntheticShotTypes[seedIndex(seed, 0, len(syntheticShotTypes))]
	result := &ClassifyResult{
		ShotType:   shot,
		Confidence: 0.6 + float64(seedIndex(seed, 2, 40))/100,
		Tags:       []string{"synthetic", shot},
		Prompt:     fmt.Sprintf("cinematic %s, natural light, high detail", shot),
		MotionRec:  syntheticMotions[seedIndex(seed, 4, len(syntheticMotions))],
	}
	result.Raw, _ = json.Marshal(map[string]any{"synthetic": true, "seed": seed})

	c.logger.Debug().
		Str("request_id", req.RequestID).
		Str("shot_type", shot).
		Msg("genai: synthetic classification")

	return result
}

func (c *Client) syntheticImage(req ImageRequest) *ImageResult {
	seed := deterministicSeed("image", c.model, req.ImageRef, req.Prompt, req.Steps, req.Sampler, req.CFGScale, req.StructureScale)
	raw, _ := json.Marshal(map[string]any{"synthetic": true, "seed": seed})

	c.logger.Debug().
		Str("request_id", req.RequestID).
		Msg("genai: synthetic image")

	return &ImageResult{
		Data:   renderSyntheticImage(640, 480, seed),
		Format: "image/png",
		Raw:    raw,
	}
}

func (c *Client) syntheticEvaluation(req EvaluateRequest) *EvaluateResult {
	seed := deterministicSeed("evaluate", c.model, req.ArtifactRef)
	result := &EvaluateResult{Verdict: "PASS"}
	// Roughly one in five synthetic renders fails QC so the retry loop gets
	// exercised locally.
	if seedIndex(seed, 0, 5) == 0 {
		result.Verdict = "FAIL"
		result.FailureReason = "synthetic: structure drift detected"
		result.SuggestedFix = "reduce_structure_scale"
	}
	result.Raw, _ = json.Marshal(map[string]any{"synthetic": true, "seed": seed})
	return result
}

func renderSyntheticImage(width, height int, seed string) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{colorFromSeed(seed, 0)}, image.Point{}, draw.Src)

	band := image.Rect(0, height/3, width, 2*height/3)
	draw.Draw(img, band, &image.Uniform{colorFromSeed(seed, 6)}, image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

func colorFromSeed(seed string, shift int) color.RGBA {
	return color.RGBA{
		R: hexByteAt(seed, shift),
		G: hexByteAt(seed, shift+2),
		B: hexByteAt(seed, shift+4),
		A: 0xff,
	}
}

func hexByteAt(seed string, offset int) uint8 {
	if offset+2 > len(seed) {
		return 0x80
	}
	v, err := strconv.ParseUint(seed[offset:offset+2], 16, 8)
	if err != nil {
		return 0x80
	}
	return uint8(v)
}

func seedIndex(seed string, offset, modulo int) int {
	if modulo <= 0 {
		return 0
	}
	return int(hexByteAt(seed, offset)) % modulo
}
