package genai

import (
	"fmt"
	"strings"
)

func buildClassifyPrompt(req ClassifyRequest) string {
	var sb strings.Builder
	sb.WriteString("Classify the property photograph referenced below.\n")
	sb.WriteString("Respond with JSON: shot_type, confidence (0..1), tags (string array), ")
	sb.WriteString("prompt (transformation prompt), motion_recommendation.\n")
	fmt.Fprintf(&sb, "Image: %s\n", req.ImageRef)
	return sb.String()
}

func buildImagePrompt(req ImageRequest) string {
	var sb strings.Builder
	sb.WriteString("Generate a transformed render of the property photograph.\n")
	fmt.Fprintf(&sb, "Image: %s\n", req.ImageRef)
	fmt.Fprintf(&sb, "Prompt: %s\n", req.Prompt)
	fmt.Fprintf(&sb, "Parameters: steps=%d sampler=%s cfg_scale=%.2f structure_scale=%.2f\n",
		req.Steps, req.Sampler, req.CFGScale, req.StructureScale)
	return sb.String()
}

func buildEvaluatePrompt(req EvaluateRequest) string {
	var sb strings.Builder
	sb.WriteString("Quality-check the generated render against its source context.\n")
	sb.WriteString("Respond with JSON: verdict (PASS or FAIL), failure_reason, suggested_fix.\n")
	fmt.Fprintf(&sb, "Artifact: %s\n", req.ArtifactRef)
	if req.ShotType != "" {
		fmt.Fprintf(&sb, "Shot type: %s\n", req.ShotType)
	}
	if req.Prompt != "" {
		fmt.Fprintf(&sb, "Prompt: %s\n", req.Prompt)
	}
	return sb.String()
}
