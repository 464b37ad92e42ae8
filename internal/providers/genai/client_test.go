package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, apiKey, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(Options{APIKey: apiKey, BaseURL: baseURL, Model: "gemini-test"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSyntheticClassificationIsDeterministic(t *testing.T) {
	client := newTestClient(t, "", "")
	req := ClassifyRequest{ImageRef: "uploads/house.jpg", RequestID: "r1"}

	first, err := client.Classify(context.Background(), req)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	second, err := client.Classify(context.Background(), req)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if first.ShotType != second.ShotType || first.Confidence != second.Confidence {
		t.Fatalf("synthetic classification not deterministic: %+v vs %+v", first, second)
	}
	if first.Confidence < 0.6 || first.Confidence > 1.0 {
		t.Fatalf("confidence out of range: %v", first.Confidence)
	}
	if first.Prompt == "" || first.MotionRec == "" {
		t.Fatal("synthetic classification incomplete")
	}
}

func TestSyntheticImageIsValidPNG(t *testing.T) {
	client := newTestClient(t, "", "")
	req := ImageRequest{ImageRef: "uploads/house.jpg", Prompt: "sunset exterior", Steps: 30, Sampler: "ddim", CFGScale: 7.5, StructureScale: 0.5}

	result, err := client.GenerateImage(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(result.Data)); err != nil {
		t.Fatalf("synthetic image is not a png: %v", err)
	}

	again, err := client.GenerateImage(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !bytes.Equal(result.Data, again.Data) {
		t.Fatal("same request produced different synthetic images")
	}

	// Changing a generation parameter changes the output.
	req.StructureScale = 0.4
	changed, err := client.GenerateImage(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if bytes.Equal(result.Data, changed.Data) {
		t.Fatal("parameter change did not affect synthetic image")
	}
}

func TestSyntheticEvaluationIsDeterministic(t *testing.T) {
	client := newTestClient(t, "", "")
	req := EvaluateRequest{ArtifactRef: "generated/j1/r1/attempt-01.png"}

	first, err := client.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	second, err := client.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if first.Verdict != second.Verdict {
		t.Fatalf("synthetic evaluation not deterministic: %s vs %s", first.Verdict, second.Verdict)
	}
	if first.Verdict != "PASS" && first.Verdict != "FAIL" {
		t.Fatalf("unexpected verdict: %s", first.Verdict)
	}
	if first.Verdict == "FAIL" && first.SuggestedFix == "" {
		t.Fatal("synthetic failure without a fix hint")
	}
}

func TestClassifyRemote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-test:generateContent") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("missing api key in query")
		}
		body := `{"candidates":[{"content":{"parts":[{"text":"{\"shot_type\":\"kitchen\",\"confidence\":0.91,\"tags\":[\"wide\"],\"prompt\":\"bright kitchen\",\"motion_recommendation\":\"push_in\"}"}]}}]}`
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := newTestClient(t, "test-key", server.URL)
	result, err := client.Classify(context.Background(), ClassifyRequest{ImageRef: "uploads/1.jpg", RequestID: "r1"})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.ShotType != "kitchen" || result.Confidence != 0.91 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Raw) == 0 {
		t.Fatal("raw payload not preserved")
	}
}

func TestEvaluateRemoteMalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := `{"candidates":[{"content":{"parts":[{"text":"not json"}]}}]}`
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := newTestClient(t, "test-key", server.URL)
	if _, err := client.Evaluate(context.Background(), EvaluateRequest{ArtifactRef: "a.png"}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestInvokeSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": 429, "message": "quota exceeded"}})
	}))
	defer server.Close()

	client := newTestClient(t, "test-key", server.URL)
	_, err := client.Classify(context.Background(), ClassifyRequest{ImageRef: "uploads/1.jpg"})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected api error message, got %v", err)
	}
}

func TestGenerateImageRemoteInlineData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := `{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"aGVsbG8="}}]}}]}`
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := newTestClient(t, "test-key", server.URL)
	result, err := client.GenerateImage(context.Background(), ImageRequest{ImageRef: "uploads/1.jpg", Prompt: "p"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(result.Data) != "hello" {
		t.Fatalf("unexpected payload: %q", result.Data)
	}
	if result.Format != "image/png" {
		t.Fatalf("unexpected format: %s", result.Format)
	}
}
