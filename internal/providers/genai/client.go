package genai

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"server/internal/infra"
)

// Options controls how the Gemini client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client provides a lightweight facade over Gemini for the three external
// collaborators of the pipeline: shot classification, image generation, and
// quality-control evaluation. When no API key is configured the client
// produces deterministic synthetic results so the orchestrator can be
// exercised end-to-end in local and CI environments.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// ClassifyRequest carries a source image reference to the classifier.
type ClassifyRequest struct {
	ImageRef  string
	RequestID string
}

// ClassifyResult is the normalized classifier output.
type ClassifyResult struct {
	ShotType   string          `json:"shot_type"`
	Confidence float64         `json:"confidence"`
	Tags       []string        `json:"tags"`
	Prompt     string          `json:"prompt"`
	MotionRec  string          `json:"motion_recommendation"`
	Raw        json.RawMessage `json:"-"`
}

// ImageRequest carries one generation attempt's inputs.
type ImageRequest struct {
	ImageRef       string
	Prompt         string
	Steps          int
	Sampler        string
	CFGScale       float64
	StructureScale float64
	RequestID      string
}

// ImageResult is the normalized generator output.
type ImageResult struct {
	Data   []byte
	Format string
	Raw    json.RawMessage
}

// EvaluateRequest carries a generated artifact to the QC evaluator.
type EvaluateRequest struct {
	ArtifactRef string
	ShotType    string
	Prompt      string
	RequestID   string
}

// EvaluateResult is the normalized evaluator output.
type EvaluateResult struct {
	Verdict       string          `json:"verdict"`
	FailureReason string          `json:"failure_reason"`
	SuggestedFix  string          `json:"suggested_fix"`
	Raw           json.RawMessage `json:"-"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
	FileData   *geminiFileData   `json:"fileData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type geminiGenerationConfig struct {
	CandidateCount   int    `json:"candidateCount,omitempty"`
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type geminiGenerateContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiGenerateContentResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// NewClient constructs a Gemini client with sane defaults. Callers may provide
// a nil HTTP client; a reusable one with sensible timeouts will be created.
func NewClient(opts Options) (*Client, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}

	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}

	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: client,
		logger:     logger,
	}, nil
}

// Model returns the configured Gemini model identifier.
func (c *Client) Model() string {
	return c.model
}

// HasCredentials reports whether remote calls are possible.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// Classify analyzes a property photo and returns its shot type, confidence,
// technical tag set, generation prompt, and motion recommendation.
func (c *Client) Classify(ctx context.Context, req ClassifyRequest) (*ClassifyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.apiKey == "" {
		return c.syntheticClassification(req), nil
	}

	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: buildClassifyPrompt(req)}},
		}},
		GenerationConfig: &geminiGenerationConfig{
			CandidateCount:   1,
			ResponseMimeType: "application/json",
		},
	}

	var response geminiGenerateContentResponse
	if err := c.invoke(ctx, payload, &response); err != nil {
		return nil, err
	}

	text := firstTextPart(response)
	if text == "" {
		return nil, fmt.Errorf("classifier returned no content")
	}
	var result ClassifyResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	result.Raw = json.RawMessage(text)

	c.logger.Debug().
		Str("request_id", req.RequestID).
		Str("shot_type", result.ShotType).
		Msg("genai: classified image")

	return &result, nil
}

// GenerateImage produces one transformed render of the source photo using the
// attempt's generation parameters.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.apiKey == "" {
		return c.syntheticImage(req), nil
	}

	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: buildImagePrompt(req)}},
		}},
		GenerationConfig: &geminiGenerationConfig{CandidateCount: 1},
	}

	var response geminiGenerateContentResponse
	if err := c.invoke(ctx, payload, &response); err != nil {
		return nil, err
	}

	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			data, format, err := c.decodeInlinePart(ctx, part)
			if err != nil || len(data) == 0 {
				continue
			}
			raw, _ := json.Marshal(response)
			return &ImageResult{Data: data, Format: format, Raw: raw}, nil
		}
	}
	return nil, fmt.Errorf("no image content returned")
}

// Evaluate quality-checks a generated artifact against its render context and
// returns a PASS/FAIL verdict with an optional failure reason and fix hint.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.apiKey == "" {
		return c.syntheticEvaluation(req), nil
	}

	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: buildEvaluatePrompt(req)}},
		}},
		GenerationConfig: &geminiGenerationConfig{
			CandidateCount:   1,
			ResponseMimeType: "application/json",
		},
	}

	var response geminiGenerateContentResponse
	if err := c.invoke(ctx, payload, &response); err != nil {
		return nil, err
	}

	text := firstTextPart(response)
	if text == "" {
		return nil, fmt.Errorf("evaluator returned no content")
	}
	var result EvaluateResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("decode evaluation: %w", err)
	}
	result.Raw = json.RawMessage(text)
	return &result, nil
}

func (c *Client) invoke(ctx context.Context, payload any, out any) error {
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(c.baseURL, "/"), url.PathEscape(c.model))
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	q := req.URL.Query()
	q.Set("key", c.apiKey)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("invoke gemini: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr geminiErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("gemini status %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		data, _ := io.ReadAll(resp.Body)
		if len(data) > 0 {
			return fmt.Errorf("gemini status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return fmt.Errorf("gemini status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gemini response: %w", err)
	}
	return nil
}

func (c *Client) decodeInlinePart(ctx context.Context, part geminiPart) ([]byte, string, error) {
	if part.InlineData != nil && part.InlineData.Data != "" {
		data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if err != nil {
			return nil, "", fmt.Errorf("decode inline data: %w", err)
		}
		return data, firstNonEmpty(part.InlineData.MimeType, "image/png"), nil
	}
	if part.FileData != nil && part.FileData.FileURI != "" {
		data, mime, err := c.downloadFile(ctx, part.FileData.FileURI)
		if err != nil {
			return nil, "", err
		}
		return data, firstNonEmpty(part.FileData.MimeType, mime, "image/png"), nil
	}
	return nil, "", nil
}

func (c *Client) downloadFile(ctx context.Context, uri string) ([]byte, string, error) {
	target := uri
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		target = strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(uri, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create download request: %w", err)
	}
	if c.apiKey != "" {
		q := req.URL.Query()
		q.Set("key", c.apiKey)
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read download: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func firstTextPart(response geminiGenerateContentResponse) string {
	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			if strings.TrimSpace(part.Text) != "" {
				return strings.TrimSpace(part.Text)
			}
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func deterministicSeed(parts ...any) string {
	h := sha256.New()
	for _, part := range parts {
		fmt.Fprintf(h, "%v|", part)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
