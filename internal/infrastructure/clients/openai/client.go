package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/internal/domain/providers"
	"github.com/zatekoja/notepipeline/pkg/config"
	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client talks to the OpenAI responses and audio transcription endpoints.
type Client struct {
	apiKey                string
	baseURL               string
	defaultModel          string
	defaultSpeechModel    string
	directUploadThreshold int64
	httpClient            *http.Client
}

var (
	_ providers.LanguageModelProvider = (*Client)(nil)
	_ providers.TranscriptionProvider = (*Client)(nil)
)

// NewClient creates a new OpenAI client.
func NewClient(cfg *config.OpenAIConfig) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	speechModel := cfg.TranscriptionModel
	if speechModel == "" {
		speechModel = "whisper-1"
	}

	return &Client{
		apiKey:                cfg.APIKey,
		baseURL:               baseURL,
		defaultModel:          model,
		defaultSpeechModel:    speechModel,
		directUploadThreshold: cfg.DirectUploadThreshold,
		// Per-call deadlines come from the circuit breaker; this is a backstop.
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
	}, nil
}

type responseContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseOutput struct {
	Content []responseContent `json:"content"`
}

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type responseEnvelope struct {
	Model  string           `json:"model"`
	Output []responseOutput `json:"output"`
	Usage  responseUsage    `json:"usage"`
}

// Complete runs a single response generation and returns the first output text.
func (c *Client) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResponse, error) {
	if req == nil {
		return nil, apperrors.NewValidationError("completion request is required")
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	payload := map[string]interface{}{
		"model": model,
		"input": []map[string]string{
			{"role": "system", "content": req.SystemPrompt},
			{"role": "user", "content": req.UserPrompt},
		},
		"temperature": req.Temperature,
	}
	if req.MaxOutputTokens > 0 {
		payload["max_output_tokens"] = req.MaxOutputTokens
	}
	switch {
	case req.Schema != nil:
		payload["text"] = map[string]interface{}{
			"format": map[string]interface{}{
				"type":   "json_schema",
				"name":   req.Schema.Name,
				"strict": req.Schema.Strict,
				"schema": req.Schema.Schema,
			},
		}
	case req.JSONOutput:
		payload["text"] = map[string]interface{}{
			"format": map[string]string{"type": "json_object"},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to encode completion request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build completion request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.do(httpReq)
	if err != nil {
		recordOpenAIMetric(ctx, opCompletion, model, 0, time.Since(start), err)
		return nil, err
	}
	defer resp.Body.Close()

	var envelope responseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		err = apperrors.NewServerError(fmt.Sprintf("malformed completion response: %v", err))
		recordOpenAIMetric(ctx, opCompletion, model, resp.StatusCode, time.Since(start), err)
		return nil, err
	}

	var text string
	for _, out := range envelope.Output {
		for _, content := range out.Content {
			if content.Type == "output_text" && content.Text != "" {
				text = content.Text
				break
			}
		}
		if text != "" {
			break
		}
	}
	if text == "" {
		err := apperrors.NewServerError("completion response missing output text")
		recordOpenAIMetric(ctx, opCompletion, model, resp.StatusCode, time.Since(start), err)
		return nil, err
	}

	recordOpenAIMetric(ctx, opCompletion, model, resp.StatusCode, time.Since(start), nil)
	recordOpenAITokens(ctx, model, envelope.Usage.InputTokens, envelope.Usage.OutputTokens)

	if envelope.Model != "" {
		model = envelope.Model
	}
	return &providers.CompletionResponse{
		Text:         text,
		Model:        model,
		InputTokens:  envelope.Usage.InputTokens,
		OutputTokens: envelope.Usage.OutputTokens,
	}, nil
}

type transcriptionEnvelope struct {
	Text     string                       `json:"text"`
	Language string                       `json:"language"`
	Duration float64                      `json:"duration"`
	Segments []entities.TranscriptSegment `json:"segments"`
}

// Transcribe uploads audio to the transcription endpoint. Payloads above the
// direct upload threshold are streamed instead of buffered.
func (c *Client) Transcribe(ctx context.Context, req *entities.TranscriptionRequest) (*entities.TranscriptionResult, error) {
	if req == nil || len(req.Data) == 0 {
		return nil, apperrors.NewValidationError("audio payload is empty").WithCode(apperrors.CodeInvalidFile)
	}
	model := req.Model
	if model == "" {
		model = c.defaultSpeechModel
	}

	fields := map[string]string{
		"model":           model,
		"response_format": responseFormatFor(model, req.Detailed),
	}
	if req.Language != "" {
		fields["language"] = req.Language
	}
	if req.Prompt != "" {
		fields["prompt"] = req.Prompt
	}

	var (
		httpReq *http.Request
		err     error
	)
	if c.directUploadThreshold > 0 && int64(len(req.Data)) > c.directUploadThreshold {
		httpReq, err = c.streamingUploadRequest(ctx, fields, req)
	} else {
		httpReq, err = c.bufferedUploadRequest(ctx, fields, req)
	}
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.do(httpReq)
	if err != nil {
		recordOpenAIMetric(ctx, opTranscription, model, 0, time.Since(start), err)
		return nil, err
	}
	defer resp.Body.Close()

	var envelope transcriptionEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		err = apperrors.NewServerError(fmt.Sprintf("malformed transcription response: %v", err))
		recordOpenAIMetric(ctx, opTranscription, model, resp.StatusCode, time.Since(start), err)
		return nil, err
	}

	recordOpenAIMetric(ctx, opTranscription, model, resp.StatusCode, time.Since(start), nil)
	return &entities.TranscriptionResult{
		Text:     strings.TrimSpace(envelope.Text),
		Language: envelope.Language,
		Duration: envelope.Duration,
		Segments: envelope.Segments,
		Model:    model,
	}, nil
}

// responseFormatFor picks verbose_json only for models that support segments.
func responseFormatFor(model string, detailed bool) string {
	if detailed && strings.HasPrefix(model, "whisper") {
		return "verbose_json"
	}
	return "json"
}

func (c *Client) bufferedUploadRequest(ctx context.Context, fields map[string]string, req *entities.TranscriptionRequest) (*http.Request, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := writeMultipart(mw, fields, req); err != nil {
		return nil, apperrors.NewInternalError("failed to encode audio upload", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build transcription request", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	return httpReq, nil
}

func (c *Client) streamingUploadRequest(ctx context.Context, fields map[string]string, req *entities.TranscriptionRequest) (*http.Request, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeMultipart(mw, fields, req))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, apperrors.NewInternalError("failed to build transcription request", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("X-Upload-Mode", "stream")
	return httpReq, nil
}

func writeMultipart(mw *multipart.Writer, fields map[string]string, req *entities.TranscriptionRequest) error {
	for _, key := range []string{"model", "response_format", "language", "prompt"} {
		if v, ok := fields[key]; ok {
			if err := mw.WriteField(key, v); err != nil {
				return err
			}
		}
	}

	filename := req.Filename
	if filename == "" {
		filename = "audio"
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, bytes.NewReader(req.Data)); err != nil {
		return err
	}
	return mw.Close()
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(req.Context(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, classifyHTTPError(resp.StatusCode, resp.Header, body)
	}
	return resp, nil
}

type apiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// classifyHTTPError maps an error answer onto the application error taxonomy.
func classifyHTTPError(status int, header http.Header, body []byte) error {
	var envelope apiErrorEnvelope
	_ = json.Unmarshal(body, &envelope)
	msg := envelope.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	msg = fmt.Sprintf("openai status %d: %s", status, msg)

	code := envelope.Error.Code
	lowerMsg := strings.ToLower(msg)

	switch {
	case code == apperrors.CodeContextLengthExceeded || strings.Contains(lowerMsg, "maximum context length"):
		return apperrors.NewValidationError(msg).WithCode(apperrors.CodeContextLengthExceeded)
	case status == http.StatusRequestEntityTooLarge || code == apperrors.CodeFileTooLarge ||
		strings.Contains(lowerMsg, "maximum content size"):
		return apperrors.NewValidationError(msg).WithCode(apperrors.CodeFileTooLarge)
	case code == apperrors.CodeInvalidFile || strings.Contains(lowerMsg, "invalid file format") ||
		strings.Contains(lowerMsg, "could not be decoded"):
		return apperrors.NewValidationError(msg).WithCode(apperrors.CodeInvalidFile)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.NewUnauthorizedError(msg)
	case status == http.StatusTooManyRequests && (code == "insufficient_quota" || envelope.Error.Type == "insufficient_quota"):
		return apperrors.NewQuotaError(msg)
	case status == http.StatusTooManyRequests:
		if after := header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil {
				msg = fmt.Sprintf("%s (retry after %ds)", msg, secs)
			}
		}
		return apperrors.NewRateLimitError(msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return apperrors.NewTimeoutError(msg, nil)
	case status >= 500:
		return apperrors.NewServerError(msg)
	default:
		return apperrors.NewValidationError(msg)
	}
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTimeoutError("openai request timed out", err)
	}
	return apperrors.NewNetworkError("openai request failed", err)
}
