package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/internal/domain/providers"
	"github.com/zatekoja/notepipeline/pkg/config"
	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, threshold int64) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(&config.OpenAIConfig{
		APIKey:                "test-key",
		BaseURL:               server.URL,
		Model:                 "gpt-4o-mini",
		TranscriptionModel:    "whisper-1",
		DirectUploadThreshold: threshold,
		RequestTimeout:        5 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(&config.OpenAIConfig{})
	assert.Error(t, err)
}

func TestComplete_ParsesOutputText(t *testing.T) {
	var payload map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "gpt-4o-2024-08-06",
			"output": [{"content": [{"type": "output_text", "text": "{\"summary\":\"ok\"}"}]}],
			"usage": {"input_tokens": 12, "output_tokens": 5}
		}`))
	}, 0)

	resp, err := client.Complete(context.Background(), &providers.CompletionRequest{
		Model:           "gpt-4o",
		SystemPrompt:    "sys",
		UserPrompt:      "user",
		Temperature:     0.3,
		MaxOutputTokens: 2000,
		JSONOutput:      true,
	})

	require.NoError(t, err)
	assert.Equal(t, `{"summary":"ok"}`, resp.Text)
	assert.Equal(t, "gpt-4o-2024-08-06", resp.Model)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, "gpt-4o", payload["model"])
	assert.EqualValues(t, 2000, payload["max_output_tokens"])
	assert.Equal(t, map[string]interface{}{"format": map[string]interface{}{"type": "json_object"}}, payload["text"])
}

func TestComplete_SendsJSONSchemaFormat(t *testing.T) {
	var payload map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, _ = w.Write([]byte(`{"output": [{"content": [{"type": "output_text", "text": "{}"}]}]}`))
	}, 0)

	_, err := client.Complete(context.Background(), &providers.CompletionRequest{
		UserPrompt: "user",
		JSONOutput: true,
		Schema: &providers.JSONSchema{
			Name:   "note_analysis",
			Strict: true,
			Schema: map[string]interface{}{
				"type":                 "object",
				"properties":           map[string]interface{}{"summary": map[string]interface{}{"type": "string"}},
				"required":             []string{"summary"},
				"additionalProperties": false,
			},
		},
	})
	require.NoError(t, err)

	text, ok := payload["text"].(map[string]interface{})
	require.True(t, ok)
	format, ok := text["format"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "json_schema", format["type"])
	assert.Equal(t, "note_analysis", format["name"])
	assert.Equal(t, true, format["strict"])
	schema, ok := format["schema"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"summary"}, schema["required"])
	assert.Equal(t, false, schema["additionalProperties"])
}

func TestComplete_MissingOutputIsServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"output": []}`))
	}, 0)

	_, err := client.Complete(context.Background(), &providers.CompletionRequest{UserPrompt: "x"})

	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeServer))
}

func TestTranscribe_BufferedUpload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Empty(t, r.Header.Get("X-Upload-Mode"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		assert.Equal(t, "en", r.FormValue("language"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		body, _ := io.ReadAll(file)
		assert.Equal(t, "memo.mp3", header.Filename)
		assert.Equal(t, []byte("ID3audio"), body)

		_, _ = w.Write([]byte(`{"text":" hello there ","language":"english","duration":3.5,"segments":[{"start":0,"end":3.5,"text":"hello there"}]}`))
	}, 1024)

	result, err := client.Transcribe(context.Background(), &entities.TranscriptionRequest{
		Data:     []byte("ID3audio"),
		Filename: "memo.mp3",
		Language: "en",
		Detailed: true,
	})

	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Text)
	assert.Equal(t, 3.5, result.Duration)
	require.Len(t, result.Segments, 1)
	assert.Equal(t, "whisper-1", result.Model)
}

func TestTranscribe_StreamsLargePayloads(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 4096)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "stream", r.Header.Get("X-Upload-Mode"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "json", r.FormValue("response_format"))

		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		body, _ := io.ReadAll(file)
		assert.Equal(t, payload, body)

		_, _ = w.Write([]byte(`{"text":"streamed"}`))
	}, 1024)

	result, err := client.Transcribe(context.Background(), &entities.TranscriptionRequest{
		Data:     payload,
		Filename: "long.wav",
		Model:    "gpt-4o-transcribe",
		Detailed: true,
	})

	require.NoError(t, err)
	assert.Equal(t, "streamed", result.Text)
	assert.Equal(t, "gpt-4o-transcribe", result.Model)
}

func TestTranscribe_EmptyPayloadIsInvalidFile(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("no request expected")
	}, 0)

	_, err := client.Transcribe(context.Background(), &entities.TranscriptionRequest{})

	assert.Equal(t, apperrors.CodeInvalidFile, apperrors.CodeOf(err))
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantType  apperrors.ErrorType
		wantCode  string
		permanent bool
	}{
		{"invalid file", 400, `{"error":{"message":"Invalid file format.","code":"invalid_file"}}`, apperrors.ErrorTypeValidation, apperrors.CodeInvalidFile, true},
		{"too large", 413, `{"error":{"message":"Maximum content size limit exceeded"}}`, apperrors.ErrorTypeValidation, apperrors.CodeFileTooLarge, true},
		{"context length", 400, `{"error":{"message":"too long","code":"context_length_exceeded"}}`, apperrors.ErrorTypeValidation, apperrors.CodeContextLengthExceeded, true},
		{"unauthorized", 401, `{"error":{"message":"bad key"}}`, apperrors.ErrorTypeUnauthorized, "", false},
		{"quota", 429, `{"error":{"message":"quota","type":"insufficient_quota","code":"insufficient_quota"}}`, apperrors.ErrorTypeQuota, "", false},
		{"rate limit", 429, `{"error":{"message":"slow down"}}`, apperrors.ErrorTypeRateLimit, "", false},
		{"gateway timeout", 504, ``, apperrors.ErrorTypeTimeout, "", false},
		{"server", 502, `upstream`, apperrors.ErrorTypeServer, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyHTTPError(tt.status, http.Header{}, []byte(tt.body))

			assert.Equal(t, tt.wantType, apperrors.TypeOf(err))
			assert.Equal(t, tt.wantCode, apperrors.CodeOf(err))
			assert.Equal(t, tt.permanent, apperrors.IsPermanent(err))
		})
	}
}

func TestTranscribe_RateLimitedResponseIsRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached"}}`))
	}, 0)

	_, err := client.Transcribe(context.Background(), &entities.TranscriptionRequest{Data: []byte("RIFF")})

	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeRateLimit))
	assert.True(t, apperrors.IsRetryable(err))
	assert.Contains(t, err.Error(), "retry after 7s")
}

func TestTranscribe_ContextDeadlineIsTimeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Transcribe(ctx, &entities.TranscriptionRequest{Data: []byte("RIFF")})

	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTimeout))
}
