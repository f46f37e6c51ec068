package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hottake/studio/internal/config"
)

// OpenAIClient handles chat completions and audio transcription.
type OpenAIClient struct {
	httpClient      *http.Client
	baseURL         string
	apiKey          string
	model           string
	transcribeModel string
	maxTokens       int
	temperature     float64
}

// ChatMessage represents a message in the chat completion request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest represents the request body for chat completion
type ChatCompletionRequest struct {
	Model            string        `json:"model"`
	Messages         []ChatMessage `json:"messages"`
	Temperature      float64       `json:"temperature,omitempty"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	PresencePenalty  float64       `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64       `json:"frequency_penalty,omitempty"`
}

// ChatCompletionResponse represents the response from chat completion
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ChatRequest is one system+user exchange. Zero fields fall back to the
// client's configured defaults.
type ChatRequest struct {
	System           string
	User             string
	Model            string
	MaxTokens        int
	Temperature      float64
	PresencePenalty  float64
	FrequencyPenalty float64
}

// Completion is the generated text plus usage metrics.
type Completion struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Latency          time.Duration
}

func NewOpenAIClient(cfg *config.OpenAIConfig) *OpenAIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIClient{
		httpClient:      &http.Client{Timeout: timeout},
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:          cfg.APIKey,
		model:           cfg.Model,
		transcribeModel: cfg.TranscribeModel,
		maxTokens:       cfg.MaxTokens,
		temperature:     cfg.Temperature,
	}
}

// ChatCompletion sends a chat completion request and measures its latency.
func (c *OpenAIClient) ChatCompletion(ctx context.Context, in ChatRequest) (*Completion, error) {
	if !c.IsConfigured() {
		return nil, fmt.Errorf("openai: %w", ErrNotConfigured)
	}

	reqBody := ChatCompletionRequest{
		Model: firstNonEmpty(in.Model, c.model),
		Messages: []ChatMessage{
			{Role: "system", Content: in.System},
			{Role: "user", Content: in.User},
		},
		Temperature:      in.Temperature,
		MaxTokens:        in.MaxTokens,
		PresencePenalty:  in.PresencePenalty,
		FrequencyPenalty: in.FrequencyPenalty,
	}
	if reqBody.Temperature == 0 {
		reqBody.Temperature = c.temperature
	}
	if reqBody.MaxTokens == 0 {
		reqBody.MaxTokens = c.maxTokens
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse("openai", resp); err != nil {
		return nil, err
	}

	var chatResp ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	latency := time.Since(start)

	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return nil, fmt.Errorf("empty completion from model %s", reqBody.Model)
	}

	return &Completion{
		Text:             text,
		Model:            firstNonEmpty(chatResp.Model, reqBody.Model),
		PromptTokens:     chatResp.Usage.PromptTokens,
		CompletionTokens: chatResp.Usage.CompletionTokens,
		TotalTokens:      chatResp.Usage.TotalTokens,
		Latency:          latency,
	}, nil
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads an audio or video file and returns the transcript.
func (c *OpenAIClient) Transcribe(ctx context.Context, path string) (string, error) {
	if !c.IsConfigured() {
		return "", fmt.Errorf("openai: %w", ErrNotConfigured)
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open media file: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("failed to copy file data: %w", err)
	}
	if err := writer.WriteField("model", firstNonEmpty(c.transcribeModel, "whisper-1")); err != nil {
		return "", fmt.Errorf("failed to write model field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse("openai", resp); err != nil {
		return "", err
	}

	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode transcription: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", fmt.Errorf("transcription of %s is empty", filepath.Base(path))
	}
	return text, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *OpenAIClient) IsConfigured() bool {
	return c.apiKey != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
