package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hottake/studio/internal/config"
	"github.com/hottake/studio/internal/model"
)

// ElevenLabsClient synthesizes speech to mp3 files.
type ElevenLabsClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	modelID      string
	outputFormat string
	defaults     elevenLabsVoiceSettings
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

type ttsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

func NewElevenLabsClient(cfg *config.ElevenLabsConfig) *ElevenLabsClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ElevenLabsClient{
		httpClient:   &http.Client{Timeout: timeout},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		modelID:      cfg.ModelID,
		outputFormat: cfg.OutputFormat,
		defaults: elevenLabsVoiceSettings{
			Stability:       cfg.Stability,
			SimilarityBoost: cfg.SimilarityBoost,
			Style:           cfg.Style,
			UseSpeakerBoost: cfg.SpeakerBoost,
		},
	}
}

// settings overlays the caller's non-nil fields on the configured defaults.
func (c *ElevenLabsClient) settings(override *model.VoiceSettings) elevenLabsVoiceSettings {
	s := c.defaults
	if override == nil {
		return s
	}
	if override.Stability != nil {
		s.Stability = *override.Stability
	}
	if override.SimilarityBoost != nil {
		s.SimilarityBoost = *override.SimilarityBoost
	}
	if override.Style != nil {
		s.Style = *override.Style
	}
	if override.UseSpeakerBoost != nil {
		s.UseSpeakerBoost = *override.UseSpeakerBoost
	}
	return s
}

// Synthesize renders text with voiceID and writes the audio to outPath.
func (c *ElevenLabsClient) Synthesize(ctx context.Context, text, voiceID string, vs *model.VoiceSettings, outPath string) (string, error) {
	if !c.IsConfigured() {
		return "", fmt.Errorf("elevenlabs: %w", ErrNotConfigured)
	}
	if voiceID == "" {
		return "", fmt.Errorf("elevenlabs: voice id is required")
	}

	bodyBytes, err := json.Marshal(ttsRequest{Text: text, ModelID: c.modelID, VoiceSettings: c.settings(vs)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s", c.baseURL, url.PathEscape(voiceID))
	if c.outputFormat != "" {
		endpoint += "?output_format=" + url.QueryEscape(c.outputFormat)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse("elevenlabs", resp); err != nil {
		return "", err
	}

	if err := writeStream(outPath, resp.Body); err != nil {
		return "", err
	}
	return outPath, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *ElevenLabsClient) IsConfigured() bool {
	return c.apiKey != ""
}

// writeStream copies r into path, creating parent directories. A partial
// file is removed on failure.
func writeStream(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("empty response body")
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
