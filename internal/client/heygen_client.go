package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hottake/studio/internal/config"
)

const (
	heygenDefaultBackground = "#1a1a1a"

	VideoStatusCompleted = "completed"
	VideoStatusFailed    = "failed"
)

// HeyGenClient drives talking-avatar video generation.
type HeyGenClient struct {
	httpClient      *http.Client
	baseURL         string
	apiKey          string
	defaultAvatarID string
	defaultVoiceID  string
}

// VideoOptions selects the avatar and voice for one render. Empty fields
// fall back to the configured defaults.
type VideoOptions struct {
	AvatarID   string
	VoiceID    string
	Background string
}

// VideoStatus is the provider's view of a render.
type VideoStatus struct {
	VideoID  string `json:"video_id"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Terminal reports whether the render has finished either way.
func (s *VideoStatus) Terminal() bool {
	return s.Status == VideoStatusCompleted || s.Status == VideoStatusFailed
}

type heygenEnvelope struct {
	Error json.RawMessage `json:"error"`
	Data  json.RawMessage `json:"data"`
}

func (e heygenEnvelope) err() error {
	s := strings.TrimSpace(string(e.Error))
	if s == "" || s == "null" {
		return nil
	}
	return fmt.Errorf("heygen API error: %s", s)
}

func NewHeyGenClient(cfg *config.HeyGenConfig) *HeyGenClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HeyGenClient{
		httpClient:      &http.Client{Timeout: timeout},
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:          cfg.APIKey,
		defaultAvatarID: cfg.DefaultAvatarID,
		defaultVoiceID:  cfg.DefaultVoiceID,
	}
}

// CreateFromAudio uploads the audio file and starts a lip-synced render.
func (c *HeyGenClient) CreateFromAudio(ctx context.Context, audioPath string, opts VideoOptions) (string, error) {
	if !c.IsConfigured() {
		return "", fmt.Errorf("heygen: %w", ErrNotConfigured)
	}
	audioURL, err := c.uploadAudio(ctx, audioPath)
	if err != nil {
		return "", err
	}
	return c.generate(ctx, map[string]any{"type": "audio", "audio_url": audioURL}, opts)
}

// CreateFromText starts a render that uses the provider's own voice.
func (c *HeyGenClient) CreateFromText(ctx context.Context, text string, opts VideoOptions) (string, error) {
	if !c.IsConfigured() {
		return "", fmt.Errorf("heygen: %w", ErrNotConfigured)
	}
	voiceID := firstNonEmpty(opts.VoiceID, c.defaultVoiceID, "default")
	return c.generate(ctx, map[string]any{"type": "text", "input_text": text, "voice_id": voiceID}, opts)
}

func (c *HeyGenClient) generate(ctx context.Context, voice map[string]any, opts VideoOptions) (string, error) {
	avatarID := firstNonEmpty(opts.AvatarID, c.defaultAvatarID)
	if avatarID == "" {
		return "", fmt.Errorf("heygen: avatar id not specified")
	}

	payload := map[string]any{
		"video_inputs": []map[string]any{{
			"character": map[string]any{
				"type":         "avatar",
				"avatar_id":    avatarID,
				"avatar_style": "normal",
			},
			"voice": voice,
			"background": map[string]any{
				"type":  "color",
				"value": firstNonEmpty(opts.Background, heygenDefaultBackground),
			},
		}},
		"dimension":    map[string]int{"width": 1920, "height": 1080},
		"aspect_ratio": "16:9",
	}

	var data struct {
		VideoID string `json:"video_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v2/video/generate", payload, &data); err != nil {
		return "", err
	}
	if data.VideoID == "" {
		return "", fmt.Errorf("no video ID returned from HeyGen API")
	}
	return data.VideoID, nil
}

// Status fetches the current render state for videoID.
func (c *HeyGenClient) Status(ctx context.Context, videoID string) (*VideoStatus, error) {
	if !c.IsConfigured() {
		return nil, fmt.Errorf("heygen: %w", ErrNotConfigured)
	}

	var data struct {
		Status   string          `json:"status"`
		VideoURL string          `json:"video_url"`
		Error    json.RawMessage `json:"error"`
	}
	path := "/v1/video_status.get?video_id=" + url.QueryEscape(videoID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}

	st := &VideoStatus{VideoID: videoID, Status: data.Status, VideoURL: data.VideoURL}
	if raw := strings.TrimSpace(string(data.Error)); raw != "" && raw != "null" {
		st.Error = raw
	}
	return st, nil
}

// Download fetches a finished render into outPath.
func (c *HeyGenClient) Download(ctx context.Context, videoURL, outPath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download video: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse("heygen", resp); err != nil {
		return "", err
	}
	if err := writeStream(outPath, resp.Body); err != nil {
		return "", err
	}
	return outPath, nil
}

// Avatars lists the avatars available to the account.
func (c *HeyGenClient) Avatars(ctx context.Context) (json.RawMessage, error) {
	if !c.IsConfigured() {
		return nil, fmt.Errorf("heygen: %w", ErrNotConfigured)
	}
	var data json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/v2/avatars", nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *HeyGenClient) uploadAudio(ctx context.Context, audioPath string) (string, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("failed to copy file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/assets/upload", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var data struct {
		URL string `json:"url"`
	}
	if err := c.do(req, &data); err != nil {
		return "", fmt.Errorf("failed to upload audio: %w", err)
	}
	if data.URL == "" {
		return "", fmt.Errorf("no asset URL returned from HeyGen upload")
	}
	return data.URL, nil
}

func (c *HeyGenClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

// do sends req and decodes the data member of the response envelope.
func (c *HeyGenClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse("heygen", resp); err != nil {
		return err
	}

	var env heygenEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := env.err(); err != nil {
		return err
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("heygen response has no data")
	}
	return json.Unmarshal(env.Data, out)
}

// IsConfigured returns true if the client has valid configuration
func (c *HeyGenClient) IsConfigured() bool {
	return c.apiKey != ""
}
