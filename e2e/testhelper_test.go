package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/hottake/studio/internal/auth"
	"github.com/hottake/studio/internal/client"
	"github.com/hottake/studio/internal/config"
	"github.com/hottake/studio/internal/handler"
	"github.com/hottake/studio/internal/jobstore"
	"github.com/hottake/studio/internal/logging"
	"github.com/hottake/studio/internal/middleware"
	"github.com/hottake/studio/internal/model"
	"github.com/hottake/studio/internal/persona"
	"github.com/hottake/studio/internal/service"
	ws "github.com/hottake/studio/internal/websocket"
	"github.com/hottake/studio/internal/worker"
)

const testJWTSecret = "test-secret-for-e2e"

// provider fakes the OpenAI, ElevenLabs and HeyGen APIs on one server.
type provider struct {
	mu          sync.Mutex
	videoStatus string
	chatText    string
	transcript  string
	chatCalls   int
	ttsVoices   []string

	srv *httptest.Server
}

func newProvider(t *testing.T) *provider {
	t.Helper()
	p := &provider{
		videoStatus: "completed",
		chatText:    "Dog walking? Bold. I'd invest, but only if you call it Uber for Leashes.",
		transcript:  "We are building a marketplace for dog walkers.",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.chatCalls++
		text := p.chatText
		p.mu.Unlock()

		content, _ := json.Marshal(text)
		fmt.Fprintf(w, `{"model":"gpt-4o","choices":[{"message":{"role":"assistant","content":%s}}],
			"usage":{"prompt_tokens":40,"completion_tokens":20,"total_tokens":60}}`, content)
	})
	mux.HandleFunc("/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"text": p.transcript})
	})
	mux.HandleFunc("/text-to-speech/", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.ttsVoices = append(p.ttsVoices, strings.TrimPrefix(r.URL.Path, "/text-to-speech/"))
		p.mu.Unlock()
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3-fake-mp3"))
	})
	mux.HandleFunc("/v2/assets/upload", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":null,"data":{"url":"https://assets.example/audio.mp3"}}`))
	})
	mux.HandleFunc("/v2/video/generate", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":null,"data":{"video_id":"vid-1"}}`))
	})
	mux.HandleFunc("/v1/video_status.get", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		status := p.videoStatus
		p.mu.Unlock()

		switch status {
		case "completed":
			fmt.Fprintf(w, `{"data":{"status":"completed","video_url":"http://%s/files/vid-1.mp4"}}`, r.Host)
		case "failed":
			w.Write([]byte(`{"data":{"status":"failed","error":{"message":"avatar missing"}}}`))
		default:
			w.Write([]byte(`{"data":{"status":"processing"}}`))
		}
	})
	mux.HandleFunc("/files/vid-1.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake-mp4"))
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *provider) setVideoStatus(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.videoStatus = status
}

func (p *provider) chatCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chatCalls
}

func (p *provider) voices() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ttsVoices...)
}

// failingArtifacts is an artifact store whose uploads always fail.
type failingArtifacts struct{}

func (failingArtifacts) UploadFile(context.Context, string, string, string) (string, error) {
	return "", errors.New("bucket unreachable")
}

type appOptions struct {
	maxWait   time.Duration
	artifacts service.ArtifactStore
}

// testApp holds all components needed for testing
type testApp struct {
	app       *fiber.App
	jobs      *jobstore.MemoryStore
	personas  *persona.Store
	provider  *provider
	outputDir string
}

// setupApp wires the same routes as cmd/server against an in-memory job
// store, the inline dispatcher and real provider clients pointed at a fake
// provider server.
func setupApp(t *testing.T, opts ...appOptions) *testApp {
	t.Helper()
	var o appOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.maxWait == 0 {
		o.maxWait = 5 * time.Second
	}

	log := logging.Discard()
	dir := t.TempDir()
	prov := newProvider(t)

	promptPath := filepath.Join(dir, "personas", "prompts", "chad_goldstein.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(promptPath), 0o755))
	require.NoError(t, os.WriteFile(promptPath, []byte("You are Chad Goldstein, a venture capitalist.\n"), 0o644))

	personas, err := persona.NewStore(persona.Options{
		File:    filepath.Join(dir, "personas", "personas.json"),
		BaseDir: dir,
		Logger:  log,
	})
	require.NoError(t, err)
	voice := "el-chad"
	_, err = personas.Update(persona.DefaultID, model.PersonaPatch{ElevenLabsVoiceID: &voice})
	require.NoError(t, err)

	jobs := jobstore.NewMemoryStore(log)

	openaiClient := client.NewOpenAIClient(&config.OpenAIConfig{
		APIKey:          "sk-test",
		BaseURL:         prov.srv.URL,
		Model:           "gpt-4o",
		RoastModel:      "gpt-4o-mini",
		TranscribeModel: "whisper-1",
		MaxTokens:       800,
		Temperature:     0.8,
		Timeout:         5 * time.Second,
	})
	collab := service.Collaborators{
		Transcriber: openaiClient,
		Generator:   openaiClient,
		Speech: client.NewElevenLabsClient(&config.ElevenLabsConfig{
			APIKey:       "xi-test",
			BaseURL:      prov.srv.URL,
			ModelID:      "eleven_multilingual_v2",
			OutputFormat: "mp3_44100_128",
			Timeout:      5 * time.Second,
		}),
		Video: client.NewHeyGenClient(&config.HeyGenConfig{
			APIKey:          "hg-test",
			BaseURL:         prov.srv.URL,
			DefaultAvatarID: "avatar-default",
			DefaultVoiceID:  "voice-default",
			Timeout:         5 * time.Second,
		}),
		Artifacts: o.artifacts,
	}

	hub := ws.NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	outputDir := filepath.Join(dir, "output")
	pipeline := service.NewPipeline(jobs, personas, collab, hub, service.PipelineConfig{
		OutputDir:    outputDir,
		PollInterval: 10 * time.Millisecond,
		MaxWait:      o.maxWait,
		KeyPrefix:    "hottakes",
	}, log)

	dispatcher := worker.NewInlineDispatcher(pipeline, 4, log)
	t.Cleanup(func() {
		dispatcher.Shutdown(5 * time.Second)
		cancel()
	})

	jobService := service.NewJobService(jobs, personas, dispatcher, log)
	validate := validator.New()
	authenticator := auth.NewAuthenticator(nil, testJWTSecret)

	routes := &handler.Routes{
		Health: handler.NewHealthHandler(jobs, map[string]bool{
			"openai":     true,
			"elevenlabs": true,
			"heygen":     true,
			"artifacts":  o.artifacts != nil,
			"auth":       true,
		}),
		Auth: handler.NewAuthHandler(authenticator),
		Jobs: handler.NewJobHandler(jobService, validate, handler.FileOptions{
			UploadDir:     filepath.Join(dir, "uploads"),
			OutputDir:     outputDir,
			MaxUploadSize: 1024 * 1024,
		}, 24, log),
		Personas: handler.NewPersonaHandler(personas, validate),
		Progress: handler.NewProgressHandler(jobService, hub),
		APIAuth:  middleware.NewAuthMiddleware(authenticator).Authenticate(),
		// no Redis: the limiter lets everything through
		SubmitLimit: middleware.NewRateLimiter(nil, log).SubmitLimit(10000),
	}

	app := fiber.New(fiber.Config{
		BodyLimit: 4 * 1024 * 1024,
	})
	routes.Register(app)

	return &testApp{app: app, jobs: jobs, personas: personas, provider: prov, outputDir: outputDir}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	token, err := auth.IssueLegacyToken(testJWTSecret, "test-user-123", "test@example.com", time.Hour)
	require.NoError(t, err)
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// doUpload posts a multipart form with one file field.
func doUpload(t *testing.T, app *fiber.App, path, filename string, content []byte, fields map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+generateToken(t))

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// waitForJob polls the status endpoint until the job is terminal.
func waitForJob(t *testing.T, app *fiber.App, jobID string) map[string]interface{} {
	t.Helper()
	headers := map[string]string{"Authorization": "Bearer " + generateToken(t)}

	var job map[string]interface{}
	require.Eventually(t, func() bool {
		resp, err := doRequest(app, http.MethodGet, "/api/jobs/"+jobID, "", headers)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var current map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&current); err != nil {
			return false
		}
		job = current
		status, _ := job["status"].(string)
		st, _ := model.ParseJobStatus(status)
		return st.IsTerminal()
	}, 10*time.Second, 20*time.Millisecond)
	return job
}

// submitText submits a text job and returns its id.
func submitText(t *testing.T, app *fiber.App, body string) string {
	t.Helper()
	resp, err := doAuthRequest(t, app, http.MethodPost, "/api/jobs/text", body)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	result := parseJSON(t, resp)
	jobID, _ := result["job_id"].(string)
	require.NotEmpty(t, jobID)
	return jobID
}
