package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hottake/studio/internal/config"
	"github.com/hottake/studio/internal/model"
)

func TestSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/text-to-speech/voice-1", r.URL.Path)
		assert.Equal(t, "mp3_44100_128", r.URL.Query().Get("output_format"))
		assert.Equal(t, "xi-test", r.Header.Get("xi-api-key"))

		var body ttsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Hello there", body.Text)
		assert.Equal(t, "eleven_multilingual_v2", body.ModelID)
		assert.Equal(t, 0.5, body.VoiceSettings.Stability)
		assert.Equal(t, 0.75, body.VoiceSettings.SimilarityBoost)
		assert.Equal(t, 0.8, body.VoiceSettings.Style)
		assert.True(t, body.VoiceSettings.UseSpeakerBoost)

		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3-fake-mp3"))
	}))
	defer srv.Close()

	c := NewElevenLabsClient(&config.ElevenLabsConfig{
		APIKey:          "xi-test",
		BaseURL:         srv.URL,
		ModelID:         "eleven_multilingual_v2",
		OutputFormat:    "mp3_44100_128",
		Stability:       0.75,
		SimilarityBoost: 0.75,
		Style:           0.8,
		SpeakerBoost:    true,
	})

	stability := 0.5
	out := filepath.Join(t.TempDir(), "audio", "take.mp3")
	path, err := c.Synthesize(context.Background(), "Hello there", "voice-1", &model.VoiceSettings{Stability: &stability}, out)
	require.NoError(t, err)
	assert.Equal(t, out, path)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "ID3-fake-mp3", string(data))
}

func TestSynthesizeFailureLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"invalid voice"}`))
	}))
	defer srv.Close()

	c := NewElevenLabsClient(&config.ElevenLabsConfig{APIKey: "k", BaseURL: srv.URL})
	out := filepath.Join(t.TempDir(), "take.mp3")

	_, err := c.Synthesize(context.Background(), "hi", "bad", nil, out)
	require.Error(t, err)
	assert.NoFileExists(t, out)
}

func TestSynthesizeRequiresVoice(t *testing.T) {
	c := NewElevenLabsClient(&config.ElevenLabsConfig{APIKey: "k", BaseURL: "http://unused"})
	_, err := c.Synthesize(context.Background(), "hi", "", nil, "x.mp3")
	assert.ErrorContains(t, err, "voice id is required")
}
