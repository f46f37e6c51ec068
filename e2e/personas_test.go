package e2e

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ladyPersona = `{
	"id": "lady_buffett",
	"name": "Lady Buffett",
	"bio": "Value investor with no patience for hype",
	"prompt_file": "personas/prompts/chad_goldstein.txt",
	"heygen_voice_id": "hg-voice-lady",
	"heygen_avatar_id": "hg-avatar-lady"
}`

func TestPersonas_List(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/personas", "")
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	assert.Equal(t, "chad_goldstein", body["default_id"])
	personas := body["personas"].([]interface{})
	require.Len(t, personas, 1)
	first := personas[0].(map[string]interface{})
	assert.Equal(t, "Chad Goldstein", first["name"])
	assert.Equal(t, true, first["has_elevenlabs"])
}

func TestPersonas_Lifecycle(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/personas", ladyPersona)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode, readBody(t, resp))

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/personas/lady_buffett", "")
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusOK)
	detail := parseJSON(t, resp)
	assert.Equal(t, "lady_buffett", detail["id"])
	validation := detail["validation"].(map[string]interface{})
	assert.Equal(t, true, validation["valid"])

	resp, err = doAuthRequest(t, ta.app, http.MethodPatch, "/api/personas/lady_buffett", `{"bio":"Still not impressed"}`)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusOK)
	detail = parseJSON(t, resp)
	assert.Equal(t, "Still not impressed", detail["persona"].(map[string]interface{})["bio"])

	resp, err = doAuthRequest(t, ta.app, http.MethodPatch, "/api/personas/lady_buffett", `{}`)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusBadRequest)

	resp, err = doAuthRequest(t, ta.app, http.MethodDelete, "/api/personas/lady_buffett", "")
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusNoContent)

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/personas/lady_buffett", "")
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestPersonas_RejectsBadInput(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/personas", `{"id":"Bad Id!","name":"X","prompt_file":"p.txt"}`)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusBadRequest)

	resp, err = doAuthRequest(t, ta.app, http.MethodPost, "/api/personas", `{"id":"no_name","prompt_file":"p.txt"}`)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusBadRequest)

	resp, err = doAuthRequest(t, ta.app, http.MethodDelete, "/api/personas/chad_goldstein", "")
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusBadRequest)

	resp, err = doAuthRequest(t, ta.app, http.MethodPatch, "/api/personas/ghost", `{"bio":"boo"}`)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestPersonas_ValidateReportsMissingPrompt(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/personas",
		`{"id":"promptless","name":"Promptless","prompt_file":"personas/prompts/missing.txt"}`)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusCreated)

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/personas/promptless/validate", "")
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	assert.Equal(t, false, body["valid"])
	assert.NotEmpty(t, body["errors"])
	assert.NotEmpty(t, body["warnings"])
}

func TestPersonas_Reload(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/personas", ladyPersona)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusCreated)

	resp, err = doAuthRequest(t, ta.app, http.MethodPost, "/api/personas/reload", "")
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusOK)
	assert.EqualValues(t, 2, parseJSON(t, resp)["count"])
}

func TestJob_PersonaWithoutSpeechVoiceUsesVideoVoice(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/personas", ladyPersona)
	require.NoError(t, err)
	assertStatus(t, resp, http.StatusCreated)

	jobID := submitText(t, ta.app, `{"text":"A dating app for founders","persona_id":"lady_buffett"}`)
	job := waitForJob(t, ta.app, jobID)

	require.Equal(t, "completed", job["status"], "job error: %v", job["error"])
	results := job["results"].(map[string]interface{})
	assert.Equal(t, "heygen", results["voice_provider"])
	assert.Equal(t, "hg-voice-lady", results["voice_id"])
	assert.Nil(t, results["audio_path"])
	assert.NotEmpty(t, results["video_url"])
	assert.Empty(t, ta.provider.voices())
}
