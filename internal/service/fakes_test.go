package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hottake/studio/internal/client"
	"github.com/hottake/studio/internal/jobstore"
	"github.com/hottake/studio/internal/logging"
	"github.com/hottake/studio/internal/model"
	"github.com/hottake/studio/internal/persona"
)

type fakeTranscriber struct {
	text string
	err  error
	path string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, path string) (string, error) {
	f.path = path
	return f.text, f.err
}

type fakeGenerator struct {
	text  string
	err   error
	panic bool
	reqs  []client.ChatRequest
	// onCall runs inside every completion call.
	onCall func()
}

func (f *fakeGenerator) ChatCompletion(_ context.Context, req client.ChatRequest) (*client.Completion, error) {
	if f.panic {
		panic("generator exploded")
	}
	f.reqs = append(f.reqs, req)
	if f.onCall != nil {
		f.onCall()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &client.Completion{
		Text:             f.text,
		PromptTokens:     120,
		CompletionTokens: 80,
		TotalTokens:      200,
		Latency:          1500 * time.Millisecond,
	}, nil
}

type fakeSpeech struct {
	err     error
	voiceID string
	text    string
}

func (f *fakeSpeech) Synthesize(_ context.Context, text, voiceID string, _ *model.VoiceSettings, outPath string) (string, error) {
	f.text = text
	f.voiceID = voiceID
	if f.err != nil {
		return "", f.err
	}
	return outPath, nil
}

type fakeVideo struct {
	mu sync.Mutex

	statuses []string
	failMsg  string
	url      string

	fromAudio  string
	fromText   string
	opts       client.VideoOptions
	polls      int
	downloaded bool

	// onPoll runs after each status call with the 1-based poll count.
	onPoll func(poll int)
}

func (f *fakeVideo) CreateFromAudio(_ context.Context, audioPath string, opts client.VideoOptions) (string, error) {
	f.fromAudio = audioPath
	f.opts = opts
	return "vid-1", nil
}

func (f *fakeVideo) CreateFromText(_ context.Context, text string, opts client.VideoOptions) (string, error) {
	f.fromText = text
	f.opts = opts
	return "vid-1", nil
}

func (f *fakeVideo) Status(_ context.Context, videoID string) (*client.VideoStatus, error) {
	out := f.status(videoID)
	if f.onPoll != nil {
		f.onPoll(f.pollCount())
	}
	return out, nil
}

func (f *fakeVideo) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeVideo) status(videoID string) *client.VideoStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	status := "processing"
	if len(f.statuses) > 0 {
		idx := f.polls
		if idx >= len(f.statuses) {
			idx = len(f.statuses) - 1
		}
		status = f.statuses[idx]
	}
	f.polls++

	out := &client.VideoStatus{VideoID: videoID, Status: status}
	switch status {
	case client.VideoStatusCompleted:
		out.VideoURL = f.url
	case client.VideoStatusFailed:
		out.Error = f.failMsg
	}
	return out
}

func (f *fakeVideo) Download(_ context.Context, _ string, outPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloaded = true
	return outPath, nil
}

type fakeArtifacts struct {
	err  error
	keys []string
}

func (f *fakeArtifacts) UploadFile(_ context.Context, _ string, key, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "https://cdn.example.com/" + key, nil
}

type notification struct {
	kind string
	step string
	code string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *recordingNotifier) BroadcastProgress(_ string, _ model.JobStatus, step, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{kind: "progress", step: step})
}

func (n *recordingNotifier) BroadcastComplete(string, map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{kind: "complete"})
}

func (n *recordingNotifier) BroadcastError(_ string, code, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{kind: "error", code: code})
}

func (n *recordingNotifier) last() notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return notification{}
	}
	return n.events[len(n.events)-1]
}

type recordingDispatcher struct {
	err  error
	jobs []string
	reqs []*model.GenerateRequest
}

func (d *recordingDispatcher) Dispatch(_ context.Context, jobID string, req *model.GenerateRequest) error {
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, jobID)
	d.reqs = append(d.reqs, req)
	return nil
}

var errBoom = errors.New("boom")

// newPersonas builds a registry holding the seeded default persona, given
// an ElevenLabs voice, plus a "silent" persona with no speech voice.
func newPersonas(t *testing.T) *persona.Store {
	t.Helper()
	dir := t.TempDir()

	prompt := filepath.Join(dir, "personas", "prompts", "chad_goldstein.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(prompt), 0o755))
	require.NoError(t, os.WriteFile(prompt, []byte("You are Chad.\n"), 0o644))

	store, err := persona.NewStore(persona.Options{
		File:    filepath.Join(dir, "personas.json"),
		BaseDir: dir,
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)

	voice := "el-voice-1"
	_, err = store.Update(persona.DefaultID, model.PersonaPatch{ElevenLabsVoiceID: &voice})
	require.NoError(t, err)

	require.NoError(t, store.Add("silent", model.Persona{
		Name:           "Silent Sam",
		PromptFile:     "missing.txt",
		HeyGenVoiceID:  "hg-voice",
		HeyGenAvatarID: "hg-avatar",
	}))
	return store
}

type pipelineFixture struct {
	store       *jobstore.MemoryStore
	personas    *persona.Store
	transcriber *fakeTranscriber
	generator   *fakeGenerator
	speech      *fakeSpeech
	video       *fakeVideo
	notifier    *recordingNotifier
	outputDir   string
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	return &pipelineFixture{
		store:       jobstore.NewMemoryStore(logging.Discard()),
		personas:    newPersonas(t),
		transcriber: &fakeTranscriber{text: "We sell ice to penguins."},
		generator:   &fakeGenerator{text: "This pitch is a unicorn wearing a trench coat."},
		speech:      &fakeSpeech{},
		video:       &fakeVideo{statuses: []string{"processing", client.VideoStatusCompleted}, url: "https://video.example.com/v.mp4"},
		notifier:    &recordingNotifier{},
		outputDir:   t.TempDir(),
	}
}

func (f *pipelineFixture) pipeline(artifacts ArtifactStore) *Pipeline {
	collab := Collaborators{
		Transcriber: f.transcriber,
		Generator:   f.generator,
		Speech:      f.speech,
		Video:       f.video,
		Artifacts:   artifacts,
	}
	return NewPipeline(f.store, f.personas, collab, f.notifier, PipelineConfig{
		OutputDir:    f.outputDir,
		PollInterval: 5 * time.Millisecond,
		MaxWait:      2 * time.Second,
		KeyPrefix:    "renders",
	}, logging.Discard())
}

func (f *pipelineFixture) createJob(t *testing.T, personaID string) string {
	t.Helper()
	id, err := f.store.Create(context.Background(), jobstore.Record{
		model.FieldStatus:    string(model.JobStatusPending),
		model.FieldStep:      model.StepQueued,
		model.FieldPersonaID: personaID,
	})
	require.NoError(t, err)
	return id
}

func (f *pipelineFixture) job(t *testing.T, id string) *model.Job {
	t.Helper()
	rec, ok, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return model.JobFromRecord(rec)
}
