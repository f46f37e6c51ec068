package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hottake/studio/internal/client"
	"github.com/hottake/studio/internal/jobstore"
	"github.com/hottake/studio/internal/model"
	"github.com/hottake/studio/internal/persona"
	"github.com/hottake/studio/pkg/response"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultMaxWait      = 600 * time.Second

	voiceProviderElevenLabs = "elevenlabs"
	voiceProviderHeyGen     = "heygen"

	stageInternal = "internal"
)

// StageError attributes a pipeline failure to the stage that raised it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// errJobFinished halts a run whose job reached a terminal status outside
// the pipeline, such as a stale-job cancel, or was deleted.
var errJobFinished = errors.New("job finished outside the pipeline")

// Collaborators are the external services a pipeline run calls. A nil
// Speech sends every job down the video provider's own text-to-speech
// path; a nil Artifacts skips the upload stage.
type Collaborators struct {
	Transcriber Transcriber
	Generator   TextGenerator
	Speech      SpeechSynthesizer
	Video       VideoRenderer
	Artifacts   ArtifactStore
}

type PipelineConfig struct {
	OutputDir    string
	PollInterval time.Duration
	MaxWait      time.Duration
	// KeyPrefix namespaces uploaded artifacts: {prefix}/{job id}/{file}.
	KeyPrefix string
}

// Pipeline runs one job through transcription, text generation, speech,
// video and upload, recording every transition in the job store.
type Pipeline struct {
	jobs     jobstore.Store
	personas *persona.Store
	collab   Collaborators
	notifier ProgressNotifier
	cfg      PipelineConfig
	logger   *slog.Logger
}

func NewPipeline(jobs jobstore.Store, personas *persona.Store, collab Collaborators, notifier ProgressNotifier, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "outputs"
	}
	return &Pipeline{
		jobs:     jobs,
		personas: personas,
		collab:   collab,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// run is the mutable state of one execution.
type run struct {
	jobID   string
	req     *model.GenerateRequest
	start   time.Time
	results map[string]any

	personaID string
	persona   model.Persona
	prompt    string
	text      string
	audioPath string
	videoPath string
	baseName  string

	// halted is set once the job may no longer be written by this run.
	halted bool
}

// Run executes the pipeline for jobID. Stage failures are recorded on the
// job and not returned; the returned error is reserved for conditions
// where the job itself could not be read, so a queue may retry.
func (p *Pipeline) Run(ctx context.Context, jobID string, req *model.GenerateRequest) (err error) {
	rec, ok, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if !ok {
		p.logger.Warn("Job no longer exists, skipping", "job_id", jobID)
		return nil
	}
	if model.JobStatus(rec.Status()).IsTerminal() {
		p.logger.Info("Job already finished, skipping", "job_id", jobID, "status", rec.Status())
		return nil
	}

	r := &run{
		jobID:    jobID,
		req:      req,
		start:    time.Now(),
		results:  map[string]any{},
		baseName: outputBaseName(jobID, req.OutputName),
	}

	defer func() {
		if v := recover(); v != nil {
			p.logger.Error("Pipeline panicked", "job_id", jobID, "panic", v)
			p.fail(ctx, r, stageErr(stageInternal, fmt.Errorf("unexpected panic: %v", v)))
			err = nil
		}
	}()

	p.logger.Info("Starting pipeline", "job_id", jobID, "kind", req.Kind, "persona_id", req.PersonaID)

	stages := []func(context.Context, *run) error{
		p.resolvePersona,
		p.transcribe,
		p.generateText,
		p.synthesizeSpeech,
		p.renderVideo,
		p.upload,
	}
	for _, stage := range stages {
		err := stage(ctx, r)
		if r.halted {
			p.logger.Info("Job left processing elsewhere, stopping pipeline", "job_id", jobID)
			return nil
		}
		if err != nil {
			p.fail(ctx, r, err)
			return nil
		}
	}

	p.complete(ctx, r)
	return nil
}

func (p *Pipeline) resolvePersona(ctx context.Context, r *run) error {
	r.personaID, r.persona, _ = p.personas.Resolve(r.req.PersonaID)

	prompt, ok := p.personas.GetPromptContent(r.personaID)
	if !ok || prompt == "" {
		p.logger.Warn("Using fallback prompt", "job_id", r.jobID, "persona_id", r.personaID)
		prompt = fallbackPrompt
	}
	r.prompt = prompt

	p.progress(ctx, r, "", "Starting "+personaLabel(r)+" pipeline...", jobstore.Record{
		model.FieldPersonaID: r.personaID,
	})
	return nil
}

func (p *Pipeline) transcribe(ctx context.Context, r *run) error {
	r.text = r.req.Input
	if r.req.Kind != model.JobKindFile {
		return nil
	}

	p.progress(ctx, r, model.StepTranscribe, "Transcribing uploaded file...", nil)
	if p.collab.Transcriber == nil {
		return stageErr(model.StepTranscribe, fmt.Errorf("transcription %w", client.ErrNotConfigured))
	}

	transcript, err := p.collab.Transcriber.Transcribe(ctx, r.req.FilePath)
	if err != nil {
		return stageErr(model.StepTranscribe, err)
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return stageErr(model.StepTranscribe, errors.New("transcription returned no text"))
	}

	r.text = transcript
	r.results["transcript"] = transcript
	p.progress(ctx, r, model.StepTranscribe, "Transcription complete", jobstore.Record{
		model.FieldInputText: transcript,
	})
	return nil
}

func (p *Pipeline) generateText(ctx context.Context, r *run) error {
	p.progress(ctx, r, model.StepGenerateText, personaLabel(r)+" is thinking...", nil)
	if p.collab.Generator == nil {
		return stageErr(model.StepGenerateText, fmt.Errorf("text generation %w", client.ErrNotConfigured))
	}

	chat := buildChatRequest(r.req.Kind, r.prompt, r.text, r.req.Context, r.persona.Name)
	completion, err := p.collab.Generator.ChatCompletion(ctx, chat)
	if err != nil {
		return stageErr(model.StepGenerateText, err)
	}
	text := strings.TrimSpace(completion.Text)
	if text == "" {
		return stageErr(model.StepGenerateText, errors.New("empty response from text generator"))
	}

	r.text = text
	r.results[resultKey(r.req.Kind)] = text
	r.results["openai_latency"] = round2(completion.Latency.Seconds())
	r.results["openai_tokens"] = completion.TotalTokens
	r.results["prompt_tokens"] = completion.PromptTokens
	r.results["completion_tokens"] = completion.CompletionTokens
	p.progress(ctx, r, model.StepGenerateText, "Text generated", nil)
	return nil
}

// synthesizeSpeech voices the text with the speech provider. Without a
// provider or voice id the job falls through to the video provider's own
// text-to-speech.
func (p *Pipeline) synthesizeSpeech(ctx context.Context, r *run) error {
	voiceID := firstNonEmpty(r.req.VoiceID, r.persona.ElevenLabsVoiceID)
	if p.collab.Speech == nil || voiceID == "" {
		r.results["voice_provider"] = voiceProviderHeyGen
		if r.persona.HeyGenVoiceID != "" {
			r.results["voice_id"] = r.persona.HeyGenVoiceID
		}
		p.logger.Info("No speech voice available, using video provider voice", "job_id", r.jobID, "persona_id", r.personaID)
		return nil
	}

	p.progress(ctx, r, model.StepSynthesizeSpeech, "Generating "+personaLabel(r)+"'s voice...", nil)
	out := filepath.Join(p.cfg.OutputDir, r.baseName+".mp3")
	path, err := p.collab.Speech.Synthesize(ctx, r.text, voiceID, r.req.VoiceSettings, out)
	if err != nil {
		return stageErr(model.StepSynthesizeSpeech, err)
	}

	r.audioPath = path
	r.results["audio_path"] = path
	r.results["voice_provider"] = voiceProviderElevenLabs
	r.results["voice_id"] = voiceID
	p.progress(ctx, r, model.StepSynthesizeSpeech, "Voice generated", nil)
	return nil
}

func (p *Pipeline) renderVideo(ctx context.Context, r *run) error {
	p.progress(ctx, r, model.StepRenderVideo, "Creating "+personaLabel(r)+"'s video...", nil)
	if p.collab.Video == nil {
		return stageErr(model.StepRenderVideo, fmt.Errorf("video rendering %w", client.ErrNotConfigured))
	}

	opts := client.VideoOptions{AvatarID: firstNonEmpty(r.req.AvatarID, r.persona.HeyGenAvatarID)}
	var (
		videoID string
		err     error
	)
	if r.audioPath != "" {
		videoID, err = p.collab.Video.CreateFromAudio(ctx, r.audioPath, opts)
	} else {
		opts.VoiceID = r.persona.HeyGenVoiceID
		videoID, err = p.collab.Video.CreateFromText(ctx, r.text, opts)
	}
	if err != nil {
		return stageErr(model.StepRenderVideo, err)
	}
	r.results["video_id"] = videoID
	p.progress(ctx, r, model.StepRenderVideo, "Waiting for video to render...", nil)

	status, err := p.waitForVideo(ctx, r, videoID)
	if err != nil {
		return stageErr(model.StepRenderVideo, err)
	}
	r.results["remote_video_url"] = status.VideoURL

	out := filepath.Join(p.cfg.OutputDir, r.baseName+".mp4")
	path, err := p.collab.Video.Download(ctx, status.VideoURL, out)
	if err != nil {
		return stageErr(model.StepRenderVideo, err)
	}
	r.videoPath = path
	r.results["video_path"] = path
	p.progress(ctx, r, model.StepRenderVideo, "Video ready", nil)
	return nil
}

// waitForVideo polls until the render reaches a terminal state or MaxWait
// elapses. It gives up early if the job is finished elsewhere meanwhile.
func (p *Pipeline) waitForVideo(ctx context.Context, r *run, videoID string) (*client.VideoStatus, error) {
	jobID := r.jobID
	deadline := time.Now().Add(p.cfg.MaxWait)
	attempt := 0
	last := ""

	for {
		attempt++
		status, err := p.collab.Video.Status(ctx, videoID)
		if err != nil {
			return nil, fmt.Errorf("failed to check video status: %w", err)
		}
		last = status.Status
		p.logger.Debug("Polled video status", "job_id", jobID, "video_id", videoID, "attempt", attempt, "status", status.Status)

		switch status.Status {
		case client.VideoStatusCompleted:
			if status.VideoURL == "" {
				return nil, errors.New("video completed without a download URL")
			}
			return status, nil
		case client.VideoStatusFailed:
			return nil, fmt.Errorf("video generation failed: %s", firstNonEmpty(status.Error, "unknown error"))
		}

		if p.jobFinished(ctx, r) {
			return nil, errJobFinished
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("video generation timed out after %v (last status %q)", p.cfg.MaxWait, last)
		}
		wait := p.cfg.PollInterval
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// jobFinished reports whether the job was deleted or reached a terminal
// status while the run was waiting on a provider.
func (p *Pipeline) jobFinished(ctx context.Context, r *run) bool {
	rec, ok, err := p.jobs.Get(ctx, r.jobID)
	if err != nil {
		return false
	}
	if !ok || model.JobStatus(rec.Status()).IsTerminal() {
		r.halted = true
		return true
	}
	return false
}

// upload publishes the local artifacts. Failures never fail the job: the
// local paths stand in for the URLs.
func (p *Pipeline) upload(ctx context.Context, r *run) error {
	artifacts := []struct {
		path   string
		urlKey string
	}{
		{r.audioPath, "audio_url"},
		{r.videoPath, "video_url"},
	}

	if p.collab.Artifacts == nil {
		for _, a := range artifacts {
			if a.path != "" {
				r.results[a.urlKey] = a.path
			}
		}
		return nil
	}

	p.progress(ctx, r, model.StepUpload, "Uploading files...", nil)
	var failures []string
	for _, a := range artifacts {
		if a.path == "" {
			continue
		}
		key := artifactKey(p.cfg.KeyPrefix, r.jobID, a.path)
		url, err := p.collab.Artifacts.UploadFile(ctx, a.path, key, client.ContentTypeFor(a.path))
		if err != nil {
			p.logger.Warn("Artifact upload failed, keeping local file", "job_id", r.jobID, "path", a.path, "error", err)
			failures = append(failures, filepath.Base(a.path)+": "+err.Error())
			r.results[a.urlKey] = a.path
			continue
		}
		r.results[a.urlKey] = url
	}

	if len(failures) > 0 {
		r.results["upload_error"] = strings.Join(failures, "; ")
		p.progress(ctx, r, model.StepUpload, "Upload failed, using local files", nil)
		return nil
	}
	p.progress(ctx, r, model.StepUpload, "Files uploaded", nil)
	return nil
}

func (p *Pipeline) complete(ctx context.Context, r *run) {
	elapsed := round2(time.Since(r.start).Seconds())
	err := p.write(ctx, r, jobstore.Record{
		model.FieldStatus:         string(model.JobStatusCompleted),
		model.FieldStep:           model.StepDone,
		model.FieldProgress:       "Complete!",
		model.FieldResults:        copyResults(r.results),
		model.FieldProcessingTime: elapsed,
	})
	if errors.Is(err, errJobFinished) {
		return
	}
	p.notifier.BroadcastComplete(r.jobID, copyResults(r.results))
	p.logger.Info("Pipeline completed", "job_id", r.jobID, "processing_time", elapsed)
}

// fail records err on the job. The write is detached from ctx so a
// cancelled run still leaves the job terminal.
func (p *Pipeline) fail(ctx context.Context, r *run, err error) {
	ctx = context.WithoutCancel(ctx)
	msg := err.Error()
	werr := p.write(ctx, r, jobstore.Record{
		model.FieldStatus:         string(model.JobStatusFailed),
		model.FieldError:          msg,
		model.FieldProgress:       "Error: " + msg,
		model.FieldResults:        copyResults(r.results),
		model.FieldProcessingTime: round2(time.Since(r.start).Seconds()),
	})
	if errors.Is(werr, errJobFinished) {
		return
	}
	p.notifier.BroadcastError(r.jobID, failureCode(err), msg)
	p.logger.Error("Pipeline failed", "job_id", r.jobID, "error", msg)
}

// failureCode classifies err for progress subscribers. The message keeps
// the failing stage.
func failureCode(err error) string {
	var se *StageError
	switch {
	case errors.Is(err, client.ErrNotConfigured):
		return response.CodeServiceError
	case errors.As(err, &se) && se.Stage != stageInternal:
		return response.CodeAIError
	default:
		return response.CodeJobFailed
	}
}

func (p *Pipeline) progress(ctx context.Context, r *run, step, message string, extra jobstore.Record) {
	fields := jobstore.Record{
		model.FieldStatus:   string(model.JobStatusProcessing),
		model.FieldProgress: message,
		model.FieldResults:  copyResults(r.results),
	}
	if step != "" {
		fields[model.FieldStep] = step
	}
	for k, v := range extra {
		fields[k] = v
	}
	if err := p.write(ctx, r, fields); errors.Is(err, errJobFinished) {
		return
	}
	p.notifier.BroadcastProgress(r.jobID, model.JobStatusProcessing, step, message)
}

// write applies fields only if the job's current status may move to the
// status being written. A job that is already terminal, or gone, halts the
// run. Storage errors are logged and the run carries on.
func (p *Pipeline) write(ctx context.Context, r *run, fields jobstore.Record) error {
	if r.halted {
		return errJobFinished
	}

	rec, ok, err := p.jobs.Get(ctx, r.jobID)
	if err != nil {
		p.logger.Error("Failed to read job", "job_id", r.jobID, "error", err)
		return err
	}
	if !ok {
		p.logger.Warn("Job disappeared during processing", "job_id", r.jobID)
		r.halted = true
		return errJobFinished
	}
	current := model.JobStatus(rec.Status())
	if next := model.JobStatus(fields.Status()); !current.CanTransitionTo(next) {
		p.logger.Warn("Refusing job status change", "job_id", r.jobID, "from", current, "to", next)
		r.halted = true
		return errJobFinished
	}

	if _, err := p.jobs.Update(ctx, r.jobID, fields); err != nil {
		p.logger.Error("Failed to update job", "job_id", r.jobID, "error", err)
		return err
	}
	return nil
}

func personaLabel(r *run) string {
	return firstNonEmpty(r.persona.Name, r.personaID)
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// outputBaseName derives artifact file names. A caller-supplied name is
// sanitized and suffixed with the short job id so jobs never collide.
func outputBaseName(jobID, requested string) string {
	name := strings.TrimSuffix(filepath.Base(requested), filepath.Ext(requested))
	name = strings.Trim(unsafeNameChars.ReplaceAllString(name, "_"), "._-")
	if requested == "" || name == "" {
		return jobID
	}
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return name + "_" + short
}

func artifactKey(prefix, jobID, path string) string {
	key := jobID + "/" + filepath.Base(path)
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

func copyResults(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
