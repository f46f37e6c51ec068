package service

import (
	"context"

	"github.com/hottake/studio/internal/client"
	"github.com/hottake/studio/internal/model"
)

// Transcriber turns an uploaded audio or video file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// TextGenerator produces the persona's response.
type TextGenerator interface {
	ChatCompletion(ctx context.Context, req client.ChatRequest) (*client.Completion, error)
}

// SpeechSynthesizer writes spoken audio for text to outPath.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string, settings *model.VoiceSettings, outPath string) (string, error)
}

// VideoRenderer drives a talking-avatar render. Renders are asynchronous on
// the provider side and are polled through Status.
type VideoRenderer interface {
	CreateFromAudio(ctx context.Context, audioPath string, opts client.VideoOptions) (string, error)
	CreateFromText(ctx context.Context, text string, opts client.VideoOptions) (string, error)
	Status(ctx context.Context, videoID string) (*client.VideoStatus, error)
	Download(ctx context.Context, videoURL, outPath string) (string, error)
}

// ArtifactStore publishes a local file and returns its durable URL.
type ArtifactStore interface {
	UploadFile(ctx context.Context, localPath, key, contentType string) (string, error)
}

// ProgressNotifier fans job progress out to live subscribers.
type ProgressNotifier interface {
	BroadcastProgress(jobID string, status model.JobStatus, step, progress string)
	BroadcastComplete(jobID string, results map[string]any)
	BroadcastError(jobID, code, message string)
}

// Dispatcher hands an accepted job to whatever executes the pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, req *model.GenerateRequest) error
}

type nopNotifier struct{}

func (nopNotifier) BroadcastProgress(string, model.JobStatus, string, string) {}
func (nopNotifier) BroadcastComplete(string, map[string]any) {}
func (nopNotifier) BroadcastError(string, string, string) {}
