package model

import "time"

// JobStatus is the lifecycle state of a job. Transitions only move forward.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

var ValidJobStatuses = []JobStatus{
	JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled,
}

// TerminalJobStatuses are the statuses eligible for age-based cleanup.
var TerminalJobStatuses = []JobStatus{
	JobStatusCompleted, JobStatusFailed, JobStatusCancelled,
}

func ParseJobStatus(s string) (JobStatus, bool) {
	for _, st := range ValidJobStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransitionTo reports whether moving from s to next respects the
// forward-only state machine. Re-asserting a non-terminal status is allowed
// so progress updates can be written while processing.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next != ""
	case JobStatusProcessing:
		return next != JobStatusPending && next != ""
	default:
		return false
	}
}

// JobKind identifies which pipeline variant produced a job.
type JobKind string

const (
	JobKindText  JobKind = "text"
	JobKindRoast JobKind = "roast"
	JobKindFile  JobKind = "file"
)

// Pipeline stage names recorded in the job's step field.
const (
	StepQueued           = "queued"
	StepTranscribe       = "transcribe"
	StepGenerateText     = "generate_text"
	StepSynthesizeSpeech = "synthesize_speech"
	StepRenderVideo      = "render_video"
	StepUpload           = "upload"
	StepDone             = "done"
)

// Job record field names, shared by every storage backend.
const (
	FieldID             = "id"
	FieldStatus         = "status"
	FieldCreatedAt      = "created_at"
	FieldUpdatedAt      = "updated_at"
	FieldProgress       = "progress"
	FieldPersonaID      = "persona_id"
	FieldStep           = "step"
	FieldKind           = "kind"
	FieldInputText      = "input_text"
	FieldResults        = "results"
	FieldError          = "error"
	FieldProcessingTime = "processing_time"
)

// RequiredJobFields must be present, as strings, on every stored job.
var RequiredJobFields = []string{FieldID, FieldStatus, FieldCreatedAt}

// TimeLayout is the stored timestamp format: microsecond precision with an
// explicit numeric offset, e.g. 2024-05-01T12:00:00.000000+00:00.
const TimeLayout = "2006-01-02T15:04:05.000000-07:00"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Job is the typed view of a stored job record returned by the API.
type Job struct {
	ID             string         `json:"id"`
	Status         JobStatus      `json:"status"`
	Kind           JobKind        `json:"kind,omitempty"`
	PersonaID      string         `json:"persona_id,omitempty"`
	Step           string         `json:"step,omitempty"`
	Progress       string         `json:"progress,omitempty"`
	InputText      string         `json:"input_text,omitempty"`
	Results        map[string]any `json:"results,omitempty"`
	Error          string         `json:"error,omitempty"`
	ProcessingTime float64        `json:"processing_time,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at,omitempty"`
}

// JobFromRecord projects a raw record onto Job, ignoring fields of the
// wrong type rather than failing.
func JobFromRecord(rec map[string]any) *Job {
	job := &Job{
		ID:        stringField(rec, FieldID),
		Status:    JobStatus(stringField(rec, FieldStatus)),
		Kind:      JobKind(stringField(rec, FieldKind)),
		PersonaID: stringField(rec, FieldPersonaID),
		Step:      stringField(rec, FieldStep),
		Progress:  stringField(rec, FieldProgress),
		InputText: stringField(rec, FieldInputText),
		Error:     stringField(rec, FieldError),
		CreatedAt: stringField(rec, FieldCreatedAt),
		UpdatedAt: stringField(rec, FieldUpdatedAt),
	}
	if results, ok := rec[FieldResults].(map[string]any); ok {
		job.Results = results
	}
	switch v := rec[FieldProcessingTime].(type) {
	case float64:
		job.ProcessingTime = v
	case int:
		job.ProcessingTime = float64(v)
	case int64:
		job.ProcessingTime = float64(v)
	}
	return job
}

func stringField(rec map[string]any, key string) string {
	s, _ := rec[key].(string)
	return s
}
