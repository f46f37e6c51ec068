package model

// VoiceSettings tunes the speech-synthesis collaborator.
type VoiceSettings struct {
	Stability       *float64 `json:"stability,omitempty" validate:"omitempty,gte=0,lte=1"`
	SimilarityBoost *float64 `json:"similarity_boost,omitempty" validate:"omitempty,gte=0,lte=1"`
	Style           *float64 `json:"style,omitempty" validate:"omitempty,gte=0,lte=1"`
	UseSpeakerBoost *bool    `json:"use_speaker_boost,omitempty"`
}

// GenerateRequest is the internal description of one pipeline run. It is
// what gets queued alongside a job id.
type GenerateRequest struct {
	Kind          JobKind        `json:"kind"`
	Input         string         `json:"input,omitempty"`
	FilePath      string         `json:"file_path,omitempty"`
	Context       string         `json:"context,omitempty"`
	PersonaID     string         `json:"persona_id,omitempty"`
	AvatarID      string         `json:"avatar_id,omitempty"`
	VoiceID       string         `json:"voice_id,omitempty"`
	OutputName    string         `json:"output_name,omitempty"`
	VoiceSettings *VoiceSettings `json:"voice_settings,omitempty"`
}

// TextJobRequest is the body of POST /api/jobs/text.
type TextJobRequest struct {
	Text          string         `json:"text" validate:"required,min=1,max=20000"`
	Context       string         `json:"context,omitempty" validate:"max=4000"`
	PersonaID     string         `json:"persona_id,omitempty" validate:"omitempty,max=64"`
	AvatarID      string         `json:"avatar_id,omitempty" validate:"omitempty,max=128"`
	VoiceID       string         `json:"voice_id,omitempty" validate:"omitempty,max=128"`
	OutputName    string         `json:"output_name,omitempty" validate:"omitempty,max=120"`
	VoiceSettings *VoiceSettings `json:"voice_settings,omitempty"`
}

// RoastJobRequest is the body of POST /api/jobs/roast.
type RoastJobRequest struct {
	Topic      string `json:"topic" validate:"required,min=1,max=2000"`
	PersonaID  string `json:"persona_id,omitempty" validate:"omitempty,max=64"`
	AvatarID   string `json:"avatar_id,omitempty" validate:"omitempty,max=128"`
	VoiceID    string `json:"voice_id,omitempty" validate:"omitempty,max=128"`
	OutputName string `json:"output_name,omitempty" validate:"omitempty,max=120"`
}

// SubmitResponse is returned immediately after a job is accepted.
type SubmitResponse struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	PersonaID string    `json:"persona_id"`
	CreatedAt string    `json:"created_at"`
}

// JobListResponse is one page of job history.
type JobListResponse struct {
	Jobs   []*Job `json:"jobs"`
	Count  int    `json:"count"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// CleanupResponse reports a cleanup sweep.
type CleanupResponse struct {
	Deleted     int `json:"deleted"`
	MaxAgeHours int `json:"max_age_hours"`
}
