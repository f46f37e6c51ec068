package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage represents a progress update
type WSProgressMessage struct {
	Type     string    `json:"type"`
	JobID    string    `json:"job_id"`
	Status   JobStatus `json:"status"`
	Step     string    `json:"step,omitempty"`
	Progress string    `json:"progress,omitempty"`
}

// WSCompleteMessage represents job completion
type WSCompleteMessage struct {
	Type    string         `json:"type"`
	JobID   string         `json:"job_id"`
	Results map[string]any `json:"results"`
}

// WSErrorMessage represents a failed job
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"job_id"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
