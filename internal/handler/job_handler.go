package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/hottake/studio/internal/jobstore"
	"github.com/hottake/studio/internal/model"
	"github.com/hottake/studio/internal/service"
	"github.com/hottake/studio/pkg/response"
)

// FileOptions bounds multipart uploads and locates generated artifacts.
type FileOptions struct {
	UploadDir     string
	OutputDir     string
	MaxUploadSize int64
}

type JobHandler struct {
	service     *service.JobService
	validator   *validator.Validate
	files       FileOptions
	maxAgeHours int
	logger      *slog.Logger
}

func NewJobHandler(svc *service.JobService, v *validator.Validate, files FileOptions, cleanupMaxAgeHours int, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		service:     svc,
		validator:   v,
		files:       files,
		maxAgeHours: cleanupMaxAgeHours,
		logger:      logger,
	}
}

// SubmitText handles POST /api/jobs/text
// @Summary      Submit a pitch for a hot take
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.TextJobRequest true "Pitch text"
// @Success      202 {object} model.SubmitResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/text [post]
func (h *JobHandler) SubmitText(c *fiber.Ctx) error {
	var req model.TextJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.SubmitText(c.Context(), &req)
	if err != nil {
		return h.submitError(c, err)
	}

	return response.Accepted(c, result)
}

// SubmitRoast handles POST /api/jobs/roast
// @Summary      Submit a topic for a quick roast
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.RoastJobRequest true "Roast topic"
// @Success      202 {object} model.SubmitResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/roast [post]
func (h *JobHandler) SubmitRoast(c *fiber.Ctx) error {
	var req model.RoastJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.SubmitRoast(c.Context(), &req)
	if err != nil {
		return h.submitError(c, err)
	}

	return response.Accepted(c, result)
}

// SubmitFile handles POST /api/jobs/file
// @Summary      Submit an audio or video pitch
// @Description  The upload is transcribed before the hot take is generated
// @Tags         Jobs
// @Accept       multipart/form-data
// @Produce      json
// @Param        file           formData file   true  "Audio or video file (mp3, wav, m4a, mp4, mov, webm, mpeg, mpga)"
// @Param        context        formData string false "Additional context"
// @Param        persona_id     formData string false "Persona ID"
// @Param        avatar_id      formData string false "Avatar override"
// @Param        voice_id       formData string false "Voice override"
// @Param        output_name    formData string false "Output file base name"
// @Param        voice_settings formData string false "Voice settings as JSON"
// @Success      202 {object} model.SubmitResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/file [post]
func (h *JobHandler) SubmitFile(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	if err := service.CheckMediaFile(file.Filename); err != nil {
		return response.ValidationError(c, err.Error(), map[string]interface{}{
			"filename": file.Filename,
		})
	}

	if h.files.MaxUploadSize > 0 && file.Size > h.files.MaxUploadSize {
		return response.ValidationError(c, "File size exceeds upload limit", map[string]interface{}{
			"maxSize":  h.files.MaxUploadSize,
			"fileSize": file.Size,
		})
	}

	var settings *model.VoiceSettings
	if raw := c.FormValue("voice_settings"); raw != "" {
		settings = &model.VoiceSettings{}
		if err := json.Unmarshal([]byte(raw), settings); err != nil {
			return response.ValidationError(c, "voice_settings must be a JSON object", nil)
		}
		if err := h.validator.Struct(settings); err != nil {
			return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
		}
	}

	if err := os.MkdirAll(h.files.UploadDir, 0o755); err != nil {
		return response.ServiceError(c, "Failed to prepare upload directory")
	}
	path := filepath.Join(h.files.UploadDir, uuid.NewString()+strings.ToLower(filepath.Ext(file.Filename)))
	if err := c.SaveFile(file, path); err != nil {
		h.logger.Error("Failed to save upload", "filename", file.Filename, "error", err)
		return response.ServiceError(c, "Failed to save file")
	}

	result, err := h.service.SubmitFile(c.Context(), &service.FileJobRequest{
		Path:          path,
		Filename:      file.Filename,
		Context:       c.FormValue("context"),
		PersonaID:     c.FormValue("persona_id"),
		AvatarID:      c.FormValue("avatar_id"),
		VoiceID:       c.FormValue("voice_id"),
		OutputName:    c.FormValue("output_name"),
		VoiceSettings: settings,
	})
	if err != nil {
		os.Remove(path)
		return h.submitError(c, err)
	}

	return response.Accepted(c, result)
}

// List handles GET /api/jobs
// @Summary      Job history
// @Tags         Jobs
// @Produce      json
// @Param        status     query string false "Status filter"
// @Param        persona_id query string false "Persona filter"
// @Param        since      query string false "Created at or after (RFC 3339)"
// @Param        until      query string false "Created before (RFC 3339)"
// @Param        limit      query int    false "Page size (default 100, max 500)"
// @Param        offset     query int    false "Records to skip"
// @Success      200 {object} model.JobListResponse
// @Failure      400 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs [get]
func (h *JobHandler) List(c *fiber.Ctx) error {
	q := service.HistoryQuery{
		Status:    c.Query("status"),
		PersonaID: c.Query("persona_id"),
	}

	var err error
	if q.Limit, err = queryInt(c, "limit"); err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}
	if q.Offset, err = queryInt(c, "offset"); err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}
	if v := c.Query("since"); v != "" {
		if q.Since, err = jobstore.ParseTimestamp(v); err != nil {
			return response.ValidationError(c, "since must be an RFC 3339 timestamp", nil)
		}
	}
	if v := c.Query("until"); v != "" {
		if q.Until, err = jobstore.ParseTimestamp(v); err != nil {
			return response.ValidationError(c, "until must be an RFC 3339 timestamp", nil)
		}
	}

	result, err := h.service.History(c.Context(), q)
	if err != nil {
		if errors.Is(err, service.ErrInvalidQuery) {
			return response.ValidationError(c, err.Error(), nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Status handles GET /api/jobs/:jobId
// @Summary      Job status
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.Job
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId} [get]
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	job, err := h.service.Get(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, job)
}

// Delete handles DELETE /api/jobs/:jobId
// @Summary      Delete a job record
// @Tags         Jobs
// @Param        jobId path string true "Job ID"
// @Success      204 "No Content"
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId} [delete]
func (h *JobHandler) Delete(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	if err := h.service.Delete(c.Context(), jobID); err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.NoContent(c)
}

// Cleanup handles POST /api/jobs/cleanup
// @Summary      Delete old finished jobs
// @Tags         Jobs
// @Produce      json
// @Param        max_age_hours query int false "Age threshold in hours"
// @Success      200 {object} model.CleanupResponse
// @Failure      400 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/cleanup [post]
func (h *JobHandler) Cleanup(c *fiber.Ctx) error {
	maxAge := h.maxAgeHours
	if v := c.Query("max_age_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return response.ValidationError(c, "max_age_hours must be a non-negative integer", nil)
		}
		maxAge = n
	}

	result, err := h.service.Cleanup(c.Context(), maxAge)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Download handles GET /api/files/:filename
// @Summary      Download a generated artifact
// @Tags         Jobs
// @Param        filename path string true "File name"
// @Success      200 {file} file
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/files/{filename} [get]
func (h *JobHandler) Download(c *fiber.Ctx) error {
	name := c.Params("filename")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return response.ValidationError(c, "Invalid file name", nil)
	}

	path := filepath.Join(h.files.OutputDir, name)
	if _, err := os.Stat(path); err != nil {
		return response.NotFound(c, "File not found")
	}

	return c.Download(path, name)
}

func (h *JobHandler) submitError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrPersonaNotFound):
		return response.NotFound(c, err.Error())
	case errors.Is(err, service.ErrUnsupportedInput):
		return response.ValidationError(c, err.Error(), nil)
	default:
		h.logger.Error("Job submission failed", "error", err)
		return response.ServiceError(c, "Failed to submit job")
	}
}

func queryInt(c *fiber.Ctx, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}
