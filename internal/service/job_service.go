package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/hottake/studio/internal/jobstore"
	"github.com/hottake/studio/internal/model"
	"github.com/hottake/studio/internal/persona"
)

var (
	ErrPersonaNotFound  = errors.New("persona not found")
	ErrJobNotFound      = errors.New("job not found")
	ErrUnsupportedInput = errors.New("unsupported input file")
	ErrInvalidQuery     = errors.New("invalid history query")
)

const maxHistoryLimit = 500

var supportedMedia = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".m4a":  true,
	".mp4":  true,
	".mov":  true,
	".webm": true,
	".mpeg": true,
	".mpga": true,
}

// CheckMediaFile rejects uploads the transcriber cannot read.
func CheckMediaFile(name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !supportedMedia[ext] {
		return fmt.Errorf("%w: %q (supported: mp3, wav, m4a, mp4, mov, webm, mpeg, mpga)", ErrUnsupportedInput, ext)
	}
	return nil
}

// FileJobRequest describes an upload already saved to local disk.
type FileJobRequest struct {
	Path          string
	Filename      string
	Context       string
	PersonaID     string
	AvatarID      string
	VoiceID       string
	OutputName    string
	VoiceSettings *model.VoiceSettings
}

// HistoryQuery filters job history. Status is validated against the known
// statuses.
type HistoryQuery struct {
	Status    string
	PersonaID string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// JobService accepts submissions, hands them to a Dispatcher and serves job
// status and history.
type JobService struct {
	jobs       jobstore.Store
	personas   *persona.Store
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewJobService(jobs jobstore.Store, personas *persona.Store, dispatcher Dispatcher, logger *slog.Logger) *JobService {
	return &JobService{
		jobs:       jobs,
		personas:   personas,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (s *JobService) SubmitText(ctx context.Context, req *model.TextJobRequest) (*model.SubmitResponse, error) {
	return s.submit(ctx, &model.GenerateRequest{
		Kind:          model.JobKindText,
		Input:         req.Text,
		Context:       req.Context,
		PersonaID:     req.PersonaID,
		AvatarID:      req.AvatarID,
		VoiceID:       req.VoiceID,
		OutputName:    req.OutputName,
		VoiceSettings: req.VoiceSettings,
	}, req.Text)
}

func (s *JobService) SubmitRoast(ctx context.Context, req *model.RoastJobRequest) (*model.SubmitResponse, error) {
	return s.submit(ctx, &model.GenerateRequest{
		Kind:       model.JobKindRoast,
		Input:      req.Topic,
		PersonaID:  req.PersonaID,
		AvatarID:   req.AvatarID,
		VoiceID:    req.VoiceID,
		OutputName: req.OutputName,
	}, req.Topic)
}

func (s *JobService) SubmitFile(ctx context.Context, req *FileJobRequest) (*model.SubmitResponse, error) {
	if err := CheckMediaFile(req.Filename); err != nil {
		return nil, err
	}
	return s.submit(ctx, &model.GenerateRequest{
		Kind:          model.JobKindFile,
		FilePath:      req.Path,
		Context:       req.Context,
		PersonaID:     req.PersonaID,
		AvatarID:      req.AvatarID,
		VoiceID:       req.VoiceID,
		OutputName:    req.OutputName,
		VoiceSettings: req.VoiceSettings,
	}, req.Filename)
}

// submit rejects unknown explicit personas before anything is stored, then
// creates the job and dispatches it. A job whose dispatch fails is marked
// failed rather than left pending.
func (s *JobService) submit(ctx context.Context, req *model.GenerateRequest, inputText string) (*model.SubmitResponse, error) {
	if req.PersonaID == "" {
		req.PersonaID = s.personas.DefaultID()
	} else if _, ok := s.personas.Get(req.PersonaID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrPersonaNotFound, req.PersonaID)
	}

	jobID, err := s.jobs.Create(ctx, jobstore.Record{
		model.FieldStatus:    string(model.JobStatusPending),
		model.FieldStep:      model.StepQueued,
		model.FieldProgress:  "Queued",
		model.FieldPersonaID: req.PersonaID,
		model.FieldKind:      string(req.Kind),
		model.FieldInputText: inputText,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	rec, _, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read created job: %w", err)
	}

	if err := s.dispatcher.Dispatch(ctx, jobID, req); err != nil {
		msg := "dispatch: " + err.Error()
		if _, uerr := s.jobs.Update(context.WithoutCancel(ctx), jobID, jobstore.Record{
			model.FieldStatus:   string(model.JobStatusFailed),
			model.FieldError:    msg,
			model.FieldProgress: "Error: " + msg,
		}); uerr != nil {
			s.logger.Error("Failed to mark undispatched job as failed", "job_id", jobID, "error", uerr)
		}
		return nil, fmt.Errorf("failed to dispatch job %s: %w", jobID, err)
	}

	s.logger.Info("Job submitted", "job_id", jobID, "kind", req.Kind, "persona_id", req.PersonaID)
	return &model.SubmitResponse{
		JobID:     jobID,
		Status:    model.JobStatusPending,
		PersonaID: req.PersonaID,
		CreatedAt: rec.CreatedAt(),
	}, nil
}

func (s *JobService) Get(ctx context.Context, jobID string) (*model.Job, error) {
	rec, ok, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobNotFound
	}
	return model.JobFromRecord(rec), nil
}

func (s *JobService) History(ctx context.Context, q HistoryQuery) (*model.JobListResponse, error) {
	if q.Status != "" {
		if _, ok := model.ParseJobStatus(q.Status); !ok {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidQuery, q.Status)
		}
	}
	if q.Limit < 0 || q.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidQuery)
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && !q.Since.Before(q.Until) {
		return nil, fmt.Errorf("%w: since must be before until", ErrInvalidQuery)
	}
	if q.Limit == 0 {
		q.Limit = 100
	}
	if q.Limit > maxHistoryLimit {
		q.Limit = maxHistoryLimit
	}

	recs, err := s.jobs.List(ctx, jobstore.ListOptions{
		Status:    q.Status,
		PersonaID: q.PersonaID,
		Since:     q.Since,
		Until:     q.Until,
		Limit:     q.Limit,
		Offset:    q.Offset,
	})
	if err != nil {
		return nil, err
	}

	jobs := make([]*model.Job, 0, len(recs))
	for _, rec := range recs {
		jobs = append(jobs, model.JobFromRecord(rec))
	}
	return &model.JobListResponse{Jobs: jobs, Count: len(jobs), Limit: q.Limit, Offset: q.Offset}, nil
}

func (s *JobService) Delete(ctx context.Context, jobID string) error {
	ok, err := s.jobs.Delete(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobNotFound
	}
	return nil
}

func (s *JobService) Cleanup(ctx context.Context, maxAgeHours int) (*model.CleanupResponse, error) {
	deleted, err := s.jobs.CleanupOld(ctx, maxAgeHours)
	if err != nil {
		return nil, err
	}
	return &model.CleanupResponse{Deleted: deleted, MaxAgeHours: maxAgeHours}, nil
}
