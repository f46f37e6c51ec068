package jobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hottake/studio/internal/model"
)

const defaultFirestoreCollection = "jobs"

// FirestoreStore keeps one document per job in a collection. Listing and
// cleanup candidate selection run as server-side queries; deletes are
// committed in batches of at most maxBatchSize writes.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
	logger     *slog.Logger
}

// NewFirestoreStore connects to projectID. When FIRESTORE_EMULATOR_HOST is
// set the client talks to the emulator instead.
func NewFirestoreStore(ctx context.Context, projectID, collection string, logger *slog.Logger) (*FirestoreStore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	if collection == "" {
		collection = defaultFirestoreCollection
	}

	store := &FirestoreStore{client: client, collection: collection, now: time.Now, logger: logger}

	// A cheap read proves credentials and connectivity up front.
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	iter := store.coll().Limit(1).Documents(probeCtx)
	_, err = iter.Next()
	iter.Stop()
	if err != nil && !errors.Is(err, iterator.Done) {
		client.Close()
		return nil, fmt.Errorf("failed to reach Firestore project %s: %w", projectID, err)
	}

	logger.Info("Connected to Firestore for job storage", "project", projectID, "collection", collection)
	return store, nil
}

func (s *FirestoreStore) Backend() Backend { return BackendFirestore }

func (s *FirestoreStore) coll() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (s *FirestoreStore) Create(ctx context.Context, fields Record) (string, error) {
	rec, err := normalize(newRecord(fields, s.now()))
	if err != nil {
		return "", err
	}

	id := rec.ID()
	// Create fails if the document exists, so an id is never overwritten.
	if _, err := s.coll().Doc(id).Create(ctx, map[string]interface{}(rec)); err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Created job in Firestore", "job_id", id)
	return id, nil
}

func (s *FirestoreStore) Get(ctx context.Context, id string) (Record, bool, error) {
	snap, err := s.coll().Doc(id).Get(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get job: %w", err)
	}

	rec, err := normalize(Record(snap.Data()))
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *FirestoreStore) Update(ctx context.Context, id string, fields Record) (bool, error) {
	normalized, err := normalize(fields)
	if err != nil {
		return false, err
	}

	updates := make([]firestore.Update, 0, len(normalized)+1)
	for k, v := range normalized {
		if k == model.FieldID || k == model.FieldCreatedAt {
			continue
		}
		updates = append(updates, firestore.Update{FieldPath: firestore.FieldPath{k}, Value: v})
	}
	updates = append(updates, firestore.Update{
		FieldPath: firestore.FieldPath{model.FieldUpdatedAt},
		Value:     model.FormatTime(s.now()),
	})

	// Update carries an implicit exists precondition.
	if _, err := s.coll().Doc(id).Update(ctx, updates); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to update job: %w", err)
	}

	s.logger.Debug("Updated job in Firestore", "job_id", id, "fields", len(fields))
	return true, nil
}

func (s *FirestoreStore) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := s.coll().Doc(id).Delete(ctx, firestore.Exists); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete job: %w", err)
	}

	s.logger.Info("Deleted job from Firestore", "job_id", id)
	return true, nil
}

func (s *FirestoreStore) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	q := s.coll().Query
	if opts.Status != "" {
		q = q.Where(model.FieldStatus, "==", opts.Status)
	}
	if opts.PersonaID != "" {
		q = q.Where(model.FieldPersonaID, "==", opts.PersonaID)
	}
	if !opts.Since.IsZero() {
		q = q.Where(model.FieldCreatedAt, ">=", model.FormatTime(opts.Since))
	}
	if !opts.Until.IsZero() {
		q = q.Where(model.FieldCreatedAt, "<", model.FormatTime(opts.Until))
	}
	q = q.OrderBy(model.FieldCreatedAt, firestore.Desc).Offset(opts.offset()).Limit(opts.limit())

	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	recs := make([]Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := normalize(Record(doc.Data()))
		if err != nil {
			s.logger.Warn("Skipping undecodable job", "job_id", doc.Ref.ID, "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *FirestoreStore) CleanupOld(ctx context.Context, maxAgeHours int) (int, error) {
	cutoff := cutoffFor(s.now(), maxAgeHours)

	iter := s.coll().Where(model.FieldStatus, "in", terminalStatusStrings()).Documents(ctx)
	defer iter.Stop()

	var stale []*firestore.DocumentRef
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to scan jobs for cleanup: %w", err)
		}

		eligible, err := cleanupEligible(Record(doc.Data()), cutoff)
		if err != nil {
			s.logger.Warn("Skipping job with unreadable created_at", "job_id", doc.Ref.ID, "error", err)
			continue
		}
		if eligible {
			stale = append(stale, doc.Ref)
		}
	}

	deleted := 0
	for start := 0; start < len(stale); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(stale) {
			end = len(stale)
		}

		batch := s.client.Batch()
		for _, ref := range stale[start:end] {
			batch.Delete(ref)
		}
		if _, err := batch.Commit(ctx); err != nil {
			return deleted, fmt.Errorf("failed to commit cleanup batch: %w", err)
		}
		deleted += end - start
	}

	s.logger.Info("Cleaned up old jobs from Firestore", "deleted", deleted, "max_age_hours", maxAgeHours)
	return deleted, nil
}

// Import writes rec under its own id unless a document already exists.
func (s *FirestoreStore) Import(ctx context.Context, rec Record) (bool, error) {
	id := rec.ID()
	if id == "" {
		return false, fmt.Errorf("%w: record has no id", ErrCorruptRecord)
	}
	normalized, err := normalize(rec)
	if err != nil {
		return false, err
	}

	if _, err := s.coll().Doc(id).Create(ctx, map[string]interface{}(normalized)); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return false, nil
		}
		return false, fmt.Errorf("failed to import job: %w", err)
	}
	return true, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
