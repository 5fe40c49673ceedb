package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pulselab/ecg-be/internal/domain"
	"github.com/pulselab/ecg-be/internal/filestore"
	"github.com/pulselab/ecg-be/internal/notify"
	"github.com/pulselab/ecg-be/shared/logger"
)

// List pagination bounds
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Store is the persistence surface the pipeline requires.
type Store interface {
	CreateMeasurement(ctx context.Context, m *domain.Measurement) error
	GetMeasurement(ctx context.Context, id string) (*domain.Measurement, error)
	GetMeasurementForOwner(ctx context.Context, id, ownerID string) (*domain.Measurement, error)
	ListMeasurements(ctx context.Context, ownerID string, limit, offset int) ([]domain.Measurement, int, error)
	UpdateTag(ctx context.Context, id, ownerID, tag string) (*domain.Measurement, error)
	UpdateStatus(ctx context.Context, id, status string) error
	UpdateResults(ctx context.Context, id string, results domain.FeatureMap, summary string) (*domain.Measurement, error)
	UpdateErrors(ctx context.Context, id string, errs domain.ErrorList) (*domain.Measurement, error)
	ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]domain.Measurement, error)
}

// Publisher delivers encoded work envelopes to the request queue.
type Publisher interface {
	PublishRequest(ctx context.Context, body []byte) error
}

// Notifier fans an event out to an owner's live connections. Delivery is
// best effort and never blocks the caller.
type Notifier interface {
	Notify(owner string, event notify.Event)
}

// SubmitInput carries one validated-at-the-edge recording submission.
type SubmitInput struct {
	Data         []byte
	Format       string
	SamplingRate int
	Tag          string
	SampleCount  int
}

// Service orchestrates the measurement lifecycle: intake, dispatch to the
// analysis queue, and applying results that come back.
type Service struct {
	store     Store
	files     filestore.Store
	publisher Publisher
	notifier  Notifier
	logger    *logger.Logger
}

func NewService(store Store, files filestore.Store, publisher Publisher, notifier Notifier, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		files:     files,
		publisher: publisher,
		notifier:  notifier,
		logger:    log,
	}
}

// Submit validates and persists a new recording, stores the raw bytes, and
// publishes the analysis request. If the broker refuses the message the
// record is rolled to error before the failure surfaces, so no measurement
// is left processing with no work item behind it.
func (s *Service) Submit(ctx context.Context, ownerID string, input SubmitInput) (*domain.Measurement, error) {
	if len(input.Data) == 0 {
		return nil, domain.NewValidationError("file", "recording payload is empty")
	}

	if input.SamplingRate < domain.MinSamplingRate || input.SamplingRate > domain.MaxSamplingRate {
		return nil, domain.NewValidationError("fs", fmt.Sprintf(
			"sampling rate must be between %d and %d Hz", domain.MinSamplingRate, domain.MaxSamplingRate))
	}

	tag := input.Tag
	if tag == "" {
		tag = domain.TagDaily
	}
	if !domain.ValidTag(tag) {
		return nil, domain.NewValidationError("tag", fmt.Sprintf("unknown tag %q", tag))
	}

	id := uuid.NewString()

	location, err := s.files.Put(ctx, id+"."+input.Format, input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to store recording: %w", err)
	}

	var duration float64
	if input.SampleCount > 0 {
		duration = float64(input.SampleCount) / float64(input.SamplingRate)
	}

	now := time.Now().UTC()
	m := &domain.Measurement{
		ID:           id,
		OwnerID:      ownerID,
		Status:       domain.StatusProcessing,
		Tag:          tag,
		SamplingRate: input.SamplingRate,
		Format:       input.Format,
		DurationSec:  duration,
		Location:     location,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.CreateMeasurement(ctx, m); err != nil {
		return nil, err
	}

	body, err := EncodeRequest(AnalysisRequest{
		MeasurementID: id,
		Location:      location,
		SamplingRate:  input.SamplingRate,
	})
	if err != nil {
		return nil, err
	}

	if err := s.publisher.PublishRequest(ctx, body); err != nil {
		s.logger.Error("failed to publish analysis request",
			slog.String("measurement_id", id),
			slog.Any("error", err))

		if _, rollbackErr := s.store.UpdateErrors(ctx, id, domain.ErrorList{"failed to dispatch for analysis"}); rollbackErr != nil {
			s.logger.Error("failed to mark undispatched measurement",
				slog.String("measurement_id", id),
				slog.Any("error", rollbackErr))
		}

		return nil, fmt.Errorf("%w: %v", domain.ErrDelivery, err)
	}

	s.notifier.Notify(ownerID, notify.StatusChanged(id, domain.StatusProcessing))

	s.logger.Info("measurement submitted",
		slog.String("measurement_id", id),
		slog.String("owner_id", ownerID),
		slog.Int("fs", input.SamplingRate),
		slog.String("tag", tag))

	return m, nil
}

// Get returns the owner's measurement. An id held by another owner is
// reported as not found.
func (s *Service) Get(ctx context.Context, id, ownerID string) (*domain.Measurement, error) {
	return s.store.GetMeasurementForOwner(ctx, id, ownerID)
}

// List returns one page of the owner's measurements, newest first, and the
// owner's total count. Out-of-range paging inputs are clamped.
func (s *Service) List(ctx context.Context, ownerID string, limit, offset int) ([]domain.Measurement, int, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	return s.store.ListMeasurements(ctx, ownerID, limit, offset)
}

// SetTag reclassifies the owner's measurement and fans out the change.
func (s *Service) SetTag(ctx context.Context, id, ownerID, tag string) (*domain.Measurement, error) {
	if !domain.ValidTag(tag) {
		return nil, domain.NewValidationError("tag", fmt.Sprintf("unknown tag %q", tag))
	}

	m, err := s.store.UpdateTag(ctx, id, ownerID, tag)
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(m.OwnerID, notify.TagChanged(m.ID, m.Tag))

	return m, nil
}

// ApplyResult records a successful analysis outcome. Re-applying an outcome
// for the same id overwrites the previous one; the last write wins.
func (s *Service) ApplyResult(ctx context.Context, id string, features map[string]float64, summary string) error {
	m, err := s.store.UpdateResults(ctx, id, domain.FeatureMap(features), summary)
	if err != nil {
		return err
	}

	s.notifier.Notify(m.OwnerID, notify.ResultsReady(m.ID, m.Results))

	s.logger.Info("analysis result applied",
		slog.String("measurement_id", id),
		slog.Int("features", len(features)))

	return nil
}

// ApplyError records a failed analysis outcome. Like ApplyResult it is
// last-write-wins.
func (s *Service) ApplyError(ctx context.Context, id string, errs []string) error {
	m, err := s.store.UpdateErrors(ctx, id, domain.ErrorList(errs))
	if err != nil {
		return err
	}

	s.notifier.Notify(m.OwnerID, notify.ErrorOccurred(m.ID, m.Errors))

	s.logger.Warn("analysis error applied",
		slog.String("measurement_id", id),
		slog.Any("errors", errs))

	return nil
}
