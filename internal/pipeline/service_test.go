package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pulselab/ecg-be/internal/domain"
	"github.com/pulselab/ecg-be/internal/filestore"
	"github.com/pulselab/ecg-be/internal/notify"
	"github.com/pulselab/ecg-be/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store for pipeline tests.
type memStore struct {
	mu        sync.Mutex
	items     map[string]*domain.Measurement
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{items: map[string]*domain.Measurement{}}
}

func (s *memStore) CreateMeasurement(_ context.Context, m *domain.Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.items[m.ID] = &cp
	return nil
}

func (s *memStore) GetMeasurement(_ context.Context, id string) (*domain.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) GetMeasurementForOwner(_ context.Context, id, ownerID string) (*domain.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok || m.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) ListMeasurements(_ context.Context, ownerID string, limit, offset int) ([]domain.Measurement, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := []domain.Measurement{}
	for _, m := range s.items {
		if m.OwnerID == ownerID {
			owned = append(owned, *m)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if !owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].CreatedAt.After(owned[j].CreatedAt)
		}
		return owned[i].ID > owned[j].ID
	})

	total := len(owned)
	if offset >= total {
		return []domain.Measurement{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return owned[offset:end], total, nil
}

func (s *memStore) UpdateTag(_ context.Context, id, ownerID, tag string) (*domain.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok || m.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	m.Tag = tag
	m.UpdatedAt = time.Now().UTC()
	cp := *m
	return &cp, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Status = status
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) UpdateResults(_ context.Context, id string, results domain.FeatureMap, summary string) (*domain.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	m, ok := s.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	m.Status = domain.StatusDone
	m.Results = results
	m.Summary = summary
	m.Errors = nil
	m.UpdatedAt = time.Now().UTC()
	cp := *m
	return &cp, nil
}

func (s *memStore) UpdateErrors(_ context.Context, id string, errs domain.ErrorList) (*domain.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	m, ok := s.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	m.Status = domain.StatusError
	m.Errors = errs
	m.Results = nil
	m.Summary = ""
	m.UpdatedAt = time.Now().UTC()
	cp := *m
	return &cp, nil
}

func (s *memStore) ListStaleProcessing(_ context.Context, cutoff time.Time) ([]domain.Measurement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := []domain.Measurement{}
	for _, m := range s.items {
		if m.Status == domain.StatusProcessing && m.UpdatedAt.Before(cutoff) {
			stale = append(stale, *m)
		}
	}
	return stale, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	bodies [][]byte
	err    error
}

func (p *fakePublisher) PublishRequest(_ context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	return nil
}

type notification struct {
	owner string
	event notify.Event
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *fakeNotifier) Notify(owner string, event notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{owner: owner, event: event})
}

func (n *fakeNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification{}, n.events...)
}

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

type serviceFixture struct {
	service   *Service
	store     *memStore
	publisher *fakePublisher
	notifier  *fakeNotifier
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	files, err := filestore.NewLocal(t.TempDir())
	require.NoError(t, err)

	store := newMemStore()
	publisher := &fakePublisher{}
	notifier := &fakeNotifier{}

	return &serviceFixture{
		service:   NewService(store, files, publisher, notifier, testLogger()),
		store:     store,
		publisher: publisher,
		notifier:  notifier,
	}
}

func TestService_Submit(t *testing.T) {
	fx := newServiceFixture(t)

	m, err := fx.service.Submit(context.Background(), "user-1", SubmitInput{
		Data:         []byte("t,ECG\n0,0.1\n"),
		Format:       "csv",
		SamplingRate: 250,
		Tag:          domain.TagExercise,
		SampleCount:  500,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "user-1", m.OwnerID)
	assert.Equal(t, domain.StatusProcessing, m.Status)
	assert.Equal(t, domain.TagExercise, m.Tag)
	assert.Equal(t, 250, m.SamplingRate)
	assert.InDelta(t, 2.0, m.DurationSec, 1e-9)
	assert.NotEmpty(t, m.Location)

	// work envelope carries the correlation id and the signal handle
	require.Len(t, fx.publisher.bodies, 1)
	var req AnalysisRequest
	require.NoError(t, json.Unmarshal(fx.publisher.bodies[0], &req))
	assert.Equal(t, m.ID, req.MeasurementID)
	assert.Equal(t, m.Location, req.Location)
	assert.Equal(t, 250, req.SamplingRate)

	events := fx.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, "user-1", events[0].owner)
	assert.Equal(t, notify.EventStatusChanged, events[0].event.Type)
	assert.Equal(t, m.ID, events[0].event.MeasurementID)
	assert.Equal(t, domain.StatusProcessing, events[0].event.Status)
}

func TestService_SubmitValidation(t *testing.T) {
	tests := []struct {
		name  string
		input SubmitInput
		field string
	}{
		{
			name:  "empty payload",
			input: SubmitInput{Format: "csv", SamplingRate: 250, Tag: domain.TagRest},
			field: "file",
		},
		{
			name:  "sampling rate below minimum",
			input: SubmitInput{Data: []byte("x"), Format: "csv", SamplingRate: 49, Tag: domain.TagRest},
			field: "fs",
		},
		{
			name:  "sampling rate above maximum",
			input: SubmitInput{Data: []byte("x"), Format: "csv", SamplingRate: 2001, Tag: domain.TagRest},
			field: "fs",
		},
		{
			name:  "unknown tag",
			input: SubmitInput{Data: []byte("x"), Format: "csv", SamplingRate: 250, Tag: "sprint"},
			field: "tag",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newServiceFixture(t)

			m, err := fx.service.Submit(context.Background(), "user-1", tt.input)
			require.Error(t, err)
			assert.Nil(t, m)
			assert.True(t, domain.IsValidation(err))

			var vErr *domain.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)

			// nothing persisted or published on rejection
			assert.Empty(t, fx.store.items)
			assert.Empty(t, fx.publisher.bodies)
			assert.Empty(t, fx.notifier.all())
		})
	}
}

func TestService_SubmitDefaultTag(t *testing.T) {
	fx := newServiceFixture(t)

	m, err := fx.service.Submit(context.Background(), "user-1", SubmitInput{
		Data:         []byte("x"),
		Format:       "csv",
		SamplingRate: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TagDaily, m.Tag)
}

func TestService_SubmitDeliveryFailure(t *testing.T) {
	fx := newServiceFixture(t)
	fx.publisher.err = errors.New("broker unavailable")

	m, err := fx.service.Submit(context.Background(), "user-1", SubmitInput{
		Data:         []byte("x"),
		Format:       "csv",
		SamplingRate: 100,
		Tag:          domain.TagRest,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDelivery)
	assert.Nil(t, m)

	// the record is not left processing with no work item behind it
	require.Len(t, fx.store.items, 1)
	for _, stored := range fx.store.items {
		assert.Equal(t, domain.StatusError, stored.Status)
		assert.NotEmpty(t, stored.Errors)
	}
}

func TestService_GetOwnerScoping(t *testing.T) {
	fx := newServiceFixture(t)

	m, err := fx.service.Submit(context.Background(), "user-1", SubmitInput{
		Data: []byte("x"), Format: "csv", SamplingRate: 100, Tag: domain.TagRest,
	})
	require.NoError(t, err)

	got, err := fx.service.Get(context.Background(), m.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)

	// another owner's id behaves exactly like a missing one
	_, err = fx.service.Get(context.Background(), m.ID, "user-2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = fx.service.Get(context.Background(), "no-such-id", "user-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_ListPagination(t *testing.T) {
	fx := newServiceFixture(t)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		fx.store.items[id] = &domain.Measurement{
			ID:        id,
			OwnerID:   "user-1",
			Status:    domain.StatusDone,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
	}
	fx.store.items["other"] = &domain.Measurement{
		ID: "other", OwnerID: "user-2", Status: domain.StatusDone, CreatedAt: base,
	}

	items, total, err := fx.service.List(context.Background(), "user-1", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, items, 2)
	assert.Equal(t, "e", items[0].ID)
	assert.Equal(t, "d", items[1].ID)

	items, total, err = fx.service.List(context.Background(), "user-1", 2, 4)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].ID)

	// past the end is an empty page, not an error
	items, total, err = fx.service.List(context.Background(), "user-1", 2, 100)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, items)

	// zero limit falls back to the default, negative offset to zero
	items, _, err = fx.service.List(context.Background(), "user-1", 0, -3)
	require.NoError(t, err)
	assert.Len(t, items, 5)
}

func TestService_SetTag(t *testing.T) {
	fx := newServiceFixture(t)

	m, err := fx.service.Submit(context.Background(), "user-1", SubmitInput{
		Data: []byte("x"), Format: "csv", SamplingRate: 100, Tag: domain.TagRest,
	})
	require.NoError(t, err)

	updated, err := fx.service.SetTag(context.Background(), m.ID, "user-1", domain.TagExercise)
	require.NoError(t, err)
	assert.Equal(t, domain.TagExercise, updated.Tag)
	// reclassification does not touch processing state
	assert.Equal(t, domain.StatusProcessing, updated.Status)

	events := fx.notifier.all()
	last := events[len(events)-1]
	assert.Equal(t, notify.EventTagChanged, last.event.Type)
	assert.Equal(t, domain.TagExercise, last.event.Tag)

	_, err = fx.service.SetTag(context.Background(), m.ID, "user-1", "bogus")
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))

	_, err = fx.service.SetTag(context.Background(), m.ID, "user-2", domain.TagDaily)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_ApplyResultAndError(t *testing.T) {
	fx := newServiceFixture(t)

	m, err := fx.service.Submit(context.Background(), "user-1", SubmitInput{
		Data: []byte("x"), Format: "csv", SamplingRate: 100, Tag: domain.TagRest,
	})
	require.NoError(t, err)

	features := map[string]float64{"hr_mean": 72, "sample_count": 500}
	require.NoError(t, fx.service.ApplyResult(context.Background(), m.ID, features, "normal sinus rhythm"))

	stored, err := fx.store.GetMeasurement(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, stored.Status)
	assert.InDelta(t, 72.0, stored.Results["hr_mean"], 1e-9)
	assert.Equal(t, "normal sinus rhythm", stored.Summary)
	assert.Nil(t, stored.Errors)

	events := fx.notifier.all()
	last := events[len(events)-1]
	assert.Equal(t, notify.EventResultsReady, last.event.Type)
	assert.Equal(t, "user-1", last.owner)

	// a later outcome for the same id simply overwrites the previous one
	require.NoError(t, fx.service.ApplyError(context.Background(), m.ID, []string{"lead fell off"}))

	stored, err = fx.store.GetMeasurement(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, stored.Status)
	assert.Equal(t, domain.ErrorList{"lead fell off"}, stored.Errors)
	// the error outcome fully replaces the success one
	assert.Nil(t, stored.Results)
	assert.Empty(t, stored.Summary)

	events = fx.notifier.all()
	last = events[len(events)-1]
	assert.Equal(t, notify.EventErrorOccurred, last.event.Type)
	assert.Equal(t, []string{"lead fell off"}, last.event.Errors)
}

func TestService_ApplyResultRedelivery(t *testing.T) {
	fx := newServiceFixture(t)

	m, err := fx.service.Submit(context.Background(), "user-1", SubmitInput{
		Data: []byte("x"), Format: "csv", SamplingRate: 100, Tag: domain.TagRest,
	})
	require.NoError(t, err)

	features := map[string]float64{"hr_mean": 68, "sample_count": 250}
	require.NoError(t, fx.service.ApplyResult(context.Background(), m.ID, features, "ok"))

	first, err := fx.store.GetMeasurement(context.Background(), m.ID)
	require.NoError(t, err)

	// a redelivered copy of the same envelope lands on the same final state
	require.NoError(t, fx.service.ApplyResult(context.Background(), m.ID, features, "ok"))

	second, err := fx.store.GetMeasurement(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, first.Summary, second.Summary)
	assert.Nil(t, second.Errors)
}

func TestService_ApplyResultUnknownID(t *testing.T) {
	fx := newServiceFixture(t)

	err := fx.service.ApplyResult(context.Background(), "ghost", map[string]float64{"hr_mean": 70}, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, fx.notifier.all())
}

func TestSweeper_ExpiresStaleProcessing(t *testing.T) {
	fx := newServiceFixture(t)

	old := time.Now().UTC().Add(-time.Hour)
	fx.store.items["stale"] = &domain.Measurement{
		ID: "stale", OwnerID: "user-1", Status: domain.StatusProcessing,
		CreatedAt: old, UpdatedAt: old,
	}
	fx.store.items["fresh"] = &domain.Measurement{
		ID: "fresh", OwnerID: "user-1", Status: domain.StatusProcessing,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}

	sweeper := NewSweeper(fx.store, fx.service, time.Minute, 10*time.Minute, testLogger())
	sweeper.sweep(context.Background())

	stale, err := fx.store.GetMeasurement(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, stale.Status)
	assert.Equal(t, domain.ErrorList{staleReason}, stale.Errors)

	fresh, err := fx.store.GetMeasurement(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, fresh.Status)

	events := fx.notifier.all()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventErrorOccurred, events[0].event.Type)
	assert.Equal(t, "stale", events[0].event.MeasurementID)
}
