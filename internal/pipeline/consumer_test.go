package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/pulselab/ecg-be/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAck struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAck) Ack(uint64, bool) error {
	f.acked = true
	return nil
}

func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAck) Reject(uint64, bool) error {
	return nil
}

type fakeBroker struct {
	mu          sync.Mutex
	deadLetters [][]byte
	dlqErr      error
}

func (b *fakeBroker) ConsumeResponses(string) (<-chan amqp.Delivery, error) {
	ch := make(chan amqp.Delivery)
	close(ch)
	return ch, nil
}

func (b *fakeBroker) PublishDeadLetter(_ context.Context, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dlqErr != nil {
		return b.dlqErr
	}
	b.deadLetters = append(b.deadLetters, body)
	return nil
}

func delivery(ack *fakeAck, body []byte) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, Body: body}
}

func encodeResponse(t *testing.T, resp AnalysisResponse) []byte {
	t.Helper()
	body, err := json.Marshal(resp)
	require.NoError(t, err)
	return body
}

func TestConsumer_AppliesOKResponse(t *testing.T) {
	fx := newServiceFixture(t)
	broker := &fakeBroker{}
	consumer := NewConsumer(broker, fx.service, testLogger())

	m, err := fx.service.Submit(context.Background(), "user-1", SubmitInput{
		Data: []byte("x"), Format: "csv", SamplingRate: 100, Tag: domain.TagRest,
	})
	require.NoError(t, err)

	ack := &fakeAck{}
	consumer.handle(context.Background(), delivery(ack, encodeResponse(t, AnalysisResponse{
		MeasurementID: m.ID,
		Status:        ResponseOK,
		Features:      map[string]float64{"hr_mean": 72},
		Summary:       "all good",
	})))

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Empty(t, broker.deadLetters)
	assert.Zero(t, consumer.Dropped())

	stored, err := fx.store.GetMeasurement(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, stored.Status)
	assert.InDelta(t, 72.0, stored.Results["hr_mean"], 1e-9)
	assert.Equal(t, "all good", stored.Summary)
}

func TestConsumer_AppliesErrorResponse(t *testing.T) {
	fx := newServiceFixture(t)
	broker := &fakeBroker{}
	consumer := NewConsumer(broker, fx.service, testLogger())

	m, err := fx.service.Submit(context.Background(), "user-1", SubmitInput{
		Data: []byte("x"), Format: "csv", SamplingRate: 100, Tag: domain.TagRest,
	})
	require.NoError(t, err)

	ack := &fakeAck{}
	consumer.handle(context.Background(), delivery(ack, encodeResponse(t, AnalysisResponse{
		MeasurementID: m.ID,
		Status:        ResponseError,
	})))

	assert.True(t, ack.acked)

	stored, err := fx.store.GetMeasurement(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, stored.Status)
	// a reported failure with no detail still carries a human-readable entry
	assert.Equal(t, domain.ErrorList{"analysis failed"}, stored.Errors)
}

func TestConsumer_DeadLettersMalformedPayload(t *testing.T) {
	fx := newServiceFixture(t)
	broker := &fakeBroker{}
	consumer := NewConsumer(broker, fx.service, testLogger())

	tests := []struct {
		name string
		body []byte
	}{
		{"invalid json", []byte("{not json")},
		{"missing id", encodeResponse(t, AnalysisResponse{Status: ResponseOK})},
		{"unknown status", []byte(`{"measurement_id":"abc","status":"maybe"}`)},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAck{}
			consumer.handle(context.Background(), delivery(ack, tt.body))

			assert.True(t, ack.acked)
			assert.False(t, ack.nacked)
			assert.Equal(t, uint64(i+1), consumer.Dropped())
			require.Len(t, broker.deadLetters, i+1)
			assert.Equal(t, tt.body, broker.deadLetters[i])
		})
	}

	// no record was touched
	assert.Empty(t, fx.store.items)
}

func TestConsumer_DeadLettersUnknownMeasurement(t *testing.T) {
	fx := newServiceFixture(t)
	broker := &fakeBroker{}
	consumer := NewConsumer(broker, fx.service, testLogger())

	body := encodeResponse(t, AnalysisResponse{
		MeasurementID: "ghost",
		Status:        ResponseOK,
		Features:      map[string]float64{"hr_mean": 70},
	})

	ack := &fakeAck{}
	consumer.handle(context.Background(), delivery(ack, body))

	assert.True(t, ack.acked)
	assert.Equal(t, uint64(1), consumer.Dropped())
	require.Len(t, broker.deadLetters, 1)
	assert.Equal(t, body, broker.deadLetters[0])
}

func TestConsumer_RequeuesOnTransientFailure(t *testing.T) {
	fx := newServiceFixture(t)
	broker := &fakeBroker{}
	consumer := NewConsumer(broker, fx.service, testLogger())

	m, err := fx.service.Submit(context.Background(), "user-1", SubmitInput{
		Data: []byte("x"), Format: "csv", SamplingRate: 100, Tag: domain.TagRest,
	})
	require.NoError(t, err)

	fx.store.updateErr = errors.New("connection reset")

	ack := &fakeAck{}
	consumer.handle(context.Background(), delivery(ack, encodeResponse(t, AnalysisResponse{
		MeasurementID: m.ID,
		Status:        ResponseOK,
	})))

	assert.False(t, ack.acked)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
	assert.Empty(t, broker.deadLetters)
	assert.Zero(t, consumer.Dropped())
}

func TestConsumer_RequeuesWhenDeadLetterFails(t *testing.T) {
	fx := newServiceFixture(t)
	broker := &fakeBroker{dlqErr: errors.New("broker unavailable")}
	consumer := NewConsumer(broker, fx.service, testLogger())

	ack := &fakeAck{}
	consumer.handle(context.Background(), delivery(ack, []byte("{not json")))

	assert.False(t, ack.acked)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
	assert.Zero(t, consumer.Dropped())
}

// Full round-trip of one submission through the queue envelopes and back.
func TestPipeline_RoundTrip(t *testing.T) {
	fx := newServiceFixture(t)
	broker := &fakeBroker{}
	consumer := NewConsumer(broker, fx.service, testLogger())

	m, err := fx.service.Submit(context.Background(), "user-1", SubmitInput{
		Data:         []byte("t,ECG\n0,0.1\n"),
		Format:       "csv",
		SamplingRate: 250,
		Tag:          domain.TagExercise,
	})
	require.NoError(t, err)

	require.Len(t, fx.publisher.bodies, 1)
	var req AnalysisRequest
	require.NoError(t, json.Unmarshal(fx.publisher.bodies[0], &req))

	// the response is correlated by id alone
	ack := &fakeAck{}
	consumer.handle(context.Background(), delivery(ack, encodeResponse(t, AnalysisResponse{
		MeasurementID: req.MeasurementID,
		Status:        ResponseOK,
		Features:      map[string]float64{"hr_mean": 72},
		Summary:       "resting heart rate in range",
	})))
	require.True(t, ack.acked)

	stored, err := fx.service.Get(context.Background(), m.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, stored.Status)
	assert.InDelta(t, 72.0, stored.Results["hr_mean"], 1e-9)
	assert.Equal(t, "resting heart rate in range", stored.Summary)
}

// Responses may arrive in any order relative to the requests that caused
// them. Every record must still end up with its own payload.
func TestPipeline_OutOfOrderResponses(t *testing.T) {
	fx := newServiceFixture(t)
	broker := &fakeBroker{}
	consumer := NewConsumer(broker, fx.service, testLogger())

	const jobs = 8
	want := map[string]float64{}
	for i := 0; i < jobs; i++ {
		m, err := fx.service.Submit(context.Background(), "user-1", SubmitInput{
			Data: []byte("x"), Format: "csv", SamplingRate: 100, Tag: domain.TagRest,
		})
		require.NoError(t, err)
		want[m.ID] = float64(60 + i)
	}
	require.Len(t, fx.publisher.bodies, jobs)

	responses := make([][]byte, 0, jobs)
	for _, body := range fx.publisher.bodies {
		var req AnalysisRequest
		require.NoError(t, json.Unmarshal(body, &req))
		responses = append(responses, encodeResponse(t, AnalysisResponse{
			MeasurementID: req.MeasurementID,
			Status:        ResponseOK,
			Features:      map[string]float64{"hr_mean": want[req.MeasurementID]},
			Summary:       "done",
		}))
	}

	rng := rand.New(rand.NewSource(42))
	rng.Shuffle(len(responses), func(i, j int) {
		responses[i], responses[j] = responses[j], responses[i]
	})

	for _, body := range responses {
		ack := &fakeAck{}
		consumer.handle(context.Background(), delivery(ack, body))
		require.True(t, ack.acked)
	}

	for id, hr := range want {
		stored, err := fx.service.Get(context.Background(), id, "user-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDone, stored.Status)
		assert.InDelta(t, hr, stored.Results["hr_mean"], 1e-9)
	}
	assert.Empty(t, broker.deadLetters)
	assert.Zero(t, consumer.Dropped())
}
