package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pulselab/ecg-be/internal/filestore"
	"github.com/pulselab/ecg-be/internal/pipeline"
	"github.com/pulselab/ecg-be/shared/logger"
)

// Broker is the queue surface the analysis worker requires.
type Broker interface {
	ConsumeRequests(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
	PublishResponse(ctx context.Context, body []byte) error
	PublishDeadLetter(ctx context.Context, body []byte) error
}

// Config holds worker configuration
type Config struct {
	Logger      *logger.Logger
	Broker      Broker
	Files       filestore.Store
	Concurrency int
	Prefetch    int
	JobTimeout  time.Duration
}

// Worker consumes analysis requests, computes signal features and publishes
// the outcome back under the same measurement id.
type Worker struct {
	logger      *logger.Logger
	broker      Broker
	files       filestore.Store
	concurrency int
	prefetch    int
	jobTimeout  time.Duration
	wg          sync.WaitGroup
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = cfg.Concurrency
	}

	return &Worker{
		logger:      cfg.Logger,
		broker:      cfg.Broker,
		files:       cfg.Files,
		concurrency: cfg.Concurrency,
		prefetch:    prefetch,
		jobTimeout:  cfg.JobTimeout,
	}
}

// Start subscribes to the request queue and processes deliveries until the
// context is cancelled. It blocks, and returns once all workers exit.
func (w *Worker) Start(ctx context.Context) error {
	deliveries, err := w.broker.ConsumeRequests("ecg-analysis", w.prefetch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to request queue: %w", err)
	}

	w.logger.Info("Starting analysis worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i, deliveries)
	}

	<-ctx.Done()
	w.logger.Info("Analysis worker context canceled, stopping...")
	w.wg.Wait()
	w.logger.Info("Analysis worker stopped")

	return ctx.Err()
}

func (w *Worker) workerLoop(ctx context.Context, workerNum int, deliveries <-chan amqp.Delivery) {
	defer w.wg.Done()

	w.logger.Info("Worker goroutine started", slog.Int("worker_num", workerNum))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.Int("worker_num", workerNum))
			return

		case msg, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Delivery channel closed",
					slog.Int("worker_num", workerNum))
				return
			}
			w.handle(ctx, msg)
		}
	}
}

// handle processes one request delivery end to end. Requests that can never
// be served go to the dead-letter queue; an undeliverable response leaves
// the request requeued.
func (w *Worker) handle(ctx context.Context, msg amqp.Delivery) {
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	var req pipeline.AnalysisRequest
	if err := json.Unmarshal(msg.Body, &req); err != nil || req.MeasurementID == "" {
		w.logger.Error("Unusable analysis request",
			slog.String("body", string(msg.Body)),
			slog.Any("error", err))

		if dlErr := w.broker.PublishDeadLetter(jobCtx, msg.Body); dlErr != nil {
			w.logger.Error("Failed to dead-letter request", slog.Any("error", dlErr))
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	resp := w.analyze(jobCtx, req)

	body, err := json.Marshal(resp)
	if err != nil {
		w.logger.Error("Failed to encode analysis response",
			slog.String("measurement_id", req.MeasurementID),
			slog.Any("error", err))
		_ = msg.Nack(false, true)
		return
	}

	if err := w.broker.PublishResponse(jobCtx, body); err != nil {
		w.logger.Error("Failed to publish analysis response, requeueing request",
			slog.String("measurement_id", req.MeasurementID),
			slog.Any("error", err))
		_ = msg.Nack(false, true)
		return
	}

	if err := msg.Ack(false); err != nil {
		w.logger.Error("Failed to ack request",
			slog.String("measurement_id", req.MeasurementID),
			slog.Any("error", err))
		return
	}

	w.logger.Info("Analysis request completed",
		slog.String("measurement_id", req.MeasurementID),
		slog.String("status", resp.Status))
}

// analyze runs the feature computation and never fails the round-trip: any
// problem is reported as an error response under the request's id.
func (w *Worker) analyze(ctx context.Context, req pipeline.AnalysisRequest) pipeline.AnalysisResponse {
	data, err := w.files.Get(ctx, req.Location)
	if err != nil {
		w.logger.Error("Failed to load recording",
			slog.String("measurement_id", req.MeasurementID),
			slog.String("location", req.Location),
			slog.Any("error", err))
		return errorResponse(req.MeasurementID, "failed to load recording")
	}

	samples, err := ParseCSV(data)
	if err != nil {
		return errorResponse(req.MeasurementID, err.Error())
	}

	features, err := ComputeFeatures(samples, req.SamplingRate)
	if err != nil {
		return errorResponse(req.MeasurementID, err.Error())
	}

	return pipeline.AnalysisResponse{
		MeasurementID: req.MeasurementID,
		Status:        pipeline.ResponseOK,
		Features:      features,
		Summary:       Summarize(features),
	}
}

func errorResponse(id, reason string) pipeline.AnalysisResponse {
	return pipeline.AnalysisResponse{
		MeasurementID: id,
		Status:        pipeline.ResponseError,
		Error:         reason,
	}
}
