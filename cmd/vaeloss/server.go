package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-vaeloss/internal/client"
	"github.com/23skdu/longbow-vaeloss/internal/codec"
	"github.com/23skdu/longbow-vaeloss/internal/device"
	"github.com/23skdu/longbow-vaeloss/internal/distribution"
	"github.com/23skdu/longbow-vaeloss/internal/loss"
)

const (
	cborContentType  = "application/cbor"
	arrowContentType = "application/vnd.apache.arrow.stream"
)

var (
	batchesEvaluated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaeloss_batches_evaluated_total",
		Help: "The total number of batches evaluated",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaeloss_request_duration_seconds",
		Help:    "Time spent processing loss requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	sinkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaeloss_sink_errors_total",
		Help: "Results that could not be forwarded to the Flight sink",
	})
)

var tracer = otel.Tracer("vaeloss-server")

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

type Server struct {
	evaluator     loss.Evaluator
	backend       device.Backend
	flightClient  FlightClientInterface
	datasetName   string
	deterministic bool
	alloc         memory.Allocator
	sem           *semaphore.Weighted
	maxWeight     int64
}

func NewServer(evaluator loss.Evaluator, backend device.Backend, fc FlightClientInterface, dataset string, maxConcurrent int) *Server {
	return &Server{
		evaluator:    evaluator,
		backend:      backend,
		flightClient: fc,
		datasetName:  dataset,
		alloc:        memory.NewGoAllocator(),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		maxWeight:    int64(maxConcurrent),
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/loss", s.handleLoss)
	mux.HandleFunc("/loss/arrow", s.handleLossArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Msg("Starting VAE loss server")
	if srv.flightClient != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding results to Flight sink")
	}

	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// evaluate runs the loss on one batch under admission control. Shape and
// placement panics from the tensor layer come back as errors.
func (s *Server) evaluate(ctx context.Context, batch *codec.Batch) (resp codec.LossResponse, err error) {
	weight := int64(batch.Size())
	if weight > s.maxWeight {
		weight = s.maxWeight
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return codec.LossResponse{}, err
	}
	defer s.sem.Release(weight)

	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("evaluate: %w", e)
				return
			}
			err = fmt.Errorf("evaluate: %v", r)
		}
	}()

	res, err := s.evaluator.Forward(ctx, batch.Inputs, batch.Reconstructions, batch.Posteriors, batch.Weights)
	if err != nil {
		return codec.LossResponse{}, err
	}
	batchesEvaluated.Inc()
	return codec.NewLossResponse(uuid.NewString(), res), nil
}

// forward sends results to the sink. Failures are logged and counted; the
// caller still gets its results.
func (s *Server) forward(ctx context.Context, results []codec.LossResponse) {
	if s.flightClient == nil || len(results) == 0 {
		return
	}
	rec := codec.BuildResultRecord(s.alloc, results)
	defer rec.Release()
	if err := s.flightClient.DoPut(ctx, s.datasetName, rec); err != nil {
		sinkErrors.Add(float64(len(results)))
		log.Error().Err(err).Int("count", len(results)).Msg("Error forwarding results to Flight sink")
	}
}

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, codec.ErrPayload),
		errors.Is(err, device.ErrShape),
		errors.Is(err, device.ErrPlacement),
		errors.Is(err, distribution.ErrOddChannels),
		errors.Is(err, distribution.ErrRank):
		return http.StatusBadRequest
	case errors.Is(err, client.ErrCircuitOpen), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleLoss(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleLoss")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("loss").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req codec.LossRequest
	if err := codec.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	batch, err := req.Decode(s.backend)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.IntSlice("shape", batch.Inputs.Shape()))

	resp, err := s.evaluate(ctx, batch)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("trace_id", traceID(ctx)).Msg("Loss evaluation failed")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	s.forward(ctx, []codec.LossResponse{resp})

	body, err := codec.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", cborContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleLossArrow evaluates every tensor record batch of an Arrow IPC stream
// and answers with one result row per batch. ?deterministic=true overrides the
// server default.
func (s *Server) handleLossArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleLossArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("loss_arrow").Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	deterministic := s.deterministic
	if v := r.URL.Query().Get("deterministic"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("Bad Request: deterministic=%q", v), http.StatusBadRequest)
			return
		}
		deterministic = b
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var results []codec.LossResponse
	for reader.Next() {
		batch, err := codec.BatchFromRecord(reader.Record(), s.backend, deterministic)
		if err != nil {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("Bad Request (batch %d): %v", len(results), err), http.StatusBadRequest)
			return
		}
		resp, err := s.evaluate(ctx, batch)
		if err != nil {
			span.RecordError(err)
			log.Error().Err(err).Str("trace_id", traceID(ctx)).Int("batch", len(results)).Msg("Loss evaluation failed")
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		results = append(results, resp)
	}
	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		http.Error(w, "Stream error", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("batches", len(results)))
	s.forward(ctx, results)

	rec := codec.BuildResultRecord(s.alloc, results)
	defer rec.Release()
	w.Header().Set("Content-Type", arrowContentType)
	w.WriteHeader(http.StatusOK)
	if err := writeArrowStream(w, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
