package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-vaeloss/internal/cache"
	"github.com/23skdu/longbow-vaeloss/internal/client"
	"github.com/23skdu/longbow-vaeloss/internal/codec"
	"github.com/23skdu/longbow-vaeloss/internal/device"
	"github.com/23skdu/longbow-vaeloss/internal/loss"
)

var (
	cpuProfile       = flag.String("cpuprofile", "", "Write cpu profile to file")
	listenAddr       = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr       = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	sinkAddr         = flag.String("sink", "", "Flight sink address results are forwarded to (e.g. localhost:3000)")
	datasetName      = flag.String("dataset", "vaeloss_results", "Target dataset name on the sink")
	perceptualURL    = flag.String("perceptual-url", "", "URL of a remote perceptual model; empty disables the perceptual term")
	perceptualTO     = flag.Duration("perceptual-timeout", 30*time.Second, "Timeout of one perceptual model call")
	perceptualCache  = flag.Int("perceptual-cache-size", 256, "Number of perceptual distances kept in the LRU cache (0 disables caching)")
	logVarInit       = flag.Float64("logvar-init", 0.0, "Initial value of the learned log-variance")
	klWeight         = flag.Float64("kl-weight", 1.0, "Weight of the KL term")
	pixelWeight      = flag.Float64("pixel-weight", 1.0, "Weight of the pixel term (recorded, not applied)")
	perceptualWeight = flag.Float64("perceptual-weight", 1.0, "Weight of the perceptual term")
	discLoss         = flag.String("disc-loss", "hinge", "Discriminator loss kind (hinge, vanilla)")
	split            = flag.String("split", "train", "Split label used for metrics (train, val)")
	dtypeName        = flag.String("dtype", "fp32", "Tensor dtype for synthetic batches (fp32, fp16, fp64)")
	maxConcurrent    = flag.Int("max-concurrent", 1024, "Maximum number of batch items evaluated at once")
	enableOTel       = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	seed             = flag.Uint64("seed", 1, "Seed of the synthetic batch")
	shapeFlag        = flag.String("shape", "1,3,4,16,16", "Shape B,C,T,H,W of the synthetic batch")
	inputPath        = flag.String("input", "", "Arrow IPC stream holding inputs, reconstructions, posterior and optional weights")
	deterministic    = flag.Bool("deterministic", false, "Treat posteriors as deterministic")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if err := checkLimits(*maxConcurrent, *perceptualCache); err != nil {
		log.Fatal().Err(err).Msg("Invalid flags")
	}

	if *enableOTel {
		shutdown, err := initTracer(os.Stderr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	cfg := loss.Config{
		LogVarInit:       *logVarInit,
		KLWeight:         *klWeight,
		PixelWeight:      *pixelWeight,
		PerceptualWeight: *perceptualWeight,
		DiscLoss:         loss.DiscLoss(*discLoss),
		Split:            *split,
	}
	evaluator, err := newEvaluator(cfg, *perceptualURL, *perceptualTO, *perceptualCache)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create loss")
	}
	backend := device.NewCPUBackend()

	var sink FlightClientInterface
	if *sinkAddr != "" {
		fc, err := client.NewFlightClient(*sinkAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *sinkAddr).Str("dataset", *datasetName).Msg("Forwarding results to Flight sink")
		sink = fc
	}

	if *listenAddr != "" || *flightAddr != "" {
		srv := NewServer(evaluator, backend, sink, *datasetName, *maxConcurrent)
		srv.deterministic = *deterministic
		if *flightAddr != "" {
			go StartFlightServer(*flightAddr, srv)
		}
		if *listenAddr != "" {
			go startServer(*listenAddr, srv)
		}
		select {}
	}

	if err := runProbe(context.Background(), evaluator, backend, sink, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("Probe failed")
	}
}

// checkLimits rejects flag values that would silently disable admission
// control or the perceptual cache bound.
func checkLimits(maxConcurrent, cacheSize int) error {
	if maxConcurrent < 1 {
		return fmt.Errorf("-max-concurrent must be at least 1, got %d", maxConcurrent)
	}
	if cacheSize < 0 {
		return fmt.Errorf("-perceptual-cache-size must not be negative, got %d", cacheSize)
	}
	return nil
}

// newEvaluator returns the perceptual variant when a remote model is
// configured and the plain variant otherwise. Remote distances go through an
// LRU cache of cacheSize entries unless cacheSize is 0.
func newEvaluator(cfg loss.Config, url string, timeout time.Duration, cacheSize int) (loss.Evaluator, error) {
	if url == "" {
		if cfg.PerceptualWeight > 0 {
			log.Warn().Float64("perceptual_weight", cfg.PerceptualWeight).Msg("No perceptual model configured, perceptual term disabled")
		}
		return loss.NewVAE3D(cfg)
	}
	pc := client.NewPerceptualClient(url, timeout)
	log.Info().Str("url", url).Int("cache_size", cacheSize).Msg("Using remote perceptual model")

	fn := loss.PerceptualFunc(pc.Distance)
	if cacheSize > 0 {
		c, err := cache.NewLRUCache(cacheSize)
		if err != nil {
			return nil, err
		}
		fn = loss.CachedPerceptual(fn, c)
	}
	return loss.NewVAE3DPerceptual(cfg, fn)
}

// runProbe evaluates one batch (synthetic or read from -input) and writes the
// result as an Arrow IPC stream, or forwards it to the sink when one is set.
func runProbe(ctx context.Context, evaluator loss.Evaluator, backend device.Backend, sink FlightClientInterface, out io.Writer) error {
	src := rand.NewPCG(*seed, *seed)

	var batch *codec.Batch
	var err error
	if *inputPath != "" {
		batch, err = readBatchFile(*inputPath, backend, *deterministic)
	} else {
		batch, err = syntheticBatch(backend, *shapeFlag, *dtypeName, src, *deterministic)
	}
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := evaluator.Forward(ctx, batch.Inputs, batch.Reconstructions, batch.Posteriors, batch.Weights)
	if err != nil {
		return err
	}
	log.Info().
		Ints("shape", batch.Inputs.Shape()).
		Dur("elapsed", time.Since(start)).
		Float64("loss", res.Loss).
		Float64("nll", res.NLL).
		Float64("kl", res.KL).
		Float64("rec", res.Rec).
		Float64("logvar_grad", res.LogVarGrad).
		Msg("Evaluated loss")

	rec := codec.BuildResultRecord(memory.NewGoAllocator(), []codec.LossResponse{codec.NewLossResponse(uuid.NewString(), res)})
	defer rec.Release()

	if sink != nil {
		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := sink.DoPut(ctx, *datasetName, rec); err != nil {
			return fmt.Errorf("flight DoPut: %w", err)
		}
		log.Info().Msg("Successfully sent result to Flight sink")
		return nil
	}
	return writeArrowStream(out, rec)
}

func readBatchFile(path string, backend device.Backend, deterministic bool) (*codec.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader, err := ipc.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer reader.Release()

	if !reader.Next() {
		if reader.Err() != nil {
			return nil, fmt.Errorf("read %s: %w", path, reader.Err())
		}
		return nil, fmt.Errorf("read %s: no record batch", path)
	}
	return codec.BatchFromRecord(reader.Record(), backend, deterministic)
}

// syntheticBatch builds inputs ~ N(0,1), reconstructions off by 0.1·N(0,1)
// and a posterior with as many latent channels as the input has.
func syntheticBatch(backend device.Backend, shapeSpec, dtypeSpec string, src rand.Source, deterministic bool) (*codec.Batch, error) {
	shape, err := parseShape(shapeSpec)
	if err != nil {
		return nil, err
	}
	dtype, err := device.ParseDType(dtypeSpec)
	if err != nil {
		return nil, err
	}

	zeros := backend.NewTensor(shape, dtype, make([]float64, numel(shape)))
	inputs := zeros.RandNLike(src)
	noise := zeros.RandNLike(src).Scale(0.1)
	recons := inputs.Add(noise)

	paramShape := append([]int(nil), shape...)
	paramShape[1] *= 2
	params := backend.NewTensor(paramShape, dtype, make([]float64, numel(paramShape))).RandNLike(src).Scale(0.5)

	return codec.NewBatch(inputs, recons, params, nil, deterministic)
}

func parseShape(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	shape := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid shape %q", s)
		}
		shape = append(shape, n)
	}
	if len(shape) < 2 {
		return nil, fmt.Errorf("shape %q needs at least batch and channel axes", s)
	}
	return shape, nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// initTracer exports spans to w. The probe writes its Arrow result to stdout,
// so spans must go elsewhere.
func initTracer(w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("vaeloss"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
