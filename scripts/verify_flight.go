//go:build ignore

package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-vaeloss/internal/codec"
	"github.com/23skdu/longbow-vaeloss/internal/device"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to VAE loss Flight server")

	// Retry connection loop
	var c flight.Client
	var err error

	for i := 0; i < 10; i++ {
		c, err = flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Connection failed, retrying...")
		time.Sleep(1 * time.Second)
	}

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect after retries")
	}
	defer c.Close()

	// |inputs - reconstructions| = 1 and a standard normal posterior give
	// loss = numel / batch with the default logvar of 0.
	b := device.NewCPUBackend()
	shape := []int{2, 1, 2, 2, 2}
	ones := make([]float64, 16)
	for i := range ones {
		ones[i] = 1
	}
	inputs := b.NewTensor(shape, device.Float32, ones)
	recons := b.NewTensor(shape, device.Float32, nil)
	post := b.NewTensor([]int{2, 2, 1, 1, 1}, device.Float32, nil)

	rec := codec.BuildTensorRecord(memory.NewGoAllocator(), []codec.NamedTensor{
		{Name: codec.NameInputs, Tensor: inputs},
		{Name: codec.NameReconstructions, Tensor: recons},
		{Name: codec.NamePosterior, Tensor: post},
	})
	defer rec.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	stream, err := c.DoPut(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("DoPut failed")
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	if err := w.Write(rec); err != nil {
		log.Fatal().Err(err).Msg("Write failed")
	}
	if err := w.Close(); err != nil {
		log.Fatal().Err(err).Msg("Close failed")
	}
	if err := stream.CloseSend(); err != nil {
		log.Fatal().Err(err).Msg("CloseSend failed")
	}

	var results []codec.LossResponse
	for {
		pr, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatal().Err(err).Msg("Recv failed")
		}
		var resp codec.LossResponse
		if err := codec.Unmarshal(pr.AppMetadata, &resp); err != nil {
			log.Fatal().Err(err).Msg("Bad PutResult metadata")
		}
		results = append(results, resp)
	}
	elapsed := time.Since(start)

	log.Info().Dur("elapsed", elapsed).Int("results", len(results)).Msg("Received loss results")

	if len(results) != 1 {
		log.Fatal().Int("expected", 1).Int("got", len(results)).Msg("Count mismatch")
	}

	got := results[0]
	log.Info().
		Str("id", got.ID).
		Float64("loss", got.Loss).
		Float64("nll", got.NLL).
		Float64("kl", got.KL).
		Msg("Result")

	if math.Abs(got.Loss-8) > 1e-9 || math.Abs(got.KL) > 1e-9 {
		log.Fatal().Float64("loss", got.Loss).Float64("kl", got.KL).Msg("Unexpected values (expected loss 8, kl 0)")
	}

	fmt.Println("VERIFICATION PASSED")
}
