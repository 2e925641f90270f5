package client

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-vaeloss/internal/codec"
	"github.com/23skdu/longbow-vaeloss/internal/loss"
)

type mockSink struct {
	flight.BaseFlightServer

	mu      sync.Mutex
	paths   [][]string
	records []arrow.RecordBatch
}

func (s *mockSink) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if desc := reader.LatestFlightDescriptor(); desc != nil {
		s.paths = append(s.paths, desc.Path)
	}
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		s.records = append(s.records, rec)
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func TestFlightClient_DoPut(t *testing.T) {
	sink := &mockSink{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(sink)

	require.NoError(t, server.Init("localhost:0"))
	addr := server.Addr().String()

	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	rec := codec.BuildResultRecord(memory.NewGoAllocator(), []codec.LossResponse{
		codec.NewLossResponse("r1", loss.Result{Loss: 1.25}),
		codec.NewLossResponse("r2", loss.Result{Loss: 2.5}),
	})
	defer rec.Release()

	require.NoError(t, client.DoPut(context.Background(), "vaeloss_results", rec))
	assert.Equal(t, StateClosed, client.breaker.State())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.records, 1)
	assert.Equal(t, [][]string{{"vaeloss_results"}}, sink.paths)
	got := sink.records[0]
	assert.Equal(t, int64(2), got.NumRows())
	assert.Equal(t, "r2", got.Column(0).(*array.String).Value(1))
	assert.Equal(t, 2.5, got.Column(1).(*array.Float64).Value(1))
}

func TestFlightClient_Unreachable(t *testing.T) {
	// Nothing listens on port 1.
	client, err := NewFlightClient("localhost:1")
	require.NoError(t, err)
	defer client.Close()

	rec := codec.BuildResultRecord(memory.NewGoAllocator(), nil)
	defer rec.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		assert.Error(t, client.DoPut(ctx, "vaeloss_results", rec))
	}
	assert.ErrorIs(t, client.DoPut(ctx, "vaeloss_results", rec), ErrCircuitOpen)
}
