package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-vaeloss/internal/codec"
)

// LossFlightServer evaluates every tensor record batch put to it and answers
// each with a PutResult whose metadata is a CBOR codec.LossResponse.
type LossFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewLossFlightServer(srv *Server) *LossFlightServer {
	return &LossFlightServer{srv: srv}
}

func (s *LossFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	return fmt.Errorf("DoExchange not implemented")
}

func (s *LossFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoPut")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	var results []codec.LossResponse
	for reader.Next() {
		rec := reader.Record()
		log.Debug().Int64("rows", rec.NumRows()).Msg("DoPut received batch")

		batch, err := codec.BatchFromRecord(rec, s.srv.backend, s.srv.deterministic)
		if err != nil {
			span.RecordError(err)
			return err
		}
		resp, err := s.srv.evaluate(ctx, batch)
		if err != nil {
			span.RecordError(err)
			return err
		}

		meta, err := codec.Marshal(resp)
		if err != nil {
			return err
		}
		if err := stream.Send(&flight.PutResult{AppMetadata: meta}); err != nil {
			return err
		}
		results = append(results, resp)
	}
	if err := reader.Err(); err != nil {
		return err
	}

	s.srv.forward(ctx, results)
	return nil
}

func StartFlightServer(addr string, srv *Server) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewLossFlightServer(srv))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting VAE loss Flight server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
