package replicated

import (
	"context"

	"github.com/restatedev/bifrost/logger"
	"github.com/restatedev/bifrost/logs"
	"github.com/restatedev/bifrost/logstore"
)

// LogServer is the peer-side RequestHandler a node runs for every loglet
// replica it hosts, sharing the same logstore package the local loglet
// (C5) uses rather than a second storage engine
// (original_source/loglets/replicated_loglet/rocksdb_logstore/store.rs;
// see SPEC_FULL.md §12).
type LogServer struct {
	store  *logstore.PebbleStore
	writer *logstore.Writer
	logger logger.Logger
}

// NewLogServer wraps an already-open store/writer pair as a RequestHandler.
func NewLogServer(store *logstore.PebbleStore, writer *logstore.Writer, log logger.Logger) *LogServer {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogServer{store: store, writer: writer, logger: log}
}

func errStr(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// errSealedWire is what a sealed replica's HandleStore puts in
// StoreResponse.Err, distinguishing "refused, already sealed" from a
// transient storage failure so the sequencer doesn't waste its retry
// budget retrying a replica that will never accept the write.
const errSealedWire = "sealed"

func (s *LogServer) HandleStore(ctx context.Context, req StoreRequest) StoreResponse {
	state, err := s.store.LoadLogletState(req.Loglet)
	if err != nil {
		return StoreResponse{Err: err.Error()}
	}
	if state.IsSealed {
		// spec.md §3/§8.6: a sealed loglet accepts no further appends, on
		// any replica. Refuse before ever staging the write.
		return StoreResponse{LocalTail: state.LocalTail, Err: errSealedWire}
	}

	tok := s.writer.EnqueueStore(logstore.Store{Loglet: req.Loglet, FirstOffset: req.FirstOffset, Records: req.Records})
	if err := tok.Wait(ctx); err != nil {
		return StoreResponse{Err: err.Error()}
	}
	state, err = s.store.LoadLogletState(req.Loglet)
	if err != nil {
		return StoreResponse{Err: err.Error()}
	}
	return StoreResponse{LocalTail: state.LocalTail}
}

func (s *LogServer) HandleSeal(ctx context.Context, req SealRequest) SealResponse {
	tok := s.writer.EnqueueSeal(logstore.Seal{Loglet: req.Loglet})
	if err := tok.Wait(ctx); err != nil {
		return SealResponse{Err: err.Error()}
	}
	state, err := s.store.LoadLogletState(req.Loglet)
	if err != nil {
		return SealResponse{Err: err.Error()}
	}
	return SealResponse{LocalTail: state.LocalTail}
}

func (s *LogServer) HandleTrim(ctx context.Context, req TrimRequest) TrimResponse {
	tok := s.writer.EnqueueTrim(logstore.Trim{Loglet: req.Loglet, NewTrimPoint: req.NewTrimPoint})
	return TrimResponse{Err: errStr(tok.Wait(ctx))}
}

func (s *LogServer) HandleGetRecords(ctx context.Context, req GetRecordsRequest) GetRecordsResponse {
	state, err := s.store.LoadLogletState(req.Loglet)
	if err != nil {
		return GetRecordsResponse{Err: err.Error()}
	}
	recs, err := s.store.ReadRecords(logstore.GetRecords{
		Loglet:     req.Loglet,
		From:       req.From,
		To:         req.To,
		Filter:     req.Filter,
		ByteBudget: req.ByteBudget,
	}, state)
	if err != nil {
		return GetRecordsResponse{Err: err.Error()}
	}
	return GetRecordsResponse{Entries: recs.Entries, NextOffset: recs.NextOffset}
}

func (s *LogServer) HandleFindTail(ctx context.Context, req FindTailRequest) FindTailResponse {
	state, err := s.store.LoadLogletState(req.Loglet)
	if err != nil {
		return FindTailResponse{Err: err.Error()}
	}
	tail := logs.Open(state.LocalTail)
	if state.IsSealed {
		tail = logs.Sealed(state.LocalTail)
	}
	return FindTailResponse{Tail: tail}
}
