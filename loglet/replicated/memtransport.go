package replicated

import (
	"context"
	"sync"

	"github.com/restatedev/bifrost/logs"
)

// MemTransport is an in-process Transport backed by direct handler calls
// instead of NATS, used for single-process deployments and tests that don't
// need a real network hop.
type MemTransport struct {
	mu       sync.RWMutex
	handlers map[string]map[logs.LogletID]RequestHandler
}

// NewMemTransport constructs an empty in-process transport. Every node
// sharing one MemTransport value is reachable by the node name passed to
// ServeAs (Serve registers under the empty name).
func NewMemTransport() *MemTransport {
	return &MemTransport{handlers: make(map[string]map[logs.LogletID]RequestHandler)}
}

// ServeAs registers handler as node's RequestHandler for loglet, the
// MemTransport analog of (*NATSTransport).Serve for a named peer.
func (t *MemTransport) ServeAs(node string, loglet logs.LogletID, handler RequestHandler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers[node] == nil {
		t.handlers[node] = make(map[logs.LogletID]RequestHandler)
	}
	t.handlers[node][loglet] = handler
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers[node], loglet)
	}
}

// Serve satisfies Transport for a MemTransport used without a fixed node
// identity; prefer ServeAs when multiple simulated nodes share one
// MemTransport in a test.
func (t *MemTransport) Serve(loglet logs.LogletID, handler RequestHandler) (func(), error) {
	return t.ServeAs("", loglet, handler), nil
}

func (t *MemTransport) handlerFor(node string, loglet logs.LogletID) (RequestHandler, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[node][loglet]
	if !ok {
		return nil, errNoRoute(node, loglet)
	}
	return h, nil
}

func (t *MemTransport) Store(ctx context.Context, node string, req StoreRequest) (StoreResponse, error) {
	h, err := t.handlerFor(node, req.Loglet)
	if err != nil {
		return StoreResponse{}, err
	}
	return h.HandleStore(ctx, req), nil
}

func (t *MemTransport) Seal(ctx context.Context, node string, req SealRequest) (SealResponse, error) {
	h, err := t.handlerFor(node, req.Loglet)
	if err != nil {
		return SealResponse{}, err
	}
	return h.HandleSeal(ctx, req), nil
}

func (t *MemTransport) Trim(ctx context.Context, node string, req TrimRequest) (TrimResponse, error) {
	h, err := t.handlerFor(node, req.Loglet)
	if err != nil {
		return TrimResponse{}, err
	}
	return h.HandleTrim(ctx, req), nil
}

func (t *MemTransport) GetRecords(ctx context.Context, node string, req GetRecordsRequest) (GetRecordsResponse, error) {
	h, err := t.handlerFor(node, req.Loglet)
	if err != nil {
		return GetRecordsResponse{}, err
	}
	return h.HandleGetRecords(ctx, req), nil
}

func (t *MemTransport) FindTail(ctx context.Context, node string, req FindTailRequest) (FindTailResponse, error) {
	h, err := t.handlerFor(node, req.Loglet)
	if err != nil {
		return FindTailResponse{}, err
	}
	return h.HandleFindTail(ctx, req), nil
}

type noRouteError struct {
	node   string
	loglet logs.LogletID
}

func (e *noRouteError) Error() string {
	return "replicated: no handler registered for node/loglet"
}

func errNoRoute(node string, loglet logs.LogletID) error {
	return &noRouteError{node: node, loglet: loglet}
}
