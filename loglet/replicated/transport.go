package replicated

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
	"github.com/pkg/errors"
	"github.com/restatedev/bifrost/logger"
	"github.com/restatedev/bifrost/logs"
)

// RequestHandler serves the peer side of the replicated-loglet RPC surface
// (spec.md §4.5/§4.3's remote analog): a node runs one handler per loglet it
// hosts a replica of.
type RequestHandler interface {
	HandleStore(ctx context.Context, req StoreRequest) StoreResponse
	HandleSeal(ctx context.Context, req SealRequest) SealResponse
	HandleTrim(ctx context.Context, req TrimRequest) TrimResponse
	HandleGetRecords(ctx context.Context, req GetRecordsRequest) GetRecordsResponse
	HandleFindTail(ctx context.Context, req FindTailRequest) FindTailResponse
}

// Transport is the node-to-node RPC substrate the sequencer (C7) and client
// (C8) use to reach a loglet's replicas. spec.md lists node-to-node
// transport as an external collaborator outside the module's scope; a
// concrete implementation is still provided here for completeness, grounded
// on liftbridge's own use of NATS subjects for internal cluster RPC
// (server/metadata.go's m.ncRaft.SubscribeSync/RequestWithContext pattern).
type Transport interface {
	Store(ctx context.Context, node string, req StoreRequest) (StoreResponse, error)
	Seal(ctx context.Context, node string, req SealRequest) (SealResponse, error)
	Trim(ctx context.Context, node string, req TrimRequest) (TrimResponse, error)
	GetRecords(ctx context.Context, node string, req GetRecordsRequest) (GetRecordsResponse, error)
	FindTail(ctx context.Context, node string, req FindTailRequest) (FindTailResponse, error)

	// Serve registers this process (identified by its own node ID) as the
	// RPC target for loglet, dispatching incoming requests to handler until
	// the returned stop func is called.
	Serve(loglet logs.LogletID, handler RequestHandler) (stop func(), err error)
}

const (
	opStore      = "store"
	opSeal       = "seal"
	opTrim       = "trim"
	opGetRecords = "getrecords"
	opFindTail   = "findtail"
)

// subject scopes an RPC to one node's handling of one loglet, matching
// liftbridge's per-purpose inbox subjects (getServerInfoInbox,
// getPropagateInbox) generalized to a (node, loglet, op) triple.
func subject(node string, loglet logs.LogletID, op string) string {
	return fmt.Sprintf("bifrost.node.%s.loglet.%d.%s", node, loglet, op)
}

// NATSTransport implements Transport over a nats.Conn. Replies are matched
// to requests by the NATS request/reply inbox; nuid only tags the serving
// side's log lines with a per-request ID.
type NATSTransport struct {
	nc     *nats.Conn
	nodeID string
	logger logger.Logger
}

// NewNATSTransport wraps an established NATS connection for RPCs sent and
// served as nodeID.
func NewNATSTransport(nc *nats.Conn, nodeID string, log logger.Logger) *NATSTransport {
	if log == nil {
		log = logger.NewNop()
	}
	return &NATSTransport{nc: nc, nodeID: nodeID, logger: log}
}

func (t *NATSTransport) request(ctx context.Context, node string, loglet logs.LogletID, op string, req, resp interface{}) error {
	payload, err := encode(req)
	if err != nil {
		return err
	}
	msg, err := t.nc.RequestWithContext(ctx, subject(node, loglet, op), payload)
	if err != nil {
		return errors.Wrapf(err, "replicated: %s rpc to %s", op, node)
	}
	return decode(msg.Data, resp)
}

func (t *NATSTransport) Store(ctx context.Context, node string, req StoreRequest) (StoreResponse, error) {
	var resp StoreResponse
	err := t.request(ctx, node, req.Loglet, opStore, req, &resp)
	return resp, err
}

func (t *NATSTransport) Seal(ctx context.Context, node string, req SealRequest) (SealResponse, error) {
	var resp SealResponse
	err := t.request(ctx, node, req.Loglet, opSeal, req, &resp)
	return resp, err
}

func (t *NATSTransport) Trim(ctx context.Context, node string, req TrimRequest) (TrimResponse, error) {
	var resp TrimResponse
	err := t.request(ctx, node, req.Loglet, opTrim, req, &resp)
	return resp, err
}

func (t *NATSTransport) GetRecords(ctx context.Context, node string, req GetRecordsRequest) (GetRecordsResponse, error) {
	var resp GetRecordsResponse
	err := t.request(ctx, node, req.Loglet, opGetRecords, req, &resp)
	return resp, err
}

func (t *NATSTransport) FindTail(ctx context.Context, node string, req FindTailRequest) (FindTailResponse, error) {
	var resp FindTailResponse
	err := t.request(ctx, node, req.Loglet, opFindTail, req, &resp)
	return resp, err
}

func (t *NATSTransport) Serve(loglet logs.LogletID, handler RequestHandler) (func(), error) {
	subs := make([]*nats.Subscription, 0, 5)

	subscribe := func(op string, fn func(ctx context.Context, data []byte) ([]byte, error)) error {
		sub, err := t.nc.Subscribe(subject(t.nodeID, loglet, op), func(m *nats.Msg) {
			correlation := nuid.Next()
			reply, err := fn(context.Background(), m.Data)
			if err != nil {
				t.logger.Errorf("replicated: handling %s request %s: %v", op, correlation, err)
				return
			}
			if err := t.nc.Publish(m.Reply, reply); err != nil {
				t.logger.Errorf("replicated: replying to %s request %s: %v", op, correlation, err)
			}
		})
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	handlers := map[string]func(ctx context.Context, data []byte) ([]byte, error){
		opStore: func(ctx context.Context, data []byte) ([]byte, error) {
			var req StoreRequest
			if err := decode(data, &req); err != nil {
				return nil, err
			}
			return encode(handler.HandleStore(ctx, req))
		},
		opSeal: func(ctx context.Context, data []byte) ([]byte, error) {
			var req SealRequest
			if err := decode(data, &req); err != nil {
				return nil, err
			}
			return encode(handler.HandleSeal(ctx, req))
		},
		opTrim: func(ctx context.Context, data []byte) ([]byte, error) {
			var req TrimRequest
			if err := decode(data, &req); err != nil {
				return nil, err
			}
			return encode(handler.HandleTrim(ctx, req))
		},
		opGetRecords: func(ctx context.Context, data []byte) ([]byte, error) {
			var req GetRecordsRequest
			if err := decode(data, &req); err != nil {
				return nil, err
			}
			return encode(handler.HandleGetRecords(ctx, req))
		},
		opFindTail: func(ctx context.Context, data []byte) ([]byte, error) {
			var req FindTailRequest
			if err := decode(data, &req); err != nil {
				return nil, err
			}
			return encode(handler.HandleFindTail(ctx, req))
		},
	}

	for op, fn := range handlers {
		if err := subscribe(op, fn); err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, errors.Wrapf(err, "replicated: subscribe %s", op)
		}
	}

	stop := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}
	return stop, nil
}
