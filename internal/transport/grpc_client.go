package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"owlmon-agent/internal/model"
)

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return "json"
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

const (
	defaultStoreDataMethod   = "/owlmon.agent.v1.CollectorService/StoreData"
	defaultPullInboundMethod = "/owlmon.agent.v1.CollectorService/PullInbound"
)

// DataSink delivers outbound batches to the collector.
type DataSink interface {
	StoreData(ctx context.Context, frame BatchFrame) (BatchAck, error)
}

// InboundSource pulls collector-to-agent messages.
type InboundSource interface {
	PullInbound(ctx context.Context, agentID string, limit int) ([]InboundMessage, error)
}

// GRPCClient talks to the collector over gRPC with a JSON codec and
// raw method strings, reconnecting lazily when a call finds the
// connection gone.
type GRPCClient struct {
	mu sync.Mutex

	logger      *slog.Logger
	addr        string
	tlsConfig   *tls.Config
	storeMethod string
	pullMethod  string
	conn        *grpc.ClientConn
	dialTimeout time.Duration
}

func NewGRPCClient(addr string, tlsCfg *tls.Config, logger *slog.Logger) *GRPCClient {
	encoding.RegisterCodec(jsonCodec{})
	return &GRPCClient{
		logger:      logger,
		addr:        addr,
		tlsConfig:   tlsCfg,
		storeMethod: defaultStoreDataMethod,
		pullMethod:  defaultPullInboundMethod,
		dialTimeout: 8 * time.Second,
	}
}

// StoreData delivers one batch and returns the collector's ack. Any
// error means the batch must stay pending and be retried.
func (c *GRPCClient) StoreData(ctx context.Context, frame BatchFrame) (BatchAck, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return BatchAck{}, err
	}
	var ack BatchAck
	if err := conn.Invoke(ctx, c.storeMethod, &frame, &ack); err != nil {
		c.dropConn(conn)
		return BatchAck{}, fmt.Errorf("store data: %w", err)
	}
	if !ack.Accepted {
		return ack, fmt.Errorf("store data: collector rejected batch %s: %s", frame.BatchID, ack.Reason)
	}
	return ack, nil
}

// PullInbound fetches up to limit queued messages for this agent.
func (c *GRPCClient) PullInbound(ctx context.Context, agentID string, limit int) ([]InboundMessage, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	req := PullRequest{AgentID: agentID, Limit: limit}
	var resp PullResponse
	if err := conn.Invoke(ctx, c.pullMethod, &req, &resp); err != nil {
		c.dropConn(conn)
		return nil, fmt.Errorf("pull inbound: %w", err)
	}
	return resp.Messages, nil
}

func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *GRPCClient) ensureConn(ctx context.Context) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		dialCtx, cancel = context.WithDeadline(context.Background(), dl)
		defer cancel()
	}

	var creds credentials.TransportCredentials
	if c.tlsConfig != nil {
		creds = credentials.NewTLS(c.tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.DialContext(
		dialCtx,
		c.addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.logger.Info("collector connection established", "addr", c.addr)
	return conn, nil
}

// dropConn discards a connection after a failed call so the next call
// redials. A concurrent caller may already have replaced it.
func (c *GRPCClient) dropConn(conn *grpc.ClientConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// NewBatchFrame assembles a delivery frame from buffered queue
// messages, splitting data points from error entries.
func NewBatchFrame(agentID, batchID string, msgs []model.QueueMessage) BatchFrame {
	frame := BatchFrame{AgentID: agentID, BatchID: batchID}
	for _, m := range msgs {
		switch m.Kind {
		case model.KindDataPoint:
			if m.DataPoint != nil {
				frame.Points = append(frame.Points, *m.DataPoint)
			}
		case model.KindErrorLog:
			if m.ErrorLog != nil {
				frame.Errors = append(frame.Errors, *m.ErrorLog)
			}
		}
	}
	return frame
}
