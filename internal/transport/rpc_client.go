package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// RPCCaller is the request/response channel used for control-plane
// calls: certificate fetch and remote config fetch.
type RPCCaller interface {
	Call(ctx context.Context, method string, params any, result any) error
}

type rpcRequest struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// RPCError is a failure reported by the remote side of an RPC call,
// as opposed to a transport fault.
type RPCError struct {
	Method  string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.Method, e.Message)
}

// WSRPCClient speaks a minimal JSON-RPC dialect over a websocket. One
// in-flight call at a time; the connection is dialed lazily and
// re-dialed after any failure.
type WSRPCClient struct {
	mu sync.Mutex

	logger      *slog.Logger
	url         string
	tlsConfig   *tls.Config
	conn        *websocket.Conn
	callTimeout time.Duration
}

func NewWSRPCClient(url string, tlsCfg *tls.Config, logger *slog.Logger) *WSRPCClient {
	return &WSRPCClient{
		logger:      logger,
		url:         url,
		tlsConfig:   tlsCfg,
		callTimeout: 15 * time.Second,
	}
}

// Call sends one request and decodes the matching response into
// result. A non-empty remote error becomes an *RPCError.
func (c *WSRPCClient) Call(ctx context.Context, method string, params any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnLocked(ctx); err != nil {
		return err
	}

	req := rpcRequest{ID: uuid.NewString(), Method: method, Params: params}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpc %s: encode: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := c.conn.Write(callCtx, websocket.MessageText, payload); err != nil {
		c.closeLocked(websocket.StatusInternalError, "write failed")
		return fmt.Errorf("rpc %s: write: %w", method, err)
	}

	for {
		_, data, err := c.conn.Read(callCtx)
		if err != nil {
			c.closeLocked(websocket.StatusInternalError, "read failed")
			return fmt.Errorf("rpc %s: read: %w", method, err)
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return fmt.Errorf("rpc %s: decode: %w", method, err)
		}
		if resp.ID != req.ID {
			// Stale response from an earlier timed-out call.
			c.logger.Debug("discarding stale rpc response", "id", resp.ID)
			continue
		}
		if resp.Error != "" {
			return &RPCError{Method: method, Message: resp.Error}
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("rpc %s: decode result: %w", method, err)
		}
		return nil
	}
}

func (c *WSRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "shutdown")
	c.conn = nil
	return err
}

func (c *WSRPCClient) ensureConnLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	opt := &websocket.DialOptions{}
	if c.tlsConfig != nil {
		opt.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: c.tlsConfig}}
	}
	conn, _, err := websocket.Dial(ctx, c.url, opt)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(10 << 20)
	c.conn = conn
	c.logger.Info("rpc channel connected", "url", c.url)
	return nil
}

func (c *WSRPCClient) closeLocked(code websocket.StatusCode, reason string) {
	if c.conn != nil {
		_ = c.conn.Close(code, reason)
		c.conn = nil
	}
}
