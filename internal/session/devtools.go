// Package session owns the browser-session lifecycle: launching the
// provider web client, driving its DOM over the DevTools protocol, and
// advancing the login state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// ErrClientClosed indicates the DevTools connection is gone.
var ErrClientClosed = errors.New("devtools client is closed")

type rpcRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

// Client is a minimal DevTools protocol client bound to one page target.
// It supports request/response calls only; protocol events are discarded.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	idSeq   atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan rpcResponse

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient dials a page's webSocketDebuggerUrl and starts the read loop.
func NewClient(ctx context.Context, wsURL string) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial devtools %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Client{
		conn:    conn,
		pending: make(map[int64]chan rpcResponse),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.ID == 0 {
			// Event or unparsable frame.
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// Call sends one protocol command and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	select {
	case <-c.closed:
		return nil, ErrClientClosed
	default:
	}

	id := c.idSeq.Add(1)
	ch := make(chan rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	data, err := json.Marshal(rpcRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClientClosed
	}
}

func (c *Client) dropPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Close shuts the websocket down. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
	return nil
}
