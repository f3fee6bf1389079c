package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ElectrumConfig configures an Electrum websocket connection.
type ElectrumConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	CallTimeout      time.Duration
	PingInterval     time.Duration
}

// DefaultElectrumConfig returns default connection settings.
func DefaultElectrumConfig() ElectrumConfig {
	return ElectrumConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		CallTimeout:      30 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// Notification is a server-pushed Electrum message.
type Notification struct {
	Method string
	Params []json.RawMessage
}

// ElectrumClient is a single Electrum-over-websocket connection. Requests
// are matched to responses by id; notifications are delivered on
// Notifications until the connection ends.
type ElectrumClient struct {
	config ElectrumConfig

	conn      *websocket.Conn
	writeMu   sync.Mutex
	requestID atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once

	pending   map[uint64]chan *electrumResponse
	pendingMu sync.Mutex

	notifications chan Notification

	done chan struct{}
	wg   sync.WaitGroup
}

// DialElectrum opens a websocket connection to an Electrum endpoint.
func DialElectrum(ctx context.Context, endpoint string, config *ElectrumConfig) (*ElectrumClient, error) {
	cfg := DefaultElectrumConfig()
	if config != nil {
		cfg = *config
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: websocket dial: %v", ErrNotConnected, err)
	}

	c := &ElectrumClient{
		config:        cfg,
		conn:          conn,
		pending:       make(map[uint64]chan *electrumResponse),
		notifications: make(chan Notification, 16),
		done:          make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop()

	if cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}

	return c, nil
}

// Notifications returns the channel of server notifications. It is closed
// when the connection ends.
func (c *ElectrumClient) Notifications() <-chan Notification {
	return c.notifications
}

// Done is closed when the connection ends.
func (c *ElectrumClient) Done() <-chan struct{} {
	return c.done
}

// Call sends a request and waits for its response.
func (c *ElectrumClient) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrNotConnected
	}
	if params == nil {
		params = []interface{}{}
	}

	id := c.requestID.Add(1)
	respCh := make(chan *electrumResponse, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	req := electrumRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	timer := time.NewTimer(c.config.CallTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.failed() {
			return nil, &ElectrumError{Method: method, Message: resp.errorMessage()}
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: no response after %s", method, c.config.CallTimeout)
	case <-c.done:
		return nil, fmt.Errorf("%s: %w", method, ErrNotConnected)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *ElectrumClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if !c.closed.Swap(true) {
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
		}
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

// readLoop reads messages and dispatches responses and notifications.
func (c *ElectrumClient) readLoop() {
	defer c.wg.Done()
	defer close(c.notifications)
	defer close(c.done)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			c.closed.Store(true)
			return
		}
		c.handleMessage(message)
	}
}

func (c *ElectrumClient) handleMessage(message []byte) {
	var msg electrumResponse
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}

	// Notifications carry a method and no id.
	if msg.Method != "" && msg.ID == nil {
		var params []json.RawMessage
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return
			}
		}
		select {
		case c.notifications <- Notification{Method: msg.Method, Params: params}:
		default:
			// A full buffer already holds a pending wake-up.
		}
		return
	}

	if msg.ID == nil {
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[*msg.ID]
	c.pendingMu.Unlock()
	if ok {
		ch <- &msg
	}
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (c *ElectrumClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
		}
	}
}

// ElectrumError is an error envelope returned by the server.
type ElectrumError struct {
	Method  string
	Message string
}

func (e *ElectrumError) Error() string {
	return fmt.Sprintf("electrum %s: %s", e.Method, e.Message)
}

// Electrum message types

type electrumRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type electrumResponse struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (r *electrumResponse) failed() bool {
	return len(r.Error) > 0 && string(r.Error) != "null"
}

// errorMessage renders the error envelope, which servers send either as
// {"code":..,"message":..} or as a bare string.
func (r *electrumResponse) errorMessage() string {
	var obj struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(r.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(r.Error))
}
