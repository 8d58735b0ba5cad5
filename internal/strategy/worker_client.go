package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultCallTimeout = 2 * time.Second

// WorkerClient asks an external strategy worker for signals over a
// websocket. The worker speaks a simple JSON request/response protocol;
// one request is in flight at a time per connection.
type WorkerClient struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

type workerRequest struct {
	AccountID string   `json:"account_id"`
	Symbols   []string `json:"symbols"`
}

type workerResponse struct {
	Signals []Signal `json:"signals"`
	Error   string   `json:"error,omitempty"`
}

// NewWorkerClient dials the worker at addr (ws:// URL). The connection
// is established eagerly so a bad address fails at startup, not on the
// first trading cycle.
func NewWorkerClient(addr string, timeout time.Duration) (*WorkerClient, error) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	w := &WorkerClient{addr: addr, timeout: timeout}
	if err := w.redial(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WorkerClient) redial() error {
	dialer := websocket.Dialer{HandshakeTimeout: w.timeout}
	conn, _, err := dialer.Dial(w.addr, nil)
	if err != nil {
		return fmt.Errorf("dial strategy worker %s: %w", w.addr, err)
	}
	w.conn = conn
	return nil
}

// Signals performs one request/response round trip under the call
// timeout. On a transport error the connection is dropped and redialed
// on the next call.
func (w *WorkerClient) Signals(ctx context.Context, accountID string, symbols []string) ([]Signal, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		if err := w.redial(); err != nil {
			return nil, err
		}
	}

	deadline := time.Now().Add(w.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	w.conn.SetWriteDeadline(deadline)
	w.conn.SetReadDeadline(deadline)

	req := workerRequest{AccountID: accountID, Symbols: symbols}
	if err := w.conn.WriteJSON(req); err != nil {
		w.dropLocked()
		return nil, fmt.Errorf("strategy worker write: %w", err)
	}
	var resp workerResponse
	if err := w.conn.ReadJSON(&resp); err != nil {
		w.dropLocked()
		return nil, fmt.Errorf("strategy worker read: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("strategy worker: %s", resp.Error)
	}
	return resp.Signals, nil
}

func (w *WorkerClient) dropLocked() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// Close tears down the worker connection.
func (w *WorkerClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
