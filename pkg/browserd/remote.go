package browserd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// RemoteConfig configures the remote driver daemon adapter.
type RemoteConfig struct {
	// Endpoint is the daemon's WebSocket URL, e.g. "ws://localhost:9221/driver".
	Endpoint string

	// OperationTimeout bounds every Execute/Screenshot call.
	OperationTimeout time.Duration

	// ConnectTimeout bounds the initial dial.
	ConnectTimeout time.Duration
}

// DefaultRemoteConfig returns the recommended adapter defaults.
func DefaultRemoteConfig(endpoint string) RemoteConfig {
	return RemoteConfig{
		Endpoint:         endpoint,
		OperationTimeout: 15 * time.Second,
		ConnectTimeout:   10 * time.Second,
	}
}

// RemoteFactory opens one daemon connection per session.
type RemoteFactory struct {
	cfg RemoteConfig
}

// NewRemoteFactory creates a factory for the given daemon endpoint.
func NewRemoteFactory(cfg RemoteConfig) *RemoteFactory {
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 15 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &RemoteFactory{cfg: cfg}
}

// Open dials the daemon and binds a driver to the session.
func (f *RemoteFactory) Open(ctx context.Context, sessionID string) (Driver, error) {
	dialCtx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, f.cfg.Endpoint+"?session="+sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	readCtx, readCancel := context.WithCancel(context.Background())
	d := &remoteDriver{
		conn:       conn,
		cfg:        f.cfg,
		pending:    make(map[uint64]chan wireResponse),
		events:     make(chan DOMEvent, 128),
		readCancel: readCancel,
	}
	go d.readLoop(readCtx)
	return d, nil
}

// Wire frames exchanged with the daemon. Requests carry a correlation id;
// frames pushed by the daemon (DOM events) use id 0.
type wireRequest struct {
	ID      uint64   `json:"id"`
	Op      string   `json:"op"`
	Command *Command `json:"command,omitempty"`
}

type wireResponse struct {
	ID         uint64    `json:"id"`
	Op         string    `json:"op"`
	Error      string    `json:"error,omitempty"`
	Result     *Result   `json:"result,omitempty"`
	Screenshot []byte    `json:"screenshot,omitempty"`
	Event      *DOMEvent `json:"event,omitempty"`
}

type remoteDriver struct {
	conn       *websocket.Conn
	cfg        RemoteConfig
	readCancel context.CancelFunc

	mu      sync.Mutex
	pending map[uint64]chan wireResponse
	url     string

	nextID    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	events    chan DOMEvent
}

func (d *remoteDriver) Execute(ctx context.Context, cmd Command) (Result, error) {
	resp, err := d.roundTrip(ctx, wireRequest{Op: "execute", Command: &cmd})
	if err != nil {
		return Result{}, err
	}
	if resp.Error != "" {
		return Result{}, NewDriverError("command_failed", resp.Error)
	}
	if resp.Result == nil {
		return Result{}, NewDriverError("invalid_response", "execute: missing result")
	}
	if resp.Result.URL != "" {
		d.mu.Lock()
		d.url = resp.Result.URL
		d.mu.Unlock()
	}
	return *resp.Result, nil
}

func (d *remoteDriver) Screenshot(ctx context.Context) ([]byte, error) {
	resp, err := d.roundTrip(ctx, wireRequest{Op: "screenshot"})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, NewDriverError("screenshot_failed", resp.Error)
	}
	return resp.Screenshot, nil
}

func (d *remoteDriver) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

func (d *remoteDriver) Events() <-chan DOMEvent { return d.events }

// Close is idempotent: only the first call closes the connection.
func (d *remoteDriver) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.readCancel()
		_ = d.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (d *remoteDriver) roundTrip(ctx context.Context, req wireRequest) (wireResponse, error) {
	if d.closed.Load() {
		return wireResponse{}, ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.OperationTimeout)
	defer cancel()

	req.ID = d.nextID.Add(1)
	ch := make(chan wireResponse, 1)
	d.mu.Lock()
	d.pending[req.ID] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, req.ID)
		d.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, d.conn, req); err != nil {
		if d.closed.Load() {
			return wireResponse{}, ErrClosed
		}
		return wireResponse{}, WrapDriverError("write_failed", req.Op, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return wireResponse{}, ErrClosed
		}
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return wireResponse{}, fmt.Errorf("%w: %s", ErrTimeout, req.Op)
		}
		return wireResponse{}, ctx.Err()
	}
}

func (d *remoteDriver) readLoop(ctx context.Context) {
	defer func() {
		d.mu.Lock()
		for id, ch := range d.pending {
			close(ch)
			delete(d.pending, id)
		}
		d.mu.Unlock()
		close(d.events)
	}()

	for {
		var resp wireResponse
		if err := wsjson.Read(ctx, d.conn, &resp); err != nil {
			return
		}
		if resp.Op == "dom_event" {
			if resp.Event != nil {
				select {
				case d.events <- *resp.Event:
				default:
					// Capture poll fell behind; drop rather than stall the read loop.
				}
			}
			continue
		}
		d.mu.Lock()
		ch, ok := d.pending[resp.ID]
		d.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}
