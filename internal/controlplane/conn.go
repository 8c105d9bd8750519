package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/agentworkforce/lockwarden/internal/lockwarden"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const gatewayReadLimit = 16 << 20

// conn is one logged-in gateway socket. It dies with the socket; the Client
// replaces it on reconnect.
type conn struct {
	ws     *websocket.Conn
	sink   func(lockwarden.Event)
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan frame
	err     error
	done    chan struct{}
}

func dialConn(ctx context.Context, opts Options, sink func(lockwarden.Event), logger *log.Logger) (*conn, string, error) {
	ws, _, err := websocket.Dial(ctx, opts.URL, &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: opts.Header,
	})
	if err != nil {
		return nil, "", fmt.Errorf("dial gateway: %w", err)
	}
	ws.SetReadLimit(gatewayReadLimit)
	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:      ws,
		sink:    sink,
		logger:  logger,
		ctx:     connCtx,
		cancel:  cancel,
		pending: map[string]chan frame{},
		done:    make(chan struct{}),
	}
	go c.readLoop()

	var result loginResult
	err = c.request(ctx, opLogin, "", loginParams{
		AppState: opts.AppState,
		Options: loginOptions{
			ListenEvents: opts.ListenEvents,
			SelfListen:   opts.SelfListen,
		},
	}, &result)
	if err != nil {
		c.close(websocket.StatusPolicyViolation, "login failed")
		var callErr *CallError
		if errors.As(err, &callErr) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	return c, result.UserID, nil
}

func (c *conn) readLoop() {
	for {
		var msg frame
		if err := wsjson.Read(c.ctx, c.ws, &msg); err != nil {
			c.fail(err)
			return
		}
		switch msg.Op {
		case opResult:
			c.mu.Lock()
			waiter, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				waiter <- msg
			}
		case opEvent:
			var ev lockwarden.Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				c.logger.Warn("dropping undecodable event", "err", err)
				continue
			}
			c.sink(ev)
		default:
			c.logger.Debug("ignoring gateway frame", "op", msg.Op)
		}
	}
}

func (c *conn) call(ctx context.Context, method string, params, out any) error {
	return c.request(ctx, opCall, method, params, out)
}

func (c *conn) request(ctx context.Context, op, method string, params, out any) error {
	id := uuid.NewString()
	waiter := make(chan frame, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	c.pending[id] = waiter
	c.mu.Unlock()

	if err := wsjson.Write(ctx, c.ws, frame{Op: op, ID: id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	name := method
	if op == opLogin {
		name = opLogin
	}
	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("%w: %v", ErrNotConnected, c.Err())
	case msg := <-waiter:
		if !msg.OK {
			return &CallError{Method: name, Message: msg.Error}
		}
		if out != nil && len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, out); err != nil {
				return fmt.Errorf("decode %s result: %w", name, err)
			}
		}
		return nil
	}
}

func (c *conn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if err == nil {
		err = ErrClosed
	}
	c.err = err
	c.pending = map[string]chan frame{}
	c.cancel()
	close(c.done)
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	_ = c.ws.Close(code, reason)
	c.fail(ErrClosed)
}

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// eventBuffer decouples the socket read loop from slow consumers. Push never
// blocks; the pump goroutine hands events to the consumer in order.
type eventBuffer struct {
	mu     sync.Mutex
	items  []lockwarden.Event
	notify chan struct{}
}

func newEventBuffer() *eventBuffer {
	return &eventBuffer{notify: make(chan struct{}, 1)}
}

func (b *eventBuffer) push(ev lockwarden.Event) {
	b.mu.Lock()
	b.items = append(b.items, ev)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *eventBuffer) drain() []lockwarden.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

func (b *eventBuffer) pump(stop <-chan struct{}, out chan<- lockwarden.Event) {
	defer close(out)
	for {
		for _, ev := range b.drain() {
			select {
			case out <- ev:
			case <-stop:
				return
			}
		}
		select {
		case <-b.notify:
		case <-stop:
			return
		}
	}
}
