package controlplane

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/lockwarden/internal/lockwarden"
	"github.com/charmbracelet/log"
	"nhooyr.io/websocket"
)

const (
	defaultReconnectBase   = time.Second
	defaultReconnectMax    = 30 * time.Second
	defaultReconnectJitter = 0.2
	defaultDialTimeout     = 15 * time.Second
)

type Options struct {
	URL      string
	AppState json.RawMessage
	// ListenEvents asks the gateway for change notifications, SelfListen
	// for messages the logged-in account sends itself.
	ListenEvents bool
	SelfListen   bool

	Header     http.Header
	HTTPClient *http.Client

	DialTimeout     time.Duration
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	ReconnectJitter float64
	// MaxReconnects bounds consecutive failed reconnects; zero retries
	// forever.
	MaxReconnects int

	Logger *log.Logger
}

// Client is a logged-in session with the messaging gateway. It implements
// lockwarden.ControlPlane and re-establishes the socket (with a fresh login)
// when it drops. Calls made while reconnecting fail with ErrNotConnected.
type Client struct {
	opts   Options
	logger *log.Logger
	buffer *eventBuffer
	events chan lockwarden.Event
	rng    *rand.Rand

	mu     sync.Mutex
	active *conn
	userID string
	err    error

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects and logs in. A failed first login is returned to the caller;
// later disconnects are retried in the background.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("gateway url is required")
	}
	if len(opts.AppState) == 0 {
		return nil, fmt.Errorf("%w: empty appstate", ErrLoginFailed)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = defaultReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.ReconnectJitter == 0 {
		opts.ReconnectJitter = defaultReconnectJitter
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	c := &Client{
		opts:   opts,
		logger: logger,
		buffer: newEventBuffer(),
		events: make(chan lockwarden.Event),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	first, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	go c.buffer.pump(c.stop, c.events)
	go c.supervise(first)
	return c, nil
}

func (c *Client) connect(ctx context.Context) (*conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	next, userID, err := dialConn(dialCtx, c.opts, c.buffer.push, c.logger)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.active = next
	c.userID = userID
	c.mu.Unlock()
	c.logger.Info("gateway session ready", "user", userID)
	return next, nil
}

func (c *Client) supervise(current *conn) {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case <-current.done:
		}
		c.logger.Warn("gateway connection lost", "err", current.Err())
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()

		next, err := c.reconnect()
		if errors.Is(err, ErrClosed) {
			return
		}
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.logger.Error("gateway reconnect abandoned", "err", err)
			return
		}
		current = next
	}
}

func (c *Client) reconnect() (*conn, error) {
	for attempt := 0; ; attempt++ {
		if c.opts.MaxReconnects > 0 && attempt >= c.opts.MaxReconnects {
			return nil, fmt.Errorf("%w: gave up after %d attempts", ErrNotConnected, attempt)
		}
		delay := jitteredIntervalWithSample(
			reconnectDelay(attempt, c.opts.ReconnectBase, c.opts.ReconnectMax),
			c.opts.ReconnectJitter,
			c.rng.Float64(),
		)
		timer := time.NewTimer(delay)
		select {
		case <-c.stop:
			timer.Stop()
			return nil, ErrClosed
		case <-timer.C:
		}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.stop:
				cancel()
			case <-ctx.Done():
			}
		}()
		next, err := c.connect(ctx)
		cancel()
		if err == nil {
			return next, nil
		}
		c.logger.Warn("gateway reconnect failed", "attempt", attempt+1, "err", err)
	}
}

// Events delivers change notifications and messages in arrival order. The
// channel closes after Close.
func (c *Client) Events() <-chan lockwarden.Event {
	return c.events
}

// Done closes once the session is over, either through Close or because
// reconnecting was abandoned.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		active := c.active
		c.mu.Unlock()
		if active != nil {
			active.close(websocket.StatusNormalClosure, "shutdown")
		}
	})
	<-c.done
	return nil
}

func (c *Client) current() (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stop:
		return nil, ErrClosed
	default:
	}
	if c.active == nil {
		return nil, ErrNotConnected
	}
	return c.active, nil
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	active, err := c.current()
	if err != nil {
		return err
	}
	return active.call(ctx, method, params, out)
}

func (c *Client) SetTitle(ctx context.Context, name, threadID string) error {
	return c.call(ctx, methodSetTitle, setTitleParams{Title: name, ThreadID: threadID}, nil)
}

func (c *Client) ChangeNickname(ctx context.Context, nickname, threadID, memberID string) error {
	return c.call(ctx, methodChangeNickname, changeNicknameParams{
		Nickname:      nickname,
		ThreadID:      threadID,
		ParticipantID: memberID,
	}, nil)
}

// ChangeGroupImage uploads the local file's bytes; the gateway never sees
// our filesystem path.
func (c *Client) ChangeGroupImage(ctx context.Context, path, threadID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.call(ctx, methodChangeGroupImage, changeGroupImageParams{
		Image:    base64.StdEncoding.EncodeToString(data),
		FileName: filepath.Base(path),
		ThreadID: threadID,
	}, nil)
}

func (c *Client) SendMessage(ctx context.Context, text, threadID string) error {
	return c.call(ctx, methodSendMessage, sendMessageParams{Body: text, ThreadID: threadID}, nil)
}

func (c *Client) GetThreadInfo(ctx context.Context, threadID string) (lockwarden.ThreadInfo, error) {
	var info lockwarden.ThreadInfo
	if err := c.call(ctx, methodGetThreadInfo, threadParams{ThreadID: threadID}, &info); err != nil {
		return lockwarden.ThreadInfo{}, err
	}
	if info.ThreadID == "" {
		info.ThreadID = threadID
	}
	return info, nil
}

var _ lockwarden.ControlPlane = (*Client)(nil)
