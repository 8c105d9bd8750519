package lockwarden

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	defaultMaxInFlightEvents = 16
	defaultCallTimeout       = 30 * time.Second
)

type AgentOptions struct {
	Plane      ControlPlane
	Store      *Store
	Authorizer Authorizer
	PhotosDir  string
	HTTPClient *http.Client

	NicknamePacing    time.Duration
	RetryBase         time.Duration
	RetryStep         time.Duration
	NicknameRetries   int
	MaxInFlightEvents int
	CallTimeout       time.Duration

	// SelfID reports the logged-in account ID.
	SelfID func() string

	Logger *log.Logger
}

// Agent fans inbound events out to the Reconciler and the Interpreter.
// At most MaxInFlightEvents handlers run at once; commands for the same
// conversation run one after another in arrival order.
type Agent struct {
	store       *Store
	queue       *MutationQueue
	assets      *AssetCache
	reconciler  *Reconciler
	interpreter *Interpreter
	logger      *log.Logger

	sem   chan struct{}
	lanes *laneSet
	wg    sync.WaitGroup
}

func NewAgent(opts AgentOptions) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	callTimeout := opts.CallTimeout
	if callTimeout == 0 {
		callTimeout = defaultCallTimeout
	}
	maxInFlight := opts.MaxInFlightEvents
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlightEvents
	}
	plane := guardPlane(opts.Plane, callTimeout)
	queue := NewMutationQueue(MutationQueueOptions{
		Plane:     plane,
		Pacing:    opts.NicknamePacing,
		RetryBase: opts.RetryBase,
		RetryStep: opts.RetryStep,
		Logger:    logger.WithPrefix("queue"),
	})
	assets := NewAssetCache(AssetCacheOptions{
		Dir:        opts.PhotosDir,
		HTTPClient: opts.HTTPClient,
		Store:      opts.Store,
		Plane:      plane,
		Logger:     logger.WithPrefix("assets"),
	})
	return &Agent{
		store:  opts.Store,
		queue:  queue,
		assets: assets,
		reconciler: NewReconciler(ReconcilerOptions{
			Store:           opts.Store,
			Plane:           plane,
			Assets:          assets,
			Queue:           queue,
			NicknameRetries: opts.NicknameRetries,
			SelfID:          opts.SelfID,
			Logger:          logger.WithPrefix("reconcile"),
		}),
		interpreter: NewInterpreter(InterpreterOptions{
			Store:           opts.Store,
			Plane:           plane,
			Assets:          assets,
			Queue:           queue,
			Authorizer:      opts.Authorizer,
			NicknameRetries: opts.NicknameRetries,
			Logger:          logger.WithPrefix("command"),
		}),
		logger: logger,
		sem:    make(chan struct{}, maxInFlight),
		lanes:  newLaneSet(),
	}
}

// Run consumes events until the channel closes or ctx ends, then waits for
// the handlers in flight and stops the mutation queue.
func (a *Agent) Run(ctx context.Context, events <-chan Event) error {
	a.queue.Start()
	defer a.queue.Close()
	defer a.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !a.dispatch(ctx, ev) {
				return ctx.Err()
			}
		}
	}
}

func (a *Agent) dispatch(ctx context.Context, ev Event) bool {
	var wait <-chan struct{}
	release := func() {}
	if a.interpreter.Accepts(ev) {
		wait, release = a.lanes.enter(ev.ThreadID)
	}
	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		release()
		return false
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() { <-a.sem }()
		defer release()
		if wait != nil {
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
		if err := a.Handle(ctx, ev); err != nil {
			a.logger.Error("handler error", "err", err)
		}
	}()
	return true
}

// Handle processes one event synchronously. Panics and errors come back as
// *HandlerError and never escape further.
func (a *Agent) Handle(ctx context.Context, ev Event) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &HandlerError{EventType: ev.Type, ThreadID: ev.ThreadID, Cause: fmt.Errorf("panic: %v", recovered)}
		}
	}()
	if ev.Type == EventTypeEvent {
		err = a.reconciler.HandleEvent(ctx, ev)
	} else {
		err = a.interpreter.HandleMessage(ctx, ev)
	}
	if err != nil {
		return &HandlerError{EventType: ev.Type, ThreadID: ev.ThreadID, Cause: err}
	}
	return nil
}

type Status struct {
	Conversations []ConversationStatus `json:"conversations"`
	QueueDepth    int                  `json:"queueDepth"`
}

func (a *Agent) Status() Status {
	return Status{
		Conversations: a.store.Conversations(),
		QueueDepth:    a.queue.Depth(),
	}
}

// laneSet chains waiters per key: each entrant waits for the previous
// entrant's release, which gives FIFO order per key.
type laneSet struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newLaneSet() *laneSet {
	return &laneSet{tails: map[string]chan struct{}{}}
}

func (l *laneSet) enter(key string) (<-chan struct{}, func()) {
	own := make(chan struct{})
	l.mu.Lock()
	prev := l.tails[key]
	l.tails[key] = own
	l.mu.Unlock()
	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			if l.tails[key] == own {
				delete(l.tails, key)
			}
			l.mu.Unlock()
			close(own)
		})
	}
	if prev == nil {
		return nil, release
	}
	return prev, release
}
