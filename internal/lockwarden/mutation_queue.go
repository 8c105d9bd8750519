package lockwarden

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const (
	defaultNicknamePacing  = 700 * time.Millisecond
	defaultRetryBase       = 250 * time.Millisecond
	defaultRetryStep       = 200 * time.Millisecond
	defaultNicknameRetries = 3
	defaultQueueCapacity   = 1024
)

type MutationTask func(ctx context.Context) error

type MutationQueueOptions struct {
	Plane     ControlPlane
	Pacing    time.Duration
	RetryBase time.Duration
	RetryStep time.Duration
	Capacity  int
	Logger    *log.Logger
}

type queuedMutation struct {
	run  MutationTask
	done chan struct{}
}

// MutationQueue is the only path to ControlPlane.ChangeNickname. One worker
// drains a FIFO channel, runs each task to completion and then waits the
// pacing interval, whether the task failed or not.
type MutationQueue struct {
	plane     ControlPlane
	pacing    time.Duration
	retryBase time.Duration
	retryStep time.Duration
	logger    *log.Logger

	tasks     chan queuedMutation
	depth     atomic.Int64
	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewMutationQueue(opts MutationQueueOptions) *MutationQueue {
	pacing := opts.Pacing
	if pacing <= 0 {
		pacing = defaultNicknamePacing
	}
	retryBase := opts.RetryBase
	if retryBase < 0 {
		retryBase = 0
	} else if retryBase == 0 {
		retryBase = defaultRetryBase
	}
	retryStep := opts.RetryStep
	if retryStep < 0 {
		retryStep = 0
	} else if retryStep == 0 {
		retryStep = defaultRetryStep
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MutationQueue{
		plane:     opts.Plane,
		pacing:    pacing,
		retryBase: retryBase,
		retryStep: retryStep,
		logger:    logger,
		tasks:     make(chan queuedMutation, capacity),
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}
}

func (q *MutationQueue) Start() {
	q.startOnce.Do(func() {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.worker()
		}()
	})
}

// Close stops the worker after the task in flight. Callers still waiting in
// Enqueue get ErrQueueClosed.
func (q *MutationQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.cancel()
		q.wg.Wait()
	})
}

func (q *MutationQueue) Depth() int {
	return int(q.depth.Load())
}

// Enqueue blocks until task has run (successfully or not). The returned
// error only reports that the caller stopped waiting or the queue closed;
// the task's own failure is logged by the worker.
func (q *MutationQueue) Enqueue(ctx context.Context, task MutationTask) error {
	if task == nil {
		return ErrInvalidInput
	}
	item := queuedMutation{run: task, done: make(chan struct{})}
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}
	q.depth.Add(1)
	select {
	case q.tasks <- item:
	case <-ctx.Done():
		q.depth.Add(-1)
		return ctx.Err()
	case <-q.closed:
		q.depth.Add(-1)
		return ErrQueueClosed
	}
	select {
	case <-item.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrQueueClosed
	}
}

func (q *MutationQueue) worker() {
	for {
		select {
		case <-q.closed:
			return
		case item := <-q.tasks:
			q.runTask(item)
			if err := sleepContext(q.ctx, q.pacing); err != nil {
				return
			}
		}
	}
}

func (q *MutationQueue) runTask(item queuedMutation) {
	defer func() {
		if recovered := recover(); recovered != nil {
			q.logger.Error("mutation task panicked", "panic", fmt.Sprint(recovered))
		}
		q.depth.Add(-1)
		close(item.done)
	}()
	if err := item.run(q.ctx); err != nil {
		q.logger.Error("mutation task failed", "err", err)
	}
}

// RetryChangeNickname runs the whole retry loop for one member as a single
// queued task, so concurrent targets still serialize. Attempt n (0-based)
// is followed by a retryBase+n*retryStep pause before the next one.
func (q *MutationQueue) RetryChangeNickname(ctx context.Context, threadID, memberID, nickname string, retries int) bool {
	if retries <= 0 {
		retries = 1
	}
	var lastErr error
	attempts := 0
	err := q.Enqueue(ctx, func(taskCtx context.Context) error {
		for attempt := 0; attempt < retries; attempt++ {
			attempts = attempt + 1
			lastErr = q.plane.ChangeNickname(taskCtx, nickname, threadID, memberID)
			if lastErr == nil {
				return nil
			}
			if attempt == retries-1 {
				break
			}
			if sleepErr := sleepContext(taskCtx, q.retryBase+time.Duration(attempt)*q.retryStep); sleepErr != nil {
				lastErr = sleepErr
				break
			}
		}
		return nil
	})
	if err != nil {
		q.logger.Error("changeNickname not run", "thread", threadID, "member", memberID, "err", err)
		return false
	}
	if lastErr != nil {
		q.logger.Error("changeNickname failed", "thread", threadID, "member", memberID, "attempts", attempts, "err", lastErr)
		return false
	}
	return true
}
