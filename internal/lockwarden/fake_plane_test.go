package lockwarden

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

type planeCall struct {
	Method   string
	ThreadID string
	Arg      string
	MemberID string
}

type fakePlane struct {
	mu    sync.Mutex
	calls []planeCall
	info  map[string]ThreadInfo

	// nicknameFailures counts down; while positive ChangeNickname fails.
	nicknameFailures map[string]int
	nicknameDelay    time.Duration
	titleErr         error
	imageErr         error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakePlane() *fakePlane {
	return &fakePlane{
		info:             map[string]ThreadInfo{},
		nicknameFailures: map[string]int{},
	}
}

func (p *fakePlane) record(call planeCall) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePlane) SetTitle(_ context.Context, name, threadID string) error {
	p.record(planeCall{Method: "setTitle", ThreadID: threadID, Arg: name})
	return p.titleErr
}

func (p *fakePlane) ChangeNickname(ctx context.Context, nickname, threadID, memberID string) error {
	current := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		seen := p.maxInFlight.Load()
		if current <= seen || p.maxInFlight.CompareAndSwap(seen, current) {
			break
		}
	}
	p.record(planeCall{Method: "changeNickname", ThreadID: threadID, Arg: nickname, MemberID: memberID})
	if p.nicknameDelay > 0 {
		if err := sleepContext(ctx, p.nicknameDelay); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if remaining := p.nicknameFailures[memberID]; remaining > 0 {
		p.nicknameFailures[memberID] = remaining - 1
		return errors.New("rate limited")
	}
	return nil
}

func (p *fakePlane) ChangeGroupImage(_ context.Context, path, threadID string) error {
	p.record(planeCall{Method: "changeGroupImage", ThreadID: threadID, Arg: path})
	return p.imageErr
}

func (p *fakePlane) SendMessage(_ context.Context, text, threadID string) error {
	p.record(planeCall{Method: "sendMessage", ThreadID: threadID, Arg: text})
	return nil
}

func (p *fakePlane) GetThreadInfo(_ context.Context, threadID string) (ThreadInfo, error) {
	p.record(planeCall{Method: "getThreadInfo", ThreadID: threadID})
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.info[threadID]
	if !ok {
		return ThreadInfo{}, errors.New("thread not found")
	}
	return info, nil
}

func (p *fakePlane) callsFor(method string) []planeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []planeCall
	for _, call := range p.calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

func (p *fakePlane) messages(threadID string) []string {
	var out []string
	for _, call := range p.callsFor("sendMessage") {
		if call.ThreadID == threadID {
			out = append(out, call.Arg)
		}
	}
	return out
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

// fastQueue returns a started queue with tiny pacing so tests stay quick.
func fastQueue(t *testing.T, plane ControlPlane) *MutationQueue {
	t.Helper()
	queue := NewMutationQueue(MutationQueueOptions{
		Plane:     plane,
		Pacing:    time.Millisecond,
		RetryBase: time.Millisecond,
		RetryStep: time.Millisecond,
		Logger:    quietLogger(),
	})
	queue.Start()
	t.Cleanup(queue.Close)
	return queue
}

func memoryStore(t *testing.T) (*Store, *InMemoryStateBackend) {
	t.Helper()
	backend := NewInMemoryStateBackend()
	store := NewStore(StoreOptions{Backend: backend, Logger: quietLogger()})
	if err := store.Load(); err != nil {
		t.Fatalf("load memory store: %v", err)
	}
	return store, backend
}
