package lockwarden

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type panickingPlane struct {
	*fakePlane
}

func (p panickingPlane) SetTitle(context.Context, string, string) error {
	panic("remote library bug")
}

func newTestAgent(t *testing.T, plane ControlPlane) (*Agent, *Store) {
	t.Helper()
	store, _ := memoryStore(t)
	agent := NewAgent(AgentOptions{
		Plane:          plane,
		Store:          store,
		Authorizer:     NewStaticAuthorizer(testBoss),
		PhotosDir:      t.TempDir(),
		NicknamePacing: time.Millisecond,
		RetryBase:      time.Millisecond,
		RetryStep:      time.Millisecond,
		Logger:         quietLogger(),
	})
	return agent, store
}

func TestAgentHandleRecoversPanic(t *testing.T) {
	agent, store := newTestAgent(t, panickingPlane{newFakePlane()})
	store.SetGroupName("t1", "Locked")

	err := agent.Handle(context.Background(), titleEvent("t1", "Other"))
	var handlerErr *HandlerError
	if !errors.As(err, &handlerErr) {
		t.Fatalf("expected *HandlerError, got %v", err)
	}
	if handlerErr.ThreadID != "t1" || handlerErr.EventType != EventTypeEvent {
		t.Fatalf("unexpected handler error fields %+v", handlerErr)
	}
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed match")
	}
}

func TestAgentHandleWrapsRemoteFailure(t *testing.T) {
	plane := newFakePlane()
	plane.titleErr = errors.New("socket closed")
	agent, store := newTestAgent(t, plane)
	store.SetGroupName("t1", "Locked")

	err := agent.Handle(context.Background(), titleEvent("t1", "Other"))
	if !errors.Is(err, ErrHandlerFailed) || !errors.Is(err, ErrRemoteCall) {
		t.Fatalf("expected handler error wrapping remote call error, got %v", err)
	}
}

func TestAgentRunDispatchesAndDrains(t *testing.T) {
	plane := newFakePlane()
	agent, store := newTestAgent(t, plane)

	events := make(chan Event, 8)
	events <- Event{Type: EventTypeMessage, ThreadID: "t1", SenderID: testBoss, Body: "/groupname on Alpha"}
	events <- Event{Type: EventTypeMessage, ThreadID: "t1", SenderID: testBoss, Body: "/groupname on Beta"}
	events <- Event{Type: EventTypeMessage, ThreadID: "t1", SenderID: "someone", Body: "/groupname on Gamma"}
	close(events)

	if err := agent.Run(context.Background(), events); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if name, _ := store.GroupName("t1"); name != "Beta" {
		t.Fatalf("expected boss commands applied in order, got %q", name)
	}
	titles := plane.callsFor("setTitle")
	if len(titles) != 2 || titles[0].Arg != "Alpha" || titles[1].Arg != "Beta" {
		t.Fatalf("expected Alpha then Beta, got %+v", titles)
	}
	status := agent.Status()
	if len(status.Conversations) != 1 || status.Conversations[0].Title != "Beta" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestAgentRunStopsOnCancel(t *testing.T) {
	agent, _ := newTestAgent(t, newFakePlane())
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event)
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx, events) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("agent did not stop after cancel")
	}
}

func TestLaneSetOrdersEntrants(t *testing.T) {
	lanes := newLaneSet()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wait, release := lanes.enter("t1")
		wg.Add(1)
		go func(i int, wait <-chan struct{}, release func()) {
			defer wg.Done()
			defer release()
			if wait != nil {
				<-wait
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i, wait, release)
	}
	wg.Wait()
	for i, got := range order {
		if got != i {
			t.Fatalf("expected lane order 0..4, got %v", order)
		}
	}
	if len(lanes.tails) != 0 {
		t.Fatalf("expected lanes to be cleaned up, got %d", len(lanes.tails))
	}
}
