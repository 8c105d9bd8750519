package lockwarden

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"testing"
)

const testBoss = "boss-1"

type commandFixture struct {
	plane       *fakePlane
	store       *Store
	assets      *AssetCache
	interpreter *Interpreter
	reconciler  *Reconciler
}

func newCommandFixture(t *testing.T, client *http.Client) *commandFixture {
	t.Helper()
	fx := &commandFixture{plane: newFakePlane()}
	fx.store, _ = memoryStore(t)
	fx.assets = NewAssetCache(AssetCacheOptions{
		Dir:        t.TempDir(),
		HTTPClient: client,
		Store:      fx.store,
		Plane:      fx.plane,
		Logger:     quietLogger(),
	})
	queue := fastQueue(t, fx.plane)
	fx.interpreter = NewInterpreter(InterpreterOptions{
		Store:      fx.store,
		Plane:      fx.plane,
		Assets:     fx.assets,
		Queue:      queue,
		Authorizer: NewStaticAuthorizer(testBoss),
		Logger:     quietLogger(),
	})
	fx.reconciler = NewReconciler(ReconcilerOptions{
		Store:  fx.store,
		Plane:  fx.plane,
		Assets: fx.assets,
		Queue:  queue,
		Logger: quietLogger(),
	})
	return fx
}

func (fx *commandFixture) say(t *testing.T, sender, threadID, body string) error {
	t.Helper()
	return fx.interpreter.HandleMessage(context.Background(), Event{
		Type:     EventTypeMessage,
		ThreadID: threadID,
		SenderID: sender,
		Body:     body,
	})
}

func TestParseCommand(t *testing.T) {
	cmd, ok := ParseCommand("  /GroupName ON  The   Room ")
	if !ok {
		t.Fatalf("expected command to parse")
	}
	if cmd.Name != "groupname" || cmd.Sub != "on" || cmd.Text != "The Room" {
		t.Fatalf("unexpected parse result %+v", cmd)
	}
	if _, ok := ParseCommand("   "); ok {
		t.Fatalf("expected blank body to be rejected")
	}
	if _, ok := ParseCommand("/"); ok {
		t.Fatalf("expected bare slash to be rejected")
	}
}

func TestInterpreterIgnoresNonBoss(t *testing.T) {
	fx := newCommandFixture(t, nil)
	before := fx.store.Snapshot()

	for _, body := range []string{"/groupname on X", "/nicknames on Y", "/photolock on", "/help"} {
		if err := fx.say(t, "intruder", "t1", body); err != nil {
			t.Fatalf("expected non-boss message to be ignored, got %v", err)
		}
	}
	if len(fx.plane.calls) != 0 {
		t.Fatalf("expected no remote calls for non-boss, got %+v", fx.plane.calls)
	}
	if after := fx.store.Snapshot(); !reflect.DeepEqual(before, after) {
		t.Fatalf("expected lock set unchanged, got %+v", after)
	}
}

func TestGroupNameOnOff(t *testing.T) {
	fx := newCommandFixture(t, nil)
	if err := fx.say(t, testBoss, "t1", "/groupname on Study Hall"); err != nil {
		t.Fatalf("groupname on failed: %v", err)
	}
	if name, ok := fx.store.GroupName("t1"); !ok || name != "Study Hall" {
		t.Fatalf("expected group name locked, got %q", name)
	}
	if calls := fx.plane.callsFor("setTitle"); len(calls) != 1 || calls[0].Arg != "Study Hall" {
		t.Fatalf("expected immediate setTitle, got %+v", calls)
	}

	if err := fx.say(t, testBoss, "t1", "/groupname on"); err != nil {
		t.Fatalf("groupname usage failed: %v", err)
	}
	msgs := fx.plane.messages("t1")
	if msgs[len(msgs)-1] != msgGroupNameUsage {
		t.Fatalf("expected usage reply, got %q", msgs[len(msgs)-1])
	}

	if err := fx.say(t, testBoss, "t1", "/groupname off"); err != nil {
		t.Fatalf("groupname off failed: %v", err)
	}
	if _, ok := fx.store.GroupName("t1"); ok {
		t.Fatalf("expected group name unlocked")
	}
}

// The lock map is recorded before the member writes go out, so the
// notifications those writes trigger already match the LockSet.
func TestNicknamesOnThenOffLeavesNoLock(t *testing.T) {
	fx := newCommandFixture(t, nil)
	fx.plane.info["t1"] = ThreadInfo{ThreadID: "t1", ParticipantIDs: []string{"u2", "u1", "u3"}}

	if err := fx.say(t, testBoss, "t1", "/nicknames on Ace"); err != nil {
		t.Fatalf("nicknames on failed: %v", err)
	}
	locked, ok := fx.store.Nicknames("t1")
	want := map[string]string{"u1": "Ace", "u2": "Ace", "u3": "Ace"}
	if !ok || !reflect.DeepEqual(locked, want) {
		t.Fatalf("expected %+v, got %+v", want, locked)
	}
	calls := fx.plane.callsFor("changeNickname")
	if len(calls) != 3 || calls[0].MemberID != "u1" || calls[2].MemberID != "u3" {
		t.Fatalf("expected changeNickname for each member in order, got %+v", calls)
	}

	if err := fx.say(t, testBoss, "t1", "/nicknames off"); err != nil {
		t.Fatalf("nicknames off failed: %v", err)
	}
	if _, ok := fx.store.Nicknames("t1"); ok {
		t.Fatalf("expected nickname lock removed")
	}
	clears := fx.plane.callsFor("changeNickname")[3:]
	if len(clears) != 3 {
		t.Fatalf("expected 3 clears, got %+v", clears)
	}
	for _, call := range clears {
		if call.Arg != "" {
			t.Fatalf("expected nickname cleared, got %+v", call)
		}
	}

	// A nickname notification after unlock must not trigger enforcement.
	err := fx.reconciler.HandleEvent(context.Background(), Event{
		Type:           EventTypeEvent,
		ThreadID:       "t1",
		LogMessageType: LogUserNickname,
		LogMessageData: map[string]any{"participant_id": "u1", "nickname": ""},
	})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if got := len(fx.plane.callsFor("changeNickname")); got != 6 {
		t.Fatalf("expected no further nickname changes, got %d total", got)
	}
}

func TestNicknamesOnKeepsLockWhenEveryWriteFails(t *testing.T) {
	fx := newCommandFixture(t, nil)
	fx.plane.info["t1"] = ThreadInfo{ThreadID: "t1", ParticipantIDs: []string{"u1", "u2"}}
	fx.plane.nicknameFailures["u1"] = defaultNicknameRetries
	fx.plane.nicknameFailures["u2"] = defaultNicknameRetries

	if err := fx.say(t, testBoss, "t1", "/nicknames on Ace"); err != nil {
		t.Fatalf("nicknames on failed: %v", err)
	}
	if got := len(fx.plane.callsFor("changeNickname")); got != 2*defaultNicknameRetries {
		t.Fatalf("expected every attempt used, got %d changeNickname calls", got)
	}
	want := map[string]string{"u1": "Ace", "u2": "Ace"}
	if locked, ok := fx.store.Nicknames("t1"); !ok || !reflect.DeepEqual(locked, want) {
		t.Fatalf("expected lock kept after failed writes, got %+v", locked)
	}

	// The next change notification enforces the lock once the remote recovers.
	err := fx.reconciler.HandleEvent(context.Background(), Event{
		Type:           EventTypeEvent,
		ThreadID:       "t1",
		LogMessageType: LogUserNickname,
		LogMessageData: map[string]any{"participant_id": "u1", "nickname": "Old"},
	})
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	calls := fx.plane.callsFor("changeNickname")
	last := calls[len(calls)-1]
	if len(calls) != 2*defaultNicknameRetries+1 || last.MemberID != "u1" || last.Arg != "Ace" {
		t.Fatalf("expected a successful revert to Ace for u1, got %+v", calls)
	}
}

func TestNicknamesOffWithoutLockIsQuiet(t *testing.T) {
	fx := newCommandFixture(t, nil)
	if err := fx.say(t, testBoss, "t1", "/nicknames off"); err != nil {
		t.Fatalf("nicknames off failed: %v", err)
	}
	if len(fx.plane.callsFor("changeNickname")) != 0 {
		t.Fatalf("expected no nickname changes without a lock")
	}
	if msgs := fx.plane.messages("t1"); len(msgs) != 1 || msgs[0] != msgNicknamesOff {
		t.Fatalf("expected unlock reply, got %+v", msgs)
	}
}

func TestPhotoLockOnWithoutImage(t *testing.T) {
	fx := newCommandFixture(t, nil)
	fx.plane.info["t1"] = ThreadInfo{ThreadID: "t1"}

	if err := fx.say(t, testBoss, "t1", "/photolock on"); err != nil {
		t.Fatalf("photolock on failed: %v", err)
	}
	if _, ok := fx.store.GroupPic("t1"); ok {
		t.Fatalf("expected no photo lock without an image url")
	}
	if msgs := fx.plane.messages("t1"); len(msgs) != 1 || msgs[0] != msgNoGroupPhoto {
		t.Fatalf("expected %q, got %+v", msgNoGroupPhoto, msgs)
	}
}

func TestPhotoLockResetAfterCacheLossThenRelock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("jpeg"))
	}))
	defer server.Close()

	fx := newCommandFixture(t, server.Client())
	fx.plane.info["t1"] = ThreadInfo{ThreadID: "t1", ThreadImage: server.URL + "/group.jpg"}

	if err := fx.say(t, testBoss, "t1", "/photolock on"); err != nil {
		t.Fatalf("photolock on failed: %v", err)
	}
	pic, ok := fx.store.GroupPic("t1")
	if !ok || pic.URL != server.URL+"/group.jpg" {
		t.Fatalf("expected photo lock recorded, got %+v", pic)
	}
	if err := os.Remove(pic.File); err != nil {
		t.Fatalf("remove cached file failed: %v", err)
	}

	err := fx.say(t, testBoss, "t1", "/photolock reset")
	if !IsMissingAsset(err) {
		t.Fatalf("expected MissingAssetError from reset, got %v", err)
	}
	msgs := fx.plane.messages("t1")
	if msgs[len(msgs)-1] != msgNoSavedImage {
		t.Fatalf("expected %q reply, got %q", msgNoSavedImage, msgs[len(msgs)-1])
	}
	if len(fx.plane.callsFor("changeGroupImage")) != 0 {
		t.Fatalf("expected no image change while cache file is missing")
	}

	if err := fx.say(t, testBoss, "t1", "/photolock on"); err != nil {
		t.Fatalf("second photolock on failed: %v", err)
	}
	if err := fx.say(t, testBoss, "t1", "/photolock reset"); err != nil {
		t.Fatalf("reset after relock failed: %v", err)
	}
	if calls := fx.plane.callsFor("changeGroupImage"); len(calls) != 1 {
		t.Fatalf("expected one image change after relock, got %+v", calls)
	}
}

func TestPhotoLockStatusAndUnknownSub(t *testing.T) {
	fx := newCommandFixture(t, nil)
	if err := fx.say(t, testBoss, "t1", "/photolock"); err != nil {
		t.Fatalf("photolock status failed: %v", err)
	}
	if err := fx.say(t, testBoss, "t1", "/photolock sideways"); err != nil {
		t.Fatalf("unknown subcommand failed: %v", err)
	}
	msgs := fx.plane.messages("t1")
	if len(msgs) != 1 || msgs[0] != "Photo lock is OFF" {
		t.Fatalf("expected only the status reply, got %+v", msgs)
	}
}

func TestPhotoLockDownloadFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	fx := newCommandFixture(t, server.Client())
	fx.plane.info["t1"] = ThreadInfo{ThreadID: "t1", ImageSrc: server.URL + "/p.png"}
	if err := fx.say(t, testBoss, "t1", "/photolock on"); err != nil {
		t.Fatalf("photolock on failed: %v", err)
	}
	if _, ok := fx.store.GroupPic("t1"); ok {
		t.Fatalf("expected no lock after failed download")
	}
	if msgs := fx.plane.messages("t1"); len(msgs) != 1 || msgs[0] != msgPhotoSaveFailed {
		t.Fatalf("expected save failure reply, got %+v", msgs)
	}
}

func TestHelpNamesBoss(t *testing.T) {
	fx := newCommandFixture(t, nil)
	if err := fx.say(t, testBoss, "t1", "help"); err != nil {
		t.Fatalf("help failed: %v", err)
	}
	msgs := fx.plane.messages("t1")
	if len(msgs) != 1 || !strings.Contains(msgs[0], testBoss) || !strings.Contains(msgs[0], "/photolock reset") {
		t.Fatalf("expected help text naming commands and boss, got %+v", msgs)
	}
}

func TestStaticAuthorizerSwap(t *testing.T) {
	auth := NewStaticAuthorizer("")
	if auth.IsAuthorized("") {
		t.Fatalf("expected empty boss to authorize nobody")
	}
	auth.SetBoss(" 42 ")
	if !auth.IsAuthorized("42") || auth.IsAuthorized("43") {
		t.Fatalf("expected only 42 to be authorized")
	}
}
