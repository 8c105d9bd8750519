package lockwarden

import (
	"context"

	"github.com/charmbracelet/log"
)

const photoRevertedNotice = "Group picture reverted (lock active)."

type ReconcilerOptions struct {
	Store           *Store
	Plane           ControlPlane
	Assets          *AssetCache
	Queue           *MutationQueue
	NicknameRetries int

	// SelfID reports the logged-in account. Image changes it authored are
	// our own reverts coming back and are not reverted again.
	SelfID func() string
	Logger *log.Logger
}

// Reconciler compares one change notification with the LockSet and issues at
// most one corrective action for it.
type Reconciler struct {
	store           *Store
	plane           ControlPlane
	assets          *AssetCache
	queue           *MutationQueue
	nicknameRetries int
	selfID          func() string
	logger          *log.Logger
}

func NewReconciler(opts ReconcilerOptions) *Reconciler {
	retries := opts.NicknameRetries
	if retries <= 0 {
		retries = defaultNicknameRetries
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	selfID := opts.SelfID
	if selfID == nil {
		selfID = func() string { return "" }
	}
	return &Reconciler{
		store:           opts.Store,
		plane:           opts.Plane,
		assets:          opts.Assets,
		queue:           opts.Queue,
		nicknameRetries: retries,
		selfID:          selfID,
		logger:          logger,
	}
}

func (r *Reconciler) HandleEvent(ctx context.Context, ev Event) error {
	if ev.Type != EventTypeEvent || ev.ThreadID == "" {
		return nil
	}
	switch ev.LogMessageType {
	case LogThreadName:
		return r.revertTitle(ctx, ev)
	case LogThreadImage, LogThreadPhoto, LogThreadImageUpdate:
		return r.revertImage(ctx, ev)
	case LogUserNickname:
		return r.revertNickname(ctx, ev)
	default:
		return nil
	}
}

func (r *Reconciler) revertTitle(ctx context.Context, ev Event) error {
	locked, ok := r.store.GroupName(ev.ThreadID)
	if !ok {
		return nil
	}
	if ev.LogString("name") == locked {
		return nil
	}
	if err := r.plane.SetTitle(ctx, locked, ev.ThreadID); err != nil {
		return err
	}
	r.logger.Info("reverted title", "thread", ev.ThreadID)
	return nil
}

func (r *Reconciler) revertImage(ctx context.Context, ev Event) error {
	pic, ok := r.assets.Cached(ev.ThreadID)
	if !ok {
		if pic.File != "" {
			r.logger.Debug("locked image missing on disk, not reverting", "thread", ev.ThreadID, "path", pic.File)
		}
		return nil
	}
	if self := r.selfID(); self != "" && ev.SenderID == self {
		r.logger.Debug("ignoring our own image change", "thread", ev.ThreadID)
		return nil
	}
	if err := r.plane.ChangeGroupImage(ctx, pic.File, ev.ThreadID); err != nil {
		return err
	}
	if err := r.plane.SendMessage(ctx, photoRevertedNotice, ev.ThreadID); err != nil {
		return err
	}
	r.logger.Info("reverted photo", "thread", ev.ThreadID)
	return nil
}

func (r *Reconciler) revertNickname(ctx context.Context, ev Event) error {
	memberID := ev.LogString("participant_id")
	if memberID == "" {
		return nil
	}
	locked, ok := r.store.Nickname(ev.ThreadID, memberID)
	if !ok || ev.LogString("nickname") == locked {
		return nil
	}
	if r.queue.RetryChangeNickname(ctx, ev.ThreadID, memberID, locked, r.nicknameRetries) {
		r.logger.Info("reverted nickname", "thread", ev.ThreadID, "member", memberID)
	}
	return nil
}
