package lockwarden

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

type Authorizer interface {
	IsAuthorized(senderID string) bool
}

// StaticAuthorizer accepts exactly one identity. The identity can be swapped
// at runtime when admin.txt changes.
type StaticAuthorizer struct {
	mu   sync.RWMutex
	boss string
}

func NewStaticAuthorizer(boss string) *StaticAuthorizer {
	return &StaticAuthorizer{boss: strings.TrimSpace(boss)}
}

func (a *StaticAuthorizer) IsAuthorized(senderID string) bool {
	boss := a.Boss()
	return boss != "" && senderID == boss
}

func (a *StaticAuthorizer) Boss() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.boss
}

func (a *StaticAuthorizer) SetBoss(boss string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.boss = strings.TrimSpace(boss)
}

type Command struct {
	Name string
	Sub  string
	Args []string
	// Text is every argument after the subcommand, rejoined with spaces.
	Text string
}

func ParseCommand(body string) (Command, bool) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return Command{}, false
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if name == "" {
		return Command{}, false
	}
	cmd := Command{Name: name, Args: fields[1:]}
	if len(cmd.Args) > 0 {
		cmd.Sub = strings.ToLower(cmd.Args[0])
		cmd.Text = strings.Join(cmd.Args[1:], " ")
	}
	return cmd, true
}

const (
	msgGroupNameUsage   = "Usage: /groupname on <name>"
	msgNicknamesUsage   = "Usage: /nicknames on <nickname>"
	msgGroupNameOff     = "Group name unlocked."
	msgNicknamesOff     = "Nicknames unlocked."
	msgNoGroupPhoto     = "No group photo found."
	msgPhotoLocked      = "Group photo locked successfully."
	msgPhotoSaveFailed  = "Failed to save group photo."
	msgPhotoOff         = "Group photo unlocked."
	msgPhotoReset       = "Group photo reset to locked image."
	msgPhotoResetFailed = "Failed to reset group photo."
	msgNoSavedImage     = "No saved image found."
)

type InterpreterOptions struct {
	Store           *Store
	Plane           ControlPlane
	Assets          *AssetCache
	Queue           *MutationQueue
	Authorizer      Authorizer
	NicknameRetries int
	Logger          *log.Logger
}

// Interpreter turns the boss's chat messages into LockSet mutations and
// immediate enforcement. Text from anyone else is dropped before parsing.
type Interpreter struct {
	store           *Store
	plane           ControlPlane
	assets          *AssetCache
	queue           *MutationQueue
	auth            Authorizer
	nicknameRetries int
	logger          *log.Logger
}

func NewInterpreter(opts InterpreterOptions) *Interpreter {
	retries := opts.NicknameRetries
	if retries <= 0 {
		retries = defaultNicknameRetries
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	auth := opts.Authorizer
	if auth == nil {
		auth = NewStaticAuthorizer("")
	}
	return &Interpreter{
		store:           opts.Store,
		plane:           opts.Plane,
		assets:          opts.Assets,
		queue:           opts.Queue,
		auth:            auth,
		nicknameRetries: retries,
		logger:          logger,
	}
}

// Accepts reports whether ev would reach command parsing at all.
func (i *Interpreter) Accepts(ev Event) bool {
	if ev.Type == EventTypeEvent || ev.ThreadID == "" {
		return false
	}
	if strings.TrimSpace(ev.Body) == "" {
		return false
	}
	return i.auth.IsAuthorized(ev.SenderID)
}

func (i *Interpreter) HandleMessage(ctx context.Context, ev Event) error {
	if !i.Accepts(ev) {
		return nil
	}
	cmd, ok := ParseCommand(ev.Body)
	if !ok {
		return nil
	}
	threadID := ev.ThreadID
	switch cmd.Name {
	case "help":
		return i.reply(ctx, threadID, i.helpText())
	case "groupname":
		return i.groupName(ctx, threadID, cmd)
	case "nicknames":
		return i.nicknames(ctx, threadID, cmd)
	case "photolock":
		return i.photoLock(ctx, threadID, cmd)
	default:
		return nil
	}
}

func (i *Interpreter) helpText() string {
	boss := ""
	if static, ok := i.auth.(*StaticAuthorizer); ok {
		boss = static.Boss()
	}
	lines := []string{
		"Lock commands:",
		"",
		"/groupname on <name>  lock the group name",
		"/groupname off        unlock the group name",
		"",
		"/nicknames on <nick>  lock every member's nickname",
		"/nicknames off        unlock and clear nicknames",
		"",
		"/photolock on         lock the current group photo",
		"/photolock off        unlock the group photo",
		"/photolock reset      restore the locked photo",
		"/photolock            show photo lock status",
	}
	if boss != "" {
		lines = append(lines, "", "Admin: "+boss)
	}
	return strings.Join(lines, "\n")
}

func (i *Interpreter) groupName(ctx context.Context, threadID string, cmd Command) error {
	switch cmd.Sub {
	case "on":
		name := cmd.Text
		if name == "" {
			return i.reply(ctx, threadID, msgGroupNameUsage)
		}
		i.store.SetGroupName(threadID, name)
		if err := i.plane.SetTitle(ctx, name, threadID); err != nil {
			i.logger.Error("set title failed", "thread", threadID, "err", err)
			return i.reply(ctx, threadID, fmt.Sprintf("Group name locked as %s, but renaming failed.", name))
		}
		return i.reply(ctx, threadID, "Group name locked: "+name)
	case "off":
		i.store.DeleteGroupName(threadID)
		return i.reply(ctx, threadID, msgGroupNameOff)
	default:
		return nil
	}
}

func (i *Interpreter) nicknames(ctx context.Context, threadID string, cmd Command) error {
	switch cmd.Sub {
	case "on":
		nickname := cmd.Text
		if nickname == "" {
			return i.reply(ctx, threadID, msgNicknamesUsage)
		}
		info, err := i.plane.GetThreadInfo(ctx, threadID)
		if err != nil {
			i.logger.Error("thread info failed", "thread", threadID, "err", err)
			return i.reply(ctx, threadID, "Failed to read group members.")
		}
		if err := i.enforceNicknames(ctx, threadID, info.ParticipantIDs, nickname); err != nil {
			return err
		}
		return i.reply(ctx, threadID, fmt.Sprintf("Nicknames locked as %q", nickname))
	case "off":
		if err := i.releaseNicknames(ctx, threadID); err != nil {
			return err
		}
		return i.reply(ctx, threadID, msgNicknamesOff)
	default:
		return nil
	}
}

// enforceNicknames records the lock before touching the remote side, so the
// change notifications our own writes produce already match the LockSet.
func (i *Interpreter) enforceNicknames(ctx context.Context, threadID string, members []string, nickname string) error {
	locked := make(map[string]string, len(members))
	for _, memberID := range members {
		if memberID = strings.TrimSpace(memberID); memberID != "" {
			locked[memberID] = nickname
		}
	}
	i.store.SetNicknames(threadID, locked)
	failed := 0
	for _, memberID := range sortedKeys(locked) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !i.queue.RetryChangeNickname(ctx, threadID, memberID, nickname, i.nicknameRetries) {
			failed++
		}
	}
	i.store.Save()
	i.logger.Info("nickname lock enforced", "thread", threadID, "members", len(locked), "failed", failed)
	return nil
}

// releaseNicknames drops the lock first, then clears every formerly locked
// member, so the clears are not reverted by the reconciler.
func (i *Interpreter) releaseNicknames(ctx context.Context, threadID string) error {
	existing, ok := i.store.Nicknames(threadID)
	if !ok {
		return nil
	}
	i.store.DeleteNicknames(threadID)
	for _, memberID := range sortedKeys(existing) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		i.queue.RetryChangeNickname(ctx, threadID, memberID, "", i.nicknameRetries)
	}
	i.logger.Info("nickname lock released", "thread", threadID, "members", len(existing))
	return nil
}

func (i *Interpreter) photoLock(ctx context.Context, threadID string, cmd Command) error {
	switch cmd.Sub {
	case "on":
		return i.photoLockOn(ctx, threadID)
	case "off":
		i.store.DeleteGroupPic(threadID)
		return i.reply(ctx, threadID, msgPhotoOff)
	case "reset":
		err := i.assets.Reapply(ctx, threadID)
		switch {
		case err == nil:
			return i.reply(ctx, threadID, msgPhotoReset)
		case IsMissingAsset(err):
			i.logger.Warn("photo reset without saved image", "thread", threadID, "err", err)
			if replyErr := i.reply(ctx, threadID, msgNoSavedImage); replyErr != nil {
				return errors.Join(err, replyErr)
			}
			return err
		default:
			i.logger.Error("photo reset failed", "thread", threadID, "err", err)
			return i.reply(ctx, threadID, msgPhotoResetFailed)
		}
	case "":
		state := "OFF"
		if _, ok := i.store.GroupPic(threadID); ok {
			state = "ON"
		}
		return i.reply(ctx, threadID, "Photo lock is "+state)
	default:
		return nil
	}
}

func (i *Interpreter) photoLockOn(ctx context.Context, threadID string) error {
	imageURL := ""
	if info, err := i.plane.GetThreadInfo(ctx, threadID); err != nil {
		i.logger.Warn("thread info failed", "thread", threadID, "err", err)
	} else {
		imageURL = info.ImageURL()
	}
	if imageURL == "" {
		return i.reply(ctx, threadID, msgNoGroupPhoto)
	}
	path, err := i.assets.Fetch(ctx, threadID, imageURL)
	if err != nil {
		i.logger.Error("download error", "thread", threadID, "err", err)
		return i.reply(ctx, threadID, msgPhotoSaveFailed)
	}
	i.store.SetGroupPic(threadID, GroupPic{File: path, URL: imageURL})
	return i.reply(ctx, threadID, msgPhotoLocked)
}

func (i *Interpreter) reply(ctx context.Context, threadID, text string) error {
	if err := i.plane.SendMessage(ctx, text, threadID); err != nil {
		i.logger.Error("reply failed", "thread", threadID, "err", err)
		return err
	}
	return nil
}

func sortedKeys(in map[string]string) []string {
	keys := make([]string, 0, len(in))
	for key := range in {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
