package lockwarden

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ControlPlane is the remote messaging surface the agent drives. Every call
// may fail with a transport error and none of them is idempotent on the
// remote side.
type ControlPlane interface {
	SetTitle(ctx context.Context, name, threadID string) error
	ChangeNickname(ctx context.Context, nickname, threadID, memberID string) error
	ChangeGroupImage(ctx context.Context, path, threadID string) error
	SendMessage(ctx context.Context, text, threadID string) error
	GetThreadInfo(ctx context.Context, threadID string) (ThreadInfo, error)
}

const (
	EventTypeEvent        = "event"
	EventTypeMessage      = "message"
	EventTypeMessageReply = "message_reply"

	LogThreadName        = "log:thread-name"
	LogThreadImage       = "log:thread-image"
	LogThreadPhoto       = "log:thread-photo"
	LogThreadImageUpdate = "log:thread-image-update"
	LogUserNickname      = "log:user-nickname"
)

type Event struct {
	Type           string         `json:"type"`
	ThreadID       string         `json:"threadID"`
	SenderID       string         `json:"senderID"`
	Body           string         `json:"body"`
	LogMessageType string         `json:"logMessageType"`
	LogMessageData map[string]any `json:"logMessageData"`
}

// UnmarshalJSON accepts numeric identifiers, which some gateways emit for
// thread and sender IDs. Change notifications name their actor "author".
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type           string          `json:"type"`
		ThreadID       json.RawMessage `json:"threadID"`
		SenderID       json.RawMessage `json:"senderID"`
		Author         json.RawMessage `json:"author"`
		Body           json.RawMessage `json:"body"`
		LogMessageType string          `json:"logMessageType"`
		LogMessageData map[string]any  `json:"logMessageData"`
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	senderID := rawString(raw.SenderID)
	if senderID == "" {
		senderID = rawString(raw.Author)
	}
	*e = Event{
		Type:           raw.Type,
		ThreadID:       rawString(raw.ThreadID),
		SenderID:       senderID,
		Body:           rawString(raw.Body),
		LogMessageType: raw.LogMessageType,
		LogMessageData: raw.LogMessageData,
	}
	return nil
}

func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// LogString reads a logMessageData field as a string, formatting numbers.
func (e Event) LogString(key string) string {
	return toString(e.LogMessageData[key])
}

func toString(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	default:
		return ""
	}
}

type ThreadInfo struct {
	ThreadID       string   `json:"threadID"`
	ParticipantIDs []string `json:"participantIDs"`
	ImageSrc       string   `json:"imageSrc,omitempty"`
	ThreadImage    string   `json:"threadImage,omitempty"`
	Image          string   `json:"image,omitempty"`
}

func (i ThreadInfo) ImageURL() string {
	for _, candidate := range []string{i.ImageSrc, i.ThreadImage, i.Image} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return candidate
		}
	}
	return ""
}

// guardedPlane bounds each remote call with a timeout and tags failures as
// *RemoteCallError.
type guardedPlane struct {
	plane   ControlPlane
	timeout time.Duration
}

func guardPlane(plane ControlPlane, timeout time.Duration) ControlPlane {
	if guarded, ok := plane.(*guardedPlane); ok {
		return guarded
	}
	return &guardedPlane{plane: plane, timeout: timeout}
}

func (g *guardedPlane) do(ctx context.Context, method, threadID string, fn func(ctx context.Context) error) error {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if err := fn(ctx); err != nil {
		return &RemoteCallError{Method: method, ThreadID: threadID, Err: err}
	}
	return nil
}

func (g *guardedPlane) SetTitle(ctx context.Context, name, threadID string) error {
	return g.do(ctx, "setTitle", threadID, func(ctx context.Context) error {
		return g.plane.SetTitle(ctx, name, threadID)
	})
}

func (g *guardedPlane) ChangeNickname(ctx context.Context, nickname, threadID, memberID string) error {
	return g.do(ctx, "changeNickname", threadID, func(ctx context.Context) error {
		return g.plane.ChangeNickname(ctx, nickname, threadID, memberID)
	})
}

func (g *guardedPlane) ChangeGroupImage(ctx context.Context, path, threadID string) error {
	return g.do(ctx, "changeGroupImage", threadID, func(ctx context.Context) error {
		return g.plane.ChangeGroupImage(ctx, path, threadID)
	})
}

func (g *guardedPlane) SendMessage(ctx context.Context, text, threadID string) error {
	return g.do(ctx, "sendMessage", threadID, func(ctx context.Context) error {
		return g.plane.SendMessage(ctx, text, threadID)
	})
}

func (g *guardedPlane) GetThreadInfo(ctx context.Context, threadID string) (ThreadInfo, error) {
	var info ThreadInfo
	err := g.do(ctx, "getThreadInfo", threadID, func(ctx context.Context) error {
		var callErr error
		info, callErr = g.plane.GetThreadInfo(ctx, threadID)
		return callErr
	})
	return info, err
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
