package controlplane

import "encoding/json"

const (
	opLogin  = "login"
	opCall   = "call"
	opResult = "result"
	opEvent  = "event"
)

const (
	methodSetTitle         = "setTitle"
	methodChangeNickname   = "changeNickname"
	methodChangeGroupImage = "changeGroupImage"
	methodSendMessage      = "sendMessage"
	methodGetThreadInfo    = "getThreadInfo"
)

// frame is the single JSON envelope used in both directions on the gateway
// socket. Requests carry op login/call, the gateway answers with op result
// (same id) and pushes op event frames unprompted.
type frame struct {
	Op     string          `json:"op"`
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params any             `json:"params,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type loginParams struct {
	AppState json.RawMessage `json:"appState"`
	Options  loginOptions    `json:"options"`
}

type loginOptions struct {
	ListenEvents bool `json:"listenEvents"`
	SelfListen   bool `json:"selfListen"`
}

type loginResult struct {
	UserID string `json:"userID"`
}

type setTitleParams struct {
	Title    string `json:"title"`
	ThreadID string `json:"threadID"`
}

type changeNicknameParams struct {
	Nickname      string `json:"nickname"`
	ThreadID      string `json:"threadID"`
	ParticipantID string `json:"participantID"`
}

type changeGroupImageParams struct {
	// Image is the file content, standard base64.
	Image    string `json:"image"`
	FileName string `json:"fileName"`
	ThreadID string `json:"threadID"`
}

type sendMessageParams struct {
	Body     string `json:"body"`
	ThreadID string `json:"threadID"`
}

type threadParams struct {
	ThreadID string `json:"threadID"`
}
