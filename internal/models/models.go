package models

/*** Websocket frames ***/
type WSFrame struct {
	Type string      `json:"type"` // see the Frame* constants
	Data interface{} `json:"data"`
}

// client -> server
const (
	FrameJoin        = "join"
	FrameRequestSync = "request_sync"
	FrameEdit        = "edit"
)

// server -> client
const (
	FrameDocument         = "document"
	FrameForceSync        = "force_sync"
	FrameAck              = "ack"
	FrameUserConnected    = "user_connected"
	FrameUserDisconnected = "user_disconnected"
	FrameAllUsers         = "all_users"
	FrameEditError        = "edit_error"
	FrameError            = "error"
)

/*** Collaboration state ***/
type DocState struct {
	Text     string `json:"text"`
	Revision int64  `json:"revision"`
}

type User struct {
	SID      string `json:"sid"`
	Username string `json:"username"`
}

type AllUsers struct {
	Users []User `json:"users"`
}

// EditRequest is the payload of an "edit" frame. Position is omitted for replace.
type EditRequest struct {
	Type     string `json:"type"`
	Position *int   `json:"position,omitempty"`
	Text     string `json:"text"`
	Revision *int64 `json:"revision,omitempty"`
}

type Ack struct {
	Revision int64 `json:"revision"`
}

type Message struct {
	Message string `json:"message"`
}

// DocumentView is the read-only HTTP snapshot of a room.
type DocumentView struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Revision int64  `json:"revision"`
	Users    []User `json:"users"`
}

// DocumentClosedEvent is published when the last member leaves a room.
type DocumentClosedEvent struct {
	DocumentID string `json:"documentId"`
	InstanceID string `json:"instanceId"`
	Revision   int64  `json:"revision"`
	Length     int    `json:"length"`
	ClosedAt   string `json:"closedAt"`
}

/*** Execution service ***/
type ExecuteRequest struct {
	Code        string `json:"code"`
	Input       string `json:"input,omitempty"`
	CompileOnly bool   `json:"compileOnly,omitempty"`
}

type Stage string

const (
	StageCompilation Stage = "compilation"
	StageExecution   Stage = "execution"
	StageNeedsInput  Stage = "needs_input"
)

type ExecuteResult struct {
	Success    bool   `json:"success"`
	Stage      Stage  `json:"stage"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Output     string `json:"output,omitempty"`
	ReturnCode int    `json:"returncode"`
}
