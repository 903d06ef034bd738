package ws

import (
	"time"

	"github.com/emribilemir/atlas-ois-tracker/internal/grades"
	"github.com/emribilemir/atlas-ois-tracker/internal/monitor"
)

type MessageType string

const (
	MsgStatus        MessageType = "status"
	MsgChanges       MessageType = "changes"
	MsgAlert         MessageType = "alert"
	MsgCommand       MessageType = "command"
	MsgCommandResult MessageType = "command_result"
	MsgError         MessageType = "error"
)

// Commands accepted over the socket and on /api/commands/{name}.
const (
	CmdStart  = "start"
	CmdStop   = "stop"
	CmdCheck  = "check"
	CmdStatus = "status"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// CommandRequest is the only frame clients send.
type CommandRequest struct {
	Type    MessageType `json:"type"`
	Command string      `json:"command"`
}

type CommandResultPayload struct {
	Command string               `json:"command"`
	OK      bool                 `json:"ok"`
	Message string               `json:"message,omitempty"`
	Check   *monitor.CheckResult `json:"check,omitempty"`
	Status  *monitor.Status      `json:"status,omitempty"`
}

type GradesPayload struct {
	CapturedAt time.Time       `json:"capturedAt"`
	Baseline   bool            `json:"baseline"` // false until the first successful check
	Records    []grades.Record `json:"records"`
}

type LogsPayload struct {
	Lines []string `json:"lines"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
