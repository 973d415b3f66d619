package ws

import (
	"github.com/gorilla/websocket"

	"github.com/termbridge/termbridge/internal/channel"
)

type MessageType string

const (
	MsgResize MessageType = "resize"
	MsgInput  MessageType = "input"
)

// ControlMessage is the JSON envelope carried in text frames from the
// client. Binary frames are raw keystrokes and are never parsed.
type ControlMessage struct {
	Type MessageType `json:"type"`
	Cols uint16      `json:"cols,omitempty"`
	Rows uint16      `json:"rows,omitempty"`
	Data string      `json:"data,omitempty"`
}

type CreateRequest struct {
	Name       string `json:"name"`
	WorkingDir string `json:"workingDir,omitempty"`
}

type KillRequest struct {
	Name string `json:"name"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Close frame texts sent with the close codes below.
const (
	CloseTextSessionEnded = "session ended"
	CloseTextAttachFailed = "attach failed"
	CloseTextShutdown     = "server shutting down"
)

// closeFrame maps a channel close reason to a WebSocket close code and text.
func closeFrame(reason channel.CloseReason) (int, string) {
	switch reason {
	case channel.ReasonSessionEnded:
		return websocket.CloseNormalClosure, CloseTextSessionEnded
	case channel.ReasonAttachFailed:
		return websocket.CloseInternalServerErr, CloseTextAttachFailed
	case channel.ReasonShutdown:
		return websocket.CloseGoingAway, CloseTextShutdown
	default:
		return websocket.CloseNormalClosure, ""
	}
}
