// Package protocol defines the messages exchanged with game clients and
// operator tools.
package protocol

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// TypeAuth is sent by client immediately after connection to authenticate
	TypeAuth MessageType = "auth"

	// TypeCommand carries an operator command line
	TypeCommand MessageType = "command"

	// TypeCommandResult is the server's reply to TypeCommand
	TypeCommandResult MessageType = "command_result"

	// TypeSample carries one absolute actor position
	TypeSample MessageType = "sample"

	// TypeProfile selects the actor's input mode
	TypeProfile MessageType = "profile"

	// TypeCorrection is sent by the server to put an actor back in place
	TypeCorrection MessageType = "correction"

	// TypeStatus is broadcast when the session or device state changes
	TypeStatus MessageType = "status"

	// TypeError reports a rejected message
	TypeError MessageType = "error"

	// TypePing can be used for application-level heartbeats if needed
	TypePing MessageType = "ping"
)

// Message is the generic container for all WebSocket messages
type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload,omitempty"`
}

// AuthPayload is the payload for TypeAuth
type AuthPayload struct {
	Token         string `json:"token"`
	Actor         string `json:"actor,omitempty"`
	ClientVersion string `json:"client_version"`
}

// Vec is a position on the wire.
type Vec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// CommandPayload is the payload for TypeCommand
type CommandPayload struct {
	Line     string `json:"line"`
	Position *Vec   `json:"position,omitempty"`
}

// ReplyPayload is one line of command output
type ReplyPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// CommandResultPayload is the payload for TypeCommandResult
type CommandResultPayload struct {
	Line    string         `json:"line"`
	Replies []ReplyPayload `json:"replies"`
	Error   string         `json:"error,omitempty"`
}

// SamplePayload is the payload for TypeSample
type SamplePayload = Vec

// ProfilePayload is the payload for TypeProfile
type ProfilePayload struct {
	Profile int `json:"profile"`
}

// CorrectionPayload is the payload for TypeCorrection
type CorrectionPayload struct {
	Sample   int     `json:"sample"`
	Position Vec     `json:"position"`
	Orient   bool    `json:"orient,omitempty"`
	Yaw      float64 `json:"yaw,omitempty"`
	Pitch    float64 `json:"pitch,omitempty"`
}

// StatusPayload is the payload for TypeStatus
type StatusPayload struct {
	Running   bool     `json:"running"`
	Session   string   `json:"session,omitempty"`
	Image     string   `json:"image,omitempty"`
	Medium    string   `json:"medium,omitempty"`
	RAM       int      `json:"ram_mb,omitempty"`
	Width     int      `json:"width"`
	Height    int      `json:"height"`
	MouseX    int      `json:"mouse_x"`
	MouseY    int      `json:"mouse_y"`
	Modifiers []string `json:"modifiers"`
	Actors    []string `json:"actors"`
}

// ErrorPayload is the payload for TypeError
type ErrorPayload struct {
	Message string `json:"message"`
}
