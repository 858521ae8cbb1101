package model

// WebSocket message types
type WSMessageType string

const (
	WSMessageTypeProgress WSMessageType = "progress"
	WSMessageTypeComplete WSMessageType = "complete"
	WSMessageTypeError    WSMessageType = "error"
	WSMessageTypePing     WSMessageType = "ping"
	WSMessageTypePong     WSMessageType = "pong"
)

// WSMessage is the envelope for client-originated messages
type WSMessage struct {
	Type WSMessageType `json:"type"`
}

// WSProgressMessage is pushed while a submission is still separating
type WSProgressMessage struct {
	Type         WSMessageType `json:"type"`
	SubmissionID int           `json:"music_id"`
	Progress     *Progress     `json:"progress"`
}

// WSCompleteMessage is pushed once, when the final mix is ready
type WSCompleteMessage struct {
	Type         WSMessageType `json:"type"`
	SubmissionID int           `json:"music_id"`
	Progress     *Progress     `json:"progress"`
}

// WSErrorMessage is pushed when a submission fails or disappears
type WSErrorMessage struct {
	Type         WSMessageType `json:"type"`
	SubmissionID int           `json:"music_id"`
	Error        WSError       `json:"error"`
}

type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
