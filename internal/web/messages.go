package web

import "time"

// Message types
const (
	MessageTypeApprovalRequest  = "approval_request"
	MessageTypeApprovalResolved = "approval_resolved"
	MessageTypeApprovalExpired  = "approval_expired"
	MessageTypeApprovalResponse = "approval_response"
	MessageTypeMessage          = "message"
	MessageTypeError            = "error"
)

// WebMessage is the envelope sent over the websocket in both directions.
type WebMessage struct {
	Type      string    `json:"type"`
	CallID    string    `json:"call_id,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	ChatRef   string    `json:"chat_ref,omitempty"`
	Content   string    `json:"content,omitempty"`
	Approved  *bool     `json:"approved,omitempty"`
	Error     string    `json:"error,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// decisionRequest is the optional JSON body of the HTTP decision routes.
type decisionRequest struct {
	MessageID string `json:"message_id"`
}

type decisionResponse struct {
	CallID   string `json:"call_id"`
	Decision string `json:"decision"`
	ChatRef  string `json:"chat_ref,omitempty"`
}

type submitRequest struct {
	Text string `json:"text"`
}
