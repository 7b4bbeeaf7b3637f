package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged between client and server over WebSocket.
// Event frames carry a bridge.Notification as payload and no id.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`     // request/response correlation ID
	Method  string          `json:"method,omitempty"` // RPC method name (request only)
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"` // response only
}

// RPC method names.
const (
	MethodSubscribe             = "event.subscribe"
	MethodPublish               = "event.publish"
	MethodUnsubscribe           = "event.unsubscribe"
	MethodGrantPluginAccess     = "event.grantPluginAccess"
	MethodRevokePluginAccess    = "event.revokePluginAccess"
	MethodGetPerformanceMetrics = "event.getPerformanceMetrics"
	MethodGetSubscriptionStats  = "event.getSubscriptionStats"
	MethodGetEventTypes         = "event.getEventTypes"
	MethodValidatePayload       = "event.validatePayload"
)
