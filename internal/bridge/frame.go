package bridge

import "encoding/json"

// Wire action types understood by the on-device server.
const (
	ActionTap           = "tap"
	ActionSwipe         = "swipe"
	ActionInputText     = "input_text"
	ActionClearText     = "clear_text"
	ActionKeyEvent      = "key_event"
	ActionScreenshot    = "screenshot"
	ActionViewHierarchy = "view_hierarchy"
	ActionScreenSize    = "screen_size"
	ActionSetClipboard  = "set_clipboard"
	ActionGetClipboard  = "get_clipboard"
	ActionLaunchApp     = "launch_app"
	ActionWait          = "wait"
)

// Reply statuses on the wire.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Event types pushed by the device without a matching request.
const (
	EventScreenChanged = "screen_changed"
	EventConnectivity  = "connectivity"
	EventDeviceLog     = "device_log"
)

// Request is one command frame sent to the device.
type Request struct {
	RequestID  string         `json:"requestId"`
	ActionType string         `json:"actionType"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Reply is the device's answer to one Request, correlated by RequestID.
type Reply struct {
	RequestID string          `json:"requestId"`
	Status    string          `json:"status"`
	Message   string          `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// OK reports whether the device applied the command.
func (r *Reply) OK() bool {
	return r != nil && r.Status == StatusSuccess
}

// PushEvent is an unsolicited frame from the device.
type PushEvent struct {
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// inboundFrame is the superset decoded from the wire; a frame with a
// requestId is a Reply, one with an eventType is a PushEvent.
type inboundFrame struct {
	RequestID string          `json:"requestId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	EventType string          `json:"eventType,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ScreenCapture is the decoded result of a screenshot or view_hierarchy reply.
type ScreenCapture struct {
	// Image is the base64-encoded PNG from a screenshot reply.
	Image string `json:"image,omitempty"`
	// Views is the accessibility tree JSON from a view_hierarchy reply.
	Views  json.RawMessage `json:"views,omitempty"`
	Width  int             `json:"width"`
	Height int             `json:"height"`
}
