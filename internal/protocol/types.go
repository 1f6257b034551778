package protocol

import "encoding/json"

// Push command names sent from the coordinator to foreground contexts.
const (
	PushUpdateOptions     = "UpdateOptions"
	PushUpdateScript      = "UpdateScript"
	PushAddScript         = "AddScript"
	PushUpdateValues      = "UpdateValues"
	PushHTTPRequested     = "HttpRequested"
	PushGetBadge          = "GetBadge"
	PushNotificationClick = "NotificationClick"
	PushNotificationClose = "NotificationClose"
)

// Request is an inbound command frame from a foreground context.
// ID is set when the sender waits for a reply.
type Request struct {
	ID   *int64          `json:"id,omitempty"`
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Reply answers a Request that carried an ID.
type Reply struct {
	ID    int64  `json:"id"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Message is a fire-and-forget push: {cmd, data}.
type Message struct {
	Cmd  string `json:"cmd"`
	Data any    `json:"data"`
}

// Host operations sent to the browser shell.
const (
	OpSetBadge           = "setBadge"
	OpSetIcon            = "setIcon"
	OpCreateNotification = "createNotification"
	OpOpenTab            = "openTab"
)

// HostOp asks the browser shell to touch browser chrome on our behalf.
type HostOp struct {
	Op string `json:"op"`

	TabID int    `json:"tabId,omitempty"`
	Text  string `json:"text,omitempty"`
	Color string `json:"color,omitempty"`

	Applied *bool `json:"applied,omitempty"`

	ID        string `json:"id,omitempty"`
	Title     string `json:"title,omitempty"`
	Message   string `json:"message,omitempty"`
	IconURL   string `json:"iconUrl,omitempty"`
	Clickable bool   `json:"isClickable,omitempty"`

	URL    string `json:"url,omitempty"`
	Active *bool  `json:"active,omitempty"`
}

// Host events reported by the browser shell.
const (
	EventNotificationClicked = "notificationClicked"
	EventNotificationClosed  = "notificationClosed"
)

// HostEvent is an inbound frame from the browser shell.
type HostEvent struct {
	Event string `json:"event"`
	ID    string `json:"id"`
}

// Notification asks the host to show a desktop notification. ID is chosen
// by the coordinator so click events can be routed back.
type Notification struct {
	ID        string
	Title     string
	Message   string
	IconURL   string
	Clickable bool
}
