package hub

import "context"

// Notification represents a message to be sent to a connection.
type Notification struct {
	Method string
	Params any
}

// Notifier abstracts the mechanism for sending notifications.
// The websocket handler delivers through the JSON-RPC connection; tests
// record what they receive.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
