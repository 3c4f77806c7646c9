package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/hub"
	"github.com/sourcegraph/jsonrpc2"
)

// notifyTimeout bounds one write so a stalled peer cannot hold up a
// fan-out to the rest of a room.
const notifyTimeout = 5 * time.Second

var errConnClosed = errors.New("connection closed")

// connNotifier delivers hub notifications as JSON-RPC notifications on
// one connection.
type connNotifier struct {
	conn *jsonrpc2.Conn
}

var _ hub.Notifier = (*connNotifier)(nil)

func newConnNotifier(conn *jsonrpc2.Conn) *connNotifier {
	return &connNotifier{conn: conn}
}

func (n *connNotifier) Notify(ctx context.Context, notif hub.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	if err := n.conn.Notify(ctx, notif.Method, notif.Params); err != nil {
		if errors.Is(err, jsonrpc2.ErrClosed) {
			return errConnClosed
		}
		return fmt.Errorf("notify %s: %w", notif.Method, err)
	}
	return nil
}
