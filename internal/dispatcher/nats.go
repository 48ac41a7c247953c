package dispatcher

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS is a Dispatcher that publishes a migration-complete event to a
// subject keyed by client id, for deployments where the supervising thread
// lives in a different process than the channel core.
type NATS struct {
	conn *nats.Conn
}

// NewNATS connects to url, retrying reconnects indefinitely once
// established, matching the teacher's connection options.
func NewNATS(url string) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: connect to nats: %w", err)
	}
	return &NATS{conn: conn}, nil
}

// NotifyMigrateComplete implements Dispatcher by publishing an empty
// message to chanmux.migrate.complete.<clientID>.
func (d *NATS) NotifyMigrateComplete(clientID uint64) {
	subject := fmt.Sprintf("chanmux.migrate.complete.%d", clientID)
	d.conn.Publish(subject, nil)
}

// Close closes the underlying NATS connection without draining it.
func (d *NATS) Close() {
	d.conn.Close()
}
