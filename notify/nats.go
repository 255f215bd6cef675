package notify

import (
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NatsNotifier carries version announcements between instances over a NATS
// subject. Plain core NATS (no JetStream): the channel is best-effort by
// contract and the store poll is the safety net.
type NatsNotifier struct {
	nc      *nats.Conn
	subject string
	hub     *Hub
	sub     *nats.Subscription
}

// NewNatsNotifier connects to NATS and starts relaying announcements from
// subject into a local hub.
func NewNatsNotifier(url, subject string) (*NatsNotifier, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	n := &NatsNotifier{
		nc:      nc,
		subject: subject,
		hub:     NewHub(),
	}

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		version, err := strconv.ParseInt(string(msg.Data), 10, 64)
		if err != nil {
			log.Warn().Str("subject", subject).Str("data", string(msg.Data)).Msg("Ignoring malformed version announcement")
			return
		}
		n.hub.Publish(version)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	n.sub = sub

	return n, nil
}

// Publish announces a version to all instances, this one included
func (n *NatsNotifier) Publish(version int64) {
	if err := n.nc.Publish(n.subject, []byte(strconv.FormatInt(version, 10))); err != nil {
		// Best-effort channel: peers fall back to polling the store
		log.Warn().Err(err).Int64("version", version).Msg("Failed to publish version announcement")
	}
}

// Subscribe returns a channel of announced versions
func (n *NatsNotifier) Subscribe() (<-chan int64, func()) {
	return n.hub.Subscribe()
}

// Close releases the NATS connection
func (n *NatsNotifier) Close() error {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	if n.nc != nil {
		n.nc.Close()
	}
	return n.hub.Close()
}
