// Package messaging provides a NATS client wrapper for broadcasting
// moderation verdicts to downstream services (action bots, dashboards,
// escalation workers). It handles connection lifecycle and subject-based
// publishing. The subscribe side is part of the package so those consumers
// can depend on the same subjects and payloads; the assistant itself only
// publishes.
package messaging

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used by the moderation assistant.
const (
	// SubjectVerdict carries confirmed violation verdicts, suffixed with
	// the channel id: moderation.verdict.<channel_id>.
	SubjectVerdict = "moderation.verdict"

	// SubjectVerdictWildcard subscribes to verdicts for all channels.
	SubjectVerdictWildcard = SubjectVerdict + ".>"
)

// VerdictEvent is the payload published for each confirmed violation.
type VerdictEvent struct {
	ChannelID uint64 `json:"channel_id"`
	UserID    uint64 `json:"user_id,omitempty"`
	Reason    string `json:"reason"`
	Ts        int64  `json:"ts"`
}

// Client wraps the NATS connection with helper methods for verdict pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "modbot",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishVerdict publishes a verdict payload for the given channel.
func (c *Client) PublishVerdict(channelID uint64, data []byte) error {
	subject := SubjectVerdict + "." + strconv.FormatUint(channelID, 10)
	return c.conn.Publish(subject, data)
}

// SubscribeVerdicts registers a handler for verdicts on all channels and
// stores the subscription internally for later cleanup.
func (c *Client) SubscribeVerdicts(handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(SubjectVerdictWildcard, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectVerdictWildcard, err)
	}

	c.mu.Lock()
	c.subs[SubjectVerdictWildcard] = sub
	c.mu.Unlock()

	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
