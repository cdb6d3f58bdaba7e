// Package messaging provides a NATS client wrapper for fan-out of channel
// events between gateway instances. Each channel maps to one subject; every
// gateway with local members of a channel holds one subscription for it and
// delivers received events to its local room.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectChannel is the subject prefix for channel event fan-out
// (+ ".<channel_id>").
const SubjectChannel = "chat.channel"

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
		Name:          "chat-gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps the NATS connection with channel-subject helpers.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[int64]*nats.Subscription // channel_id -> subscription
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
		subs: make(map[int64]*nats.Subscription),
	}, nil
}

func channelSubject(channelID int64) string {
	return fmt.Sprintf("%s.%d", SubjectChannel, channelID)
}

// PublishChannelEvent publishes an encoded event to a channel's subject.
func (c *Client) PublishChannelEvent(channelID int64, data []byte) error {
	return c.conn.Publish(channelSubject(channelID), data)
}

// SubscribeChannel subscribes this gateway to a channel's subject. Calling
// it again for the same channel replaces nothing and returns nil; one
// subscription per channel per gateway is enough regardless of how many
// local members the room has.
func (c *Client) SubscribeChannel(channelID int64, handler func(data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[channelID]; ok {
		return nil
	}

	sub, err := c.conn.Subscribe(channelSubject(channelID), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe channel %d: %w", channelID, err)
	}
	c.subs[channelID] = sub
	return nil
}

// UnsubscribeChannel drops this gateway's subscription for a channel, called
// when the last local member leaves the room.
func (c *Client) UnsubscribeChannel(channelID int64) error {
	c.mu.Lock()
	sub, ok := c.subs[channelID]
	if ok {
		delete(c.subs, channelID)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("nats: no subscription for channel %d", channelID)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe channel %d: %w", channelID, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for channelID, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain channel %d: %v", channelID, err)
		}
	}
	c.subs = make(map[int64]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
