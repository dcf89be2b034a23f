package nats

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/opsnav/opsnav/internal/shared/config"
)

// Client wraps the NATS connection with simple functionality
type Client struct {
	conn *nats.Conn
}

// NewClient creates a new NATS client with the provided configuration
func NewClient(cfg *config.NATSConfig) (*Client, error) {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("NATS configuration is required")
	}

	opts := []nats.Option{
		nats.Name("opsnav-client"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	}

	conn, err := nats.Connect(cfg.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	slog.Info("connected to NATS", "url", cfg.URLs[0])

	return &Client{conn: conn}, nil
}

// Publish publishes a message to the given subject
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe creates a subscription to the given subject
func (c *Client) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, handler)
}

// Close closes the NATS connection
func (c *Client) Close() error {
	if c.conn != nil {
		c.conn.Close()
		slog.Info("NATS connection closed")
	}
	return nil
}
