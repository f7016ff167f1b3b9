package client

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-approval-engine/internal/logger"
)

// Publisher sends one message to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSClient is a core NATS connection used for fire-and-forget events.
type NATSClient struct {
	conn *nats.Conn
	log  *logger.Logger
}

// ConnectNATS dials url and logs connection state changes.
func ConnectNATS(url, name string, log *logger.Logger) (*NATSClient, error) {
	log = log.Component("nats")
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSClient{conn: conn, log: log}, nil
}

// Publish sends data on subject. The context is only checked before
// publishing; core NATS publishes do not block on the server.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

// Close flushes pending messages and closes the connection.
func (c *NATSClient) Close() {
	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("NATS drain failed")
		c.conn.Close()
	}
}
