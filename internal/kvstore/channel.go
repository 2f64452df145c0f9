package kvstore

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wschat/internal/metrics"
)

// NATSChannel implements Publisher over NATS core pub/sub, following the
// connection-event-handler wiring of go-server/pkg/nats/client.go (connect,
// disconnect, reconnect, error handlers each update a metric and log).
type NATSChannel struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// NewNATSChannel dials url and wires connection-health metrics.
func NewNATSChannel(url string, logger zerolog.Logger) (*NATSChannel, error) {
	c := &NATSChannel{logger: logger}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		// Do not receive this connection's own publications: the coordinator
		// has already delivered them to local connections.
		nats.NoEcho(),
		nats.ConnectHandler(func(conn *nats.Conn) {
			metrics.NATSConnected.Set(1)
			logger.Info().Str("url", conn.ConnectedUrl()).Msg("connected to nats")
		}),
		nats.DisconnectErrHandler(func(conn *nats.Conn, err error) {
			metrics.NATSConnected.Set(0)
			if err != nil {
				logger.Warn().Err(err).Msg("disconnected from nats")
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			metrics.NATSConnected.Set(1)
			metrics.NATSReconnectsTotal.Inc()
			logger.Info().Str("url", conn.ConnectedUrl()).Msg("reconnected to nats")
		}),
		nats.ErrorHandler(func(conn *nats.Conn, sub *nats.Subscription, err error) {
			metrics.ErrorsTotal.Inc()
			logger.Warn().Err(err).Msg("nats error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	c.conn = conn
	metrics.NATSConnected.Set(1)
	return c, nil
}

func (c *NATSChannel) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.conn.Publish(channel, payload); err != nil {
		metrics.ErrorsTotal.Inc()
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

func (c *NATSChannel) Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error) {
	out := make(chan []byte, 64)
	sub, err := c.conn.Subscribe(channel, func(msg *nats.Msg) {
		select {
		case out <- msg.Data:
		default:
			metrics.ErrorsTotal.Inc()
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}

	// Unsubscribe stops further deliveries; the channel itself is left for
	// garbage collection rather than closed, since an in-flight delivery
	// goroutine could still hold a send in progress.
	unsubscribe := func() error {
		return sub.Unsubscribe()
	}
	return out, unsubscribe, nil
}

func (c *NATSChannel) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

func (c *NATSChannel) Close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
