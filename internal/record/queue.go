package record

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// QueueConfig holds the ingestion queue configuration.
type QueueConfig struct {
	// Embedded runs an in-process NATS server; URL is ignored when set.
	Embedded bool

	// URL is the external NATS server address.
	URL string

	// Subject is the subject interactions are published on.
	Subject string

	// MaxReconnects and ReconnectWait tune external connection retry.
	MaxReconnects int
	ReconnectWait time.Duration
}

// Queue owns the NATS connection the recorder publishes to and the
// pipeline consumes from.
//
// In embedded mode the queue also owns an in-process NATS server, so a
// single-host deployment has no external broker to operate.
type Queue struct {
	server  *natsserver.Server
	conn    *nats.Conn
	subject string
	logger  *zap.Logger
}

// NewQueue creates the queue, starting the embedded server if configured.
func NewQueue(cfg QueueConfig, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Subject == "" {
		cfg.Subject = "learnd.interactions"
	}

	q := &Queue{
		subject: cfg.Subject,
		logger:  logger,
	}

	url := cfg.URL
	if cfg.Embedded {
		opts := &natsserver.Options{
			Host:           "127.0.0.1",
			Port:           -1, // Random port
			NoLog:          true,
			NoSigs:         true,
			MaxControlLine: 2048,
		}

		srv, err := natsserver.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
		}
		go srv.Start()

		if !srv.ReadyForConnections(5 * time.Second) {
			srv.Shutdown()
			return nil, fmt.Errorf("embedded NATS server not ready")
		}

		q.server = srv
		url = srv.ClientURL()
		logger.Info("Embedded NATS server started", zap.String("url", url))
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	)
	if err != nil {
		if q.server != nil {
			q.server.Shutdown()
		}
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	q.conn = nc

	logger.Info("Connected to NATS", zap.String("url", url))
	return q, nil
}

// Subject returns the interaction subject.
func (q *Queue) Subject() string {
	return q.subject
}

// Publish publishes raw bytes on the interaction subject.
func (q *Queue) Publish(data []byte) error {
	if q.conn == nil || q.conn.IsClosed() {
		return ErrNotConnected
	}
	return q.conn.Publish(q.subject, data)
}

// Subscribe delivers each captured interaction to handler.
//
// Malformed payloads are dropped with a log line; the subscription
// survives them. The handler runs on the NATS delivery goroutine, so it
// should hand work off rather than block.
func (q *Queue) Subscribe(ctx context.Context, handler func(context.Context, Interaction)) (*nats.Subscription, error) {
	if q.conn == nil || q.conn.IsClosed() {
		return nil, ErrNotConnected
	}

	sub, err := q.conn.Subscribe(q.subject, func(msg *nats.Msg) {
		var interaction Interaction
		if err := json.Unmarshal(msg.Data, &interaction); err != nil {
			q.logger.Warn("Dropping malformed interaction payload",
				zap.Error(err),
				zap.Int("bytes", len(msg.Data)))
			return
		}
		handler(ctx, interaction)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", q.subject, err)
	}

	return sub, nil
}

// Flush waits for buffered publishes to reach the server.
func (q *Queue) Flush() error {
	if q.conn == nil || q.conn.IsClosed() {
		return ErrNotConnected
	}
	return q.conn.Flush()
}

// Close drains the connection and stops the embedded server if running.
func (q *Queue) Close() {
	if q.conn != nil && !q.conn.IsClosed() {
		_ = q.conn.Drain()
	}
	if q.server != nil {
		q.server.Shutdown()
	}
}
