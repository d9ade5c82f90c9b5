// Package bus mirrors transcripts onto NATS so downstream consumers
// (assistants, loggers, indexers) can react to speech without holding a
// websocket themselves.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Client wraps the NATS connection with transcript-shaped helpers.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("loqa-scribe"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{conn: conn, log: log}, nil
}

// PublishTranscript mirrors one transcript onto the bus. Partials go to
// their own subject so consumers that only care about settled text can
// subscribe narrowly. Delivery is fire-and-forget: a dropped partial is
// superseded by the next one anyway.
func (c *Client) PublishTranscript(tr protocol.Transcript) error {
	subject := protocol.SubjectTranscriptFinal
	if tr.Partial {
		subject = protocol.SubjectTranscriptPartial
	}
	payload, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := c.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish transcript: %w", err)
	}
	return nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
