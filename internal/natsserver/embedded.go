// Package natsserver embeds a NATS server so single-box deployments can
// mirror transcripts without running a separate broker.
package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start brings up the embedded server when bus.embedded is set; it
// returns (nil, nil) otherwise so callers can treat it as optional.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		Host:  "0.0.0.0",
		Port:  cfg.Port,
		Trace: false,
		Debug: false,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	log.Info("embedded NATS server started", slog.Int("port", cfg.Port))

	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL returns the URL local clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
