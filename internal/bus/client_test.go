package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func TestPublishTranscriptRoutesBySubject(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	finals, err := client.Conn().SubscribeSync(protocol.SubjectTranscriptFinal)
	if err != nil {
		t.Fatalf("subscribe finals: %v", err)
	}
	partials, err := client.Conn().SubscribeSync(protocol.SubjectTranscriptPartial)
	if err != nil {
		t.Fatalf("subscribe partials: %v", err)
	}

	sent := protocol.Transcript{
		SessionID: "abc",
		Text:      "hello there",
		Partial:   false,
		Timestamp: time.Now().UTC(),
	}
	if err := client.PublishTranscript(sent); err != nil {
		t.Fatalf("publish final: %v", err)
	}
	sent.Partial = true
	sent.Text = "hello"
	if err := client.PublishTranscript(sent); err != nil {
		t.Fatalf("publish partial: %v", err)
	}

	msg, err := finals.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("final never arrived: %v", err)
	}
	var got protocol.Transcript
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("unmarshal final: %v", err)
	}
	if got.Text != "hello there" || got.Partial {
		t.Fatalf("final transcript = %+v", got)
	}

	msg, err = partials.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("partial never arrived: %v", err)
	}
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("unmarshal partial: %v", err)
	}
	if got.Text != "hello" || !got.Partial {
		t.Fatalf("partial transcript = %+v", got)
	}

	if !client.Healthy() {
		t.Fatal("connected client reports unhealthy")
	}
}
