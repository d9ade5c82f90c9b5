// Package gateway exposes the streaming transcription endpoint. A client
// opens a websocket, streams WebM chunks as binary messages, and receives
// partial and final transcript events as JSON text messages. Any text
// message from the client marks end of audio; the server answers with the
// final transcript before closing.
package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-scribe/internal/pipeline"
)

const closeGrace = time.Second

type Gateway struct {
	coord    *pipeline.Coordinator
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func New(coord *pipeline.Coordinator, log *slog.Logger) *Gateway {
	return &Gateway{
		coord: coord,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 8 * 1024,
			// Browsers are the expected clients; origin policy is the
			// reverse proxy's job.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	session := g.coord.StartSession(r.Context())
	log := g.log.With(slog.String("session_id", session.ID))
	log.Info("listening", slog.String("remote", r.RemoteAddr))

	go g.readLoop(conn, session, log)
	g.writeLoop(conn, session, log)
}

// readLoop feeds client audio into the session. Blocking in Write is
// intentional: it is the backpressure path from a full pipeline back to
// the TCP socket.
func (g *Gateway) readLoop(conn *websocket.Conn, session *pipeline.Session, log *slog.Logger) {
	defer session.Abort()

	stopped := false
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("client read failed", slog.String("error", err.Error()))
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			// Recorders keep flushing for a moment after the stop
			// message; those trailing frames are dropped rather than
			// treated as a protocol violation.
			if stopped {
				continue
			}
			if err := session.Write(data); err != nil {
				// The session already queued its terminal event; the
				// write loop delivers it and closes the socket.
				return
			}
		case websocket.TextMessage:
			// Any text message means the microphone stopped. Keep
			// reading so the close handshake works, but feed nothing
			// more into the pipeline.
			stopped = true
			session.CloseInput()
		}
	}
}

// writeLoop forwards session events to the client in order, then runs the
// close handshake. The last event before the channel closes is always the
// final transcript or a fatal error.
func (g *Gateway) writeLoop(conn *websocket.Conn, session *pipeline.Session, log *slog.Logger) {
	defer conn.Close()

	for ev := range session.Events() {
		if err := conn.WriteJSON(ev); err != nil {
			log.Warn("client write failed", slog.String("error", err.Error()))
			session.Abort()
			for range session.Events() {
			}
			return
		}
	}

	deadline := time.Now().Add(closeGrace)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	log.Info("session closed")
}
