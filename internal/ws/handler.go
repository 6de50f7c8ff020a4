// Package ws bridges websocket connections and room sessions: it attaches a
// connection to its room, pumps session events out, and dispatches decoded
// client messages in. Reconnection is the client's business; this layer keeps
// no state beyond currently attached connections.
package ws

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/agilecards/pocker-backend/internal/hub"
	"github.com/agilecards/pocker-backend/internal/protocol"
	"github.com/agilecards/pocker-backend/internal/room"
)

const (
	writeTimeout = 3 * time.Second
	pingInterval = 30 * time.Second
)

type Options struct {
	// SendBuffer bounds the per-connection outbound queue. A connection that
	// falls this far behind is dropped by the session.
	SendBuffer int
}

func Handler(h *hub.Hub, log *zap.Logger, opts Options) http.HandlerFunc {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 16
	}

	return func(w http.ResponseWriter, r *http.Request) {
		code := strings.ToUpper(r.URL.Query().Get("code"))
		username := r.URL.Query().Get("username")
		if code == "" || username == "" {
			http.Error(w, "missing code or username", http.StatusBadRequest)
			return
		}

		reply := make(chan *room.Room, 1)
		h.Inbox() <- hub.GetRoom{Code: code, Reply: reply}
		rm := <-reply
		if rm == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		connID := randID()
		out := make(chan protocol.ServerMessage, opts.SendBuffer)

		attachReply := make(chan error, 1)
		rm.Inbox() <- room.Attach{ConnID: connID, Username: username, Outbox: out, Reply: attachReply}
		if err := <-attachReply; err != nil {
			reason := "room closed"
			if errors.Is(err, room.ErrNotMember) {
				reason = "join the room first"
			}
			conn.Close(websocket.StatusPolicyViolation, reason)
			return
		}
		defer func() { rm.Inbox() <- room.Detach{ConnID: connID} }()

		clog := log.With(zap.String("room", code), zap.String("user", username), zap.String("conn", connID))
		clog.Info("connection attached")

		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go writer(writeCtx, conn, out, clog)

		// Reader loop. Any read error, clean or abrupt, ends in the deferred
		// Detach; an in-flight session mutation is unaffected.
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					clog.Info("connection closed")
				default:
					clog.Info("connection dropped", zap.Error(err))
				}
				return
			}

			msg, err := protocol.Decode(data)
			if err != nil {
				// Protocol violations go back to the sender only.
				writeMessage(r.Context(), conn, protocol.ErrorMessage(err.Error()))
				continue
			}

			rm.Inbox() <- room.FromClient{ConnID: connID, Msg: msg}
		}
	}
}

// writer drains the session outbox onto the wire and keeps the connection
// alive with pings. It exits when the session closes the outbox (detach,
// kick, slow-consumer drop) or the request context ends.
func writer(ctx context.Context, conn *websocket.Conn, out <-chan protocol.ServerMessage, log *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-out:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			if err := writeMessage(ctx, conn, msg); err != nil {
				log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg protocol.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}

func randID() string {
	b := make([]byte, 9)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
