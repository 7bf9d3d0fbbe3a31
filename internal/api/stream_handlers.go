package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/guardrail/internal/middleware"
	"github.com/onnwee/guardrail/internal/stream"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// StreamHandlers serves a live tail of the ledger over WebSocket.
type StreamHandlers struct {
	broadcaster *stream.Broadcaster
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewStreamHandlers creates stream handlers. Browser clients must come from
// the same host or one of allowedOrigins.
func NewStreamHandlers(broadcaster *stream.Broadcaster, allowedOrigins []string, logger *slog.Logger) *StreamHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandlers{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: logger,
	}
}

// checkOrigin accepts non-browser clients, same-host pages and the
// configured origins.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if slices.Contains(allowed, origin) {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	}
}

// Tail handles GET /audit/stream?kind=. Every record appended after the
// connection opens is sent as a JSON text message. A client that falls
// too far behind is closed with a policy violation.
func (h *StreamHandlers) Tail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	kind, err := queryKind(r)
	if err != nil {
		WriteError(w, ctx, ErrCodeValidation, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to upgrade websocket connection", "error", err)
		return
	}
	defer conn.Close()

	sub := h.broadcaster.Subscribe(kind)
	defer h.broadcaster.Unsubscribe(sub)

	requestID := middleware.GetRequestID(ctx)
	h.logger.InfoContext(ctx, "ledger stream client subscribed",
		"kind", string(kind), "request_id", requestID, "subscribers", h.broadcaster.SubscriberCount())
	defer h.logger.InfoContext(ctx, "ledger stream client unsubscribed", "request_id", requestID)

	// Clients never send data; reading detects disconnects and handles pongs.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.WarnContext(ctx, "ledger stream closed unexpectedly", "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-sub.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}
