package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/web-casa/mcstack/internal/event"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.HasSuffix(origin, "://"+r.Host)
	},
}

const (
	watchBuffer    = 32
	watchWriteWait = 10 * time.Second
	watchPingEvery = 30 * time.Second
)

// WatchHandler streams lifecycle events over WebSocket
type WatchHandler struct {
	bus    *event.Bus
	logger *slog.Logger
}

func NewWatchHandler(bus *event.Bus, logger *slog.Logger) *WatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WatchHandler{bus: bus, logger: logger}
}

// Watch pushes every lifecycle event as a JSON text frame. ?stack_id=N limits
// the stream to one stack. Events are dropped for a client that cannot keep up.
// The subscription precedes the upgrade, so nothing published after the
// handshake is missed.
func (h *WatchHandler) Watch(c *gin.Context) {
	stackID, _ := strconv.Atoi(c.Query("stack_id"))

	events := make(chan event.Event, watchBuffer)
	unsubscribe := h.bus.Subscribe("*", func(e event.Event) {
		if stackID > 0 && e.StackID != stackID {
			return
		}
		select {
		case events <- e:
		default:
			h.logger.Debug("watch client too slow, event dropped", "event", e.Type, "stack_id", e.StackID)
		}
	})
	defer unsubscribe()

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Start a goroutine to detect client disconnect
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ping := time.NewTicker(watchPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteWait)); err != nil {
				return
			}
		}
	}
}
