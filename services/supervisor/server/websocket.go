package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianForge/services/supervisor/notify"
)

const (
	// defaultEventReplay is how many recent events a new subscriber
	// gets before the live stream starts.
	defaultEventReplay = 20

	// eventWriteTimeout bounds a single websocket write. A client that
	// cannot keep up is dropped instead of blocking the stream.
	eventWriteTimeout = 10 * time.Second

	// eventBuffer is the per-client queue between the emitter and the
	// websocket writer. Overflow drops events for that client only.
	eventBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 32 * 1024,
}

// HandleEvents handles GET /v1/supervisor/events.
//
// Description:
//
//	Upgrades to a websocket and streams lifecycle events as JSON, one
//	event per message. Recent events are replayed first so a dashboard
//	reconnect does not start blind; control the replay window with the
//	replay query parameter (default 20, 0 disables).
//
//	Delivery is best-effort per client: a subscriber that falls behind
//	its buffer loses events, and a subscriber that stops reading is
//	disconnected. Neither ever blocks the supervisor.
func (h *Handlers) HandleEvents(c *gin.Context) {
	logger := h.sys.logger.With("handler", "HandleEvents")

	replay := defaultEventReplay
	if raw := c.Query("replay"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "replay must be a non-negative integer",
				Code:  "INVALID_REPLAY",
			})
			return
		}
		replay = parsed
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	logger.Info("event stream client connected", "remote", ws.RemoteAddr().String())

	ctx := c.Request.Context()
	if h.metrics != nil {
		h.metrics.WebsocketSubscribers.Add(ctx, 1)
		defer h.metrics.WebsocketSubscribers.Add(ctx, -1)
	}

	// Recent treats a zero limit as "everything", so gate on it here.
	if replay > 0 {
		for _, ev := range h.sys.Emitter().Recent(replay) {
			if err := writeEvent(ws, ev); err != nil {
				logger.Info("event stream client disconnected during replay", "error", err.Error())
				return
			}
		}
	}

	// Live feed. The emitter calls handlers synchronously, so hand the
	// event to a buffered channel and let the write loop drain it.
	events := make(chan notify.Event, eventBuffer)
	subID := h.sys.Emitter().Subscribe(func(ev *notify.Event) {
		select {
		case events <- *ev:
		default:
			// Slow client; drop rather than block the emitter.
		}
	})
	defer h.sys.Emitter().Unsubscribe(subID)

	// The client never sends anything meaningful, but reading is how
	// we learn the peer went away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			logger.Info("event stream client disconnected")
			return
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := writeEvent(ws, ev); err != nil {
				logger.Info("event stream write failed, dropping client", "error", err.Error())
				return
			}
		}
	}
}

func writeEvent(ws *websocket.Conn, ev notify.Event) error {
	if err := ws.SetWriteDeadline(time.Now().Add(eventWriteTimeout)); err != nil {
		return err
	}
	return ws.WriteJSON(ev)
}
