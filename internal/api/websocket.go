package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/subcheck/internal/events"
)

const wsWriteWait = 10 * time.Second

// Origins are checked by the CORS middleware and the bearer token, not here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// StreamWebSocket carries the same feed as StreamEvents, one JSON event per
// text message. ?last_event_id= replays buffered events first.
func (h *EventsHandler) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.live == nil {
		WriteError(w, http.StatusServiceUnavailable, "event streaming not available")
		return
	}

	filter := events.Filter{
		Types: QueryStringList(r, "types"),
		Jobs:  QueryStringList(r, "jobs"),
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		return
	}
	defer conn.Close()

	ch, cancel := h.live.Subscribe(filter)
	defer cancel()

	log := hlog.FromRequest(r)
	log.Info().Msg("websocket client connected")

	// Clients only send control frames; the read loop processes pongs and
	// notices the close.
	done := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(2 * h.keepalive))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * h.keepalive))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(e events.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(e)
	}

	if last := r.URL.Query().Get("last_event_id"); last != "" {
		for _, e := range h.live.ReplaySince(last, filter) {
			if err := send(e); err != nil {
				return
			}
		}
	}

	ping := time.NewTicker(h.keepalive)
	defer ping.Stop()

	for {
		select {
		case <-done:
			log.Info().Msg("websocket client disconnected")
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := send(e); err != nil {
				log.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
