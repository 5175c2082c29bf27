package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secured via proxy in prod
}

// handleEvents streams run progress events over a websocket. Supports
// optional ?types=a,b filtering and ?last_event_id=N replay from the
// bounded history ring.
func (h *RunHandler) handleEvents(w http.ResponseWriter, r *http.Request, runID string) {
	if runID == "" {
		http.Error(w, `{"error":"run id required"}`, http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	typeFilter := map[string]struct{}{}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				typeFilter[t] = struct{}{}
			}
		}
	}
	wanted := func(evType string) bool {
		if len(typeFilter) == 0 {
			return true
		}
		_, ok := typeFilter[evType]
		return ok
	}

	ch := h.bus.Subscribe(runID, 256)
	defer h.bus.Unsubscribe(runID, ch)

	// Replay backlog after the subscription is live so no events fall in
	// the gap between replay and stream. An event published during the
	// replay arrives on both paths; lastSeq keeps the live loop from
	// writing it twice.
	var lastSeq uint64
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if since, err := strconv.ParseUint(q, 10, 64); err == nil {
			for _, ev := range h.bus.ReplaySince(runID, since) {
				if ev.Seq > lastSeq {
					lastSeq = ev.Seq
				}
				if !wanted(ev.Type) {
					continue
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Reader pump, discarding client messages.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			if !wanted(ev.Type) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return
			}
		}
	}
}
