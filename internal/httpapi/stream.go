package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"qless/queue-server/internal/hub"

	"github.com/google/uuid"
)

// handleStream serves server-sent events. The first frame is always the
// connected acknowledgement; after that the client sees every queue event
// matching its optional chamber/cid filter.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := &hub.Client{
		ID:   uuid.NewString(),
		Send: make(chan []byte, h.streamBuffer),
		Subscription: hub.Subscription{
			ChamberID: strings.TrimSpace(r.URL.Query().Get("chamber")),
			CID:       strings.TrimSpace(r.URL.Query().Get("cid")),
		},
	}
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	connected, _ := json.Marshal(hub.Event{Type: "connected", Timestamp: time.Now().UTC()})
	writeSSE(w, connected)
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-client.Send:
			if !ok {
				return
			}
			writeSSE(w, payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, payload []byte) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
