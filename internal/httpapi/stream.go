package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const streamKeepAlive = 15 * time.Second

// handleCheckinStream serves Server-Sent Events with live scan outcomes for
// one event.
func (a *API) handleCheckinStream(w http.ResponseWriter, r *http.Request) {
	if a.feed == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	eventID := strings.TrimSpace(r.PathValue("id"))
	if _, _, err := a.events.Load(r.Context(), eventID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch := a.feed.Subscribe(r.Context(), eventID)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: checkin\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
