package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nkatsov/acctkeeper/internal/metrics"
	"github.com/nkatsov/acctkeeper/internal/notify"
)

// SetSSEHeaders sets standard headers for Server-Sent Events streaming.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// EventsHandler streams change notifications to the client as SSE. A client
// that stops reading is dropped by the broker rather than backing up
// publishers.
func EventsHandler(broker *notify.Broker, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		ch, cancel := broker.Subscribe()
		defer cancel()
		if m != nil {
			m.Subscribers.Inc()
			defer m.Subscribers.Dec()
		}

		SetSSEHeaders(w)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case n, open := <-ch:
				if !open {
					// Dropped for falling behind.
					return
				}
				data, err := json.Marshal(n)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data)
				flusher.Flush()
			}
		}
	}
}
