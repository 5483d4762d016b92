package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/vault/internal/events"
)

// handleEventStream streams transaction events as SSE. Clients resume with
// Last-Event-ID (or ?last_event_id=) and may narrow the feed with ?account=.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.svc.Events == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	account := r.URL.Query().Get("account")
	last := parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id"))

	// subscribe before replaying so nothing published in between is lost
	ch := s.svc.Events.Subscribe()
	defer s.svc.Events.Unsubscribe(ch)

	send := func(e events.TransactionEvent) bool {
		if e.Seq <= last {
			return true
		}
		last = e.Seq
		if account != "" && e.AccountID != account {
			return true
		}
		if err := writeEvent(w, e); err != nil {
			s.logger.Debug("sse write failed", zap.Error(err))
			return false
		}
		flusher.Flush()
		return true
	}

	for _, e := range s.svc.Events.After(last) {
		if !send(e) {
			return
		}
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !send(e) {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e events.TransactionEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, payload)
	return err
}

func parseLastEventID(headerVal, queryVal string) uint64 {
	val := strings.TrimSpace(headerVal)
	if val == "" {
		val = strings.TrimSpace(queryVal)
	}
	if val == "" {
		return 0
	}
	id, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
