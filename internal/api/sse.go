package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rendis/maestro/internal/logging"
	"github.com/rendis/maestro/internal/streaming"
	"github.com/rendis/maestro/pkg/schema"
)

// GET /executions/{id}/events
//
// Replays persisted events after Last-Event-ID (or ?since=), then follows the
// live stream until a terminal event or client disconnect.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	id := r.PathValue("id")
	log := logging.LogWith(logging.WithExecutionID(ctx, id), s.deps.Logger)

	// Subscribe before reading history so no event falls between the two.
	ch, unsubscribe, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: id})
	if err != nil {
		log.Error("SSE subscribe failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer unsubscribe()

	exec, err := s.deps.Store.GetExecution(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	history, err := s.deps.Store.GetEvents(ctx, id, lastEventID(r))
	if err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	last := lastEventID(r)
	lastTerminal := false
	for _, ev := range history {
		writeEvent(w, ev)
		last = ev.Sequence
		lastTerminal = schema.IsTerminalEvent(ev.Type)
	}
	flusher.Flush()

	if exec.Status.IsTerminal() && (lastTerminal || !s.deps.Engine.IsActive(id)) {
		return
	}

	heartbeat := time.NewTicker(s.deps.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Sequence <= last {
				continue
			}
			if ev.Sequence > last+1 {
				// The hub dropped deliveries; fill the gap from the event log.
				missed, err := s.deps.Store.GetEvents(ctx, id, last)
				if err != nil {
					log.Warn("SSE backfill failed", slog.Any("error", err))
				}
				for _, m := range missed {
					if m.Sequence >= ev.Sequence {
						break
					}
					writeEvent(w, m)
				}
			}
			writeEvent(w, &ev)
			flusher.Flush()
			last = ev.Sequence
			if schema.IsTerminalEvent(ev.Type) {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev *schema.ExecutionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, data)
}

func lastEventID(r *http.Request) int64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		v = r.URL.Query().Get("since")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
