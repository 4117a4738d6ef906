package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/flowcrm/internal/execution"
)

// streamEvents serves node events for one execution as Server-Sent
// Events. Stored events are replayed first; live events with a higher
// Seq follow, with gaps filled from the store. A final "done" event
// carries the execution status.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ex, err := s.Store.GetExecution(ctx, tenantOf(r), chi.URLParam(r, "executionID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "streaming unsupported", nil)
		return
	}

	// Subscribe before replaying so nothing falls between the two.
	live, cancel := s.Broker.Subscribe(ex.ID)
	defer cancel()

	stored, err := s.Store.ListNodeEvents(ctx, ex.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var lastSeq int64
	send := func(ev execution.NodeEvent) error {
		if ev.Seq <= lastSeq {
			return nil
		}
		lastSeq = ev.Seq
		return writeSSE(w, flusher, fmt.Sprint(ev.Seq), "node", ev)
	}
	// catchUp sends persisted events after lastSeq and before the given
	// seq (all of them when before is 0). Events are stored before they
	// are published, so anything the broker dropped is already there.
	catchUp := func(before int64) error {
		rest, err := s.Store.ListNodeEvents(context.WithoutCancel(ctx), ex.ID)
		if err != nil {
			slog.Warn("event stream backfill failed", "execution_id", ex.ID, "error", err)
			return nil
		}
		for _, ev := range rest {
			if before > 0 && ev.Seq >= before {
				break
			}
			if err := send(ev); err != nil {
				return err
			}
		}
		return nil
	}
	// deliver sends a live event, first filling any gap before it. Seqs
	// come from a clock shared by all executions, so a gap only means a
	// drop is possible.
	deliver := func(ev execution.NodeEvent) error {
		if ev.Seq > lastSeq+1 {
			if err := catchUp(ev.Seq); err != nil {
				return err
			}
		}
		return send(ev)
	}
	for _, ev := range stored {
		if err := send(ev); err != nil {
			return
		}
	}

	poll := s.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	done := func() bool {
		current, err := s.Store.GetExecution(context.WithoutCancel(ctx), ex.TenantID, ex.ID)
		if err != nil || !current.Status.Terminal() {
			return false
		}
		// Flush live events already delivered, then anything persisted
		// after them that the live channel dropped.
	drain:
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					break drain
				}
				if deliver(ev) != nil {
					return true
				}
			default:
				break drain
			}
		}
		if catchUp(0) != nil {
			return true
		}
		_ = writeSSE(w, flusher, "", "done", map[string]any{
			"executionId": current.ID,
			"status":      current.Status,
			"error":       current.Error,
		})
		return true
	}
	if done() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				done()
				return
			}
			if err := deliver(ev); err != nil {
				slog.Debug("event stream closed", "execution_id", ex.ID, "error", err)
				return
			}
		case <-ticker.C:
			if done() {
				return
			}
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, f http.Flusher, id, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	f.Flush()
	return nil
}
