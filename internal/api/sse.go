package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/flowrun/internal/metrics"
	"github.com/flexinfer/flowrun/internal/runstore"
	"github.com/flexinfer/flowrun/pkg/types"
)

const heartbeatInterval = 15 * time.Second

// StreamEvents handles GET /api/v1/runs/{id}/events
// It implements Server-Sent Events (SSE) for streaming run events.
//
// Resumption: the cursor is the highest of the Last-Event-ID header and the
// fromId query parameter. Alternatively replay=N requests the last N retained
// events. With no cursor and no replay the stream is live-only, starting after
// the current tail. The subscription is opened before replay so no event falls
// between replay and live delivery; duplicates are filtered by sequence number.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	runID := vars["id"]
	startTime := time.Now()

	requestID := GetRequestID(ctx, r)

	meta, err := h.store.GetRunMeta(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			h.respondError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		h.respondError(w, r, http.StatusInternalServerError, "failed to get run", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", errors.New("response writer is not a flusher"))
		return
	}

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	h.logger.Info("SSE connection opened",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	flusher.Flush()

	// Subscribe before replaying so nothing falls in the gap. Events already
	// replayed are skipped below via the seq cursor.
	eventCh, cleanup, err := h.store.Subscribe(ctx, runID)
	if err != nil {
		h.logger.Error("failed to subscribe to events", "error", err, "run_id", runID)
		return
	}
	defer cleanup()

	cursor, err := h.resumeCursor(ctx, r, runID)
	if err != nil {
		h.logger.Error("failed to resolve resume cursor", "error", err, "run_id", runID)
		cursor = 0
	}

	// Send a hello event (not part of the log, always id 0)
	h.writeSSE(w, flusher, &types.Event{
		ID:        "0",
		RunID:     runID,
		Type:      types.EventTypeHello,
		Timestamp: time.Now().UTC(),
	})

	// Replay history past the cursor
	events, err := h.store.GetEventsSince(ctx, runID, cursor)
	if err != nil {
		h.logger.Error("failed to get historical events", "error", err, "run_id", runID)
	}
	for _, evt := range events {
		h.writeSSE(w, flusher, evt)
		if evt.Seq > cursor {
			cursor = evt.Seq
		}
	}

	// Terminal run: everything it will ever emit has been replayed.
	if meta.Status.Terminal() {
		h.sendStreamEnd(ctx, w, flusher, runID)
		h.closeStream(runID, requestID, startTime, "run_already_terminal")
		return
	}

	done := r.Context().Done()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			h.closeStream(runID, requestID, startTime, "client_disconnect")
			return

		case evt, ok := <-eventCh:
			if !ok {
				// Channel closed: run completed or subscriber dropped for
				// backpressure. Either way the stream ends here.
				h.sendStreamEnd(ctx, w, flusher, runID)
				h.closeStream(runID, requestID, startTime, "stream_closed")
				return
			}
			if evt.Seq <= cursor {
				// Already delivered during replay
				continue
			}
			cursor = evt.Seq
			h.writeSSE(w, flusher, evt)

			if evt.Type == types.EventTypeRunStatus && isTerminalStatusEvent(evt) {
				h.sendStreamEnd(ctx, w, flusher, runID)
				h.closeStream(runID, requestID, startTime, "run_completed")
				return
			}

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// resumeCursor determines the sequence number to resume after, from the
// Last-Event-ID header, the fromId query parameter, or replay=N. With none of
// those the stream starts after the current tail.
func (h *Handlers) resumeCursor(ctx context.Context, r *http.Request, runID string) (int64, error) {
	cursor := int64(-1)

	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if seq, err := strconv.ParseInt(lastID, 10, 64); err == nil && seq > cursor {
			cursor = seq
		}
	}
	if fromID := r.URL.Query().Get("fromId"); fromID != "" {
		if seq, err := strconv.ParseInt(fromID, 10, 64); err == nil && seq > cursor {
			cursor = seq
		}
	}
	if cursor >= 0 {
		return cursor, nil
	}

	if replay := r.URL.Query().Get("replay"); replay != "" {
		if n, err := strconv.ParseInt(replay, 10, 64); err == nil && n >= 0 {
			last, err := h.store.LastSeq(ctx, runID)
			if err != nil {
				return 0, err
			}
			if n >= last {
				return 0, nil
			}
			return last - n, nil
		}
	}

	// No usable cursor and no replay: live-only.
	return h.store.LastSeq(ctx, runID)
}

// isTerminalStatusEvent inspects a run_status event payload for a terminal status.
func isTerminalStatusEvent(evt *types.Event) bool {
	var data struct {
		Status types.RunStatus `json:"status"`
	}
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		return false
	}
	return data.Status.Terminal()
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Error("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Error("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}

// sendStreamEnd sends a final event carrying the run's terminal status.
func (h *Handlers) sendStreamEnd(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, runID string) {
	evt := &types.Event{
		ID:        "final",
		RunID:     runID,
		Type:      types.EventTypeStreamEnd,
		Timestamp: time.Now().UTC(),
	}

	run, err := h.store.GetRunMeta(ctx, runID)
	if err == nil && run != nil {
		data := map[string]interface{}{
			"status": run.Status,
		}
		if run.Error != "" {
			data["error"] = run.Error
		}
		dataJSON, _ := json.Marshal(data)
		evt.Data = dataJSON
	}

	h.writeSSE(w, flusher, evt)
}

func (h *Handlers) closeStream(runID, requestID string, startTime time.Time, reason string) {
	duration := time.Since(startTime)
	metrics.SSEConnectionDuration.Observe(duration.Seconds())
	h.logger.Info("SSE connection closed",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
		slog.Duration("duration", duration),
		slog.String("reason", reason),
	)
}
