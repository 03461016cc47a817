package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/flexinfer/flowrun/pkg/types"
)

// sseFrame is one parsed SSE event.
type sseFrame struct {
	ID    string
	Event string
	Data  string
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()

	var frames []sseFrame
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" || strings.HasPrefix(block, ":") {
			continue
		}
		var frame sseFrame
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "id: "):
				frame.ID = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				frame.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				frame.Data = strings.TrimPrefix(line, "data: ")
			}
		}
		frames = append(frames, frame)
	}
	return frames
}

// finishedRun submits a plan, runs it to completion, and returns the run id.
func finishedRun(t *testing.T, ts *testServer) string {
	t.Helper()
	ctx := context.Background()

	runID, err := ts.engine.Submit(ctx, "sse-run", ciPlan())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done := ts.engine.Done(runID)
	if err := ts.engine.Start(ctx, runID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
	return runID
}

func streamEvents(t *testing.T, ts *testServer, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest("GET", path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func TestStreamEvents_TerminalRunReplay(t *testing.T) {
	ts := newTestServer(t)
	runID := finishedRun(t, ts)

	// fromId=0 requests the full retained history.
	rec := streamEvents(t, ts, "/api/v1/runs/"+runID+"/events?fromId=0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /events = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	frames := parseSSE(t, rec.Body.String())
	if len(frames) < 3 {
		t.Fatalf("got %d frames, want at least hello + history + stream_end", len(frames))
	}

	// First frame is the hello with id 0.
	if frames[0].Event != string(types.EventTypeHello) || frames[0].ID != "0" {
		t.Errorf("first frame = %s id=%s, want hello id=0", frames[0].Event, frames[0].ID)
	}

	// Last frame is the stream end with the terminal status.
	last := frames[len(frames)-1]
	if last.Event != string(types.EventTypeStreamEnd) || last.ID != "final" {
		t.Errorf("last frame = %s id=%s, want stream_end id=final", last.Event, last.ID)
	}
	var endData struct {
		Status types.RunStatus `json:"status"`
	}
	if err := json.Unmarshal([]byte(last.Data), &endData); err != nil {
		t.Fatalf("decode stream_end data: %v", err)
	}
	if endData.Status != types.RunStatusSucceeded {
		t.Errorf("stream_end status = %v, want succeeded", endData.Status)
	}

	// Replayed history is in strictly increasing seq order.
	prev := int64(0)
	sawRunStatus := false
	for _, frame := range frames[1 : len(frames)-1] {
		seq, err := strconv.ParseInt(frame.ID, 10, 64)
		if err != nil {
			t.Fatalf("non-numeric event id %q", frame.ID)
		}
		if seq <= prev {
			t.Errorf("seq %d not increasing after %d", seq, prev)
		}
		prev = seq
		if frame.Event == string(types.EventTypeRunStatus) {
			sawRunStatus = true
		}
	}
	if !sawRunStatus {
		t.Error("expected run_status events in replay")
	}
}

func TestStreamEvents_LastEventIDResume(t *testing.T) {
	ts := newTestServer(t)
	runID := finishedRun(t, ts)

	last, err := ts.store.LastSeq(context.Background(), runID)
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if last < 2 {
		t.Fatalf("need at least 2 events, have %d", last)
	}
	cursor := last - 1

	rec := streamEvents(t, ts, "/api/v1/runs/"+runID+"/events", map[string]string{
		"Last-Event-ID": strconv.FormatInt(cursor, 10),
	})
	frames := parseSSE(t, rec.Body.String())

	// Everything at or below the cursor was already delivered; only newer
	// events are replayed.
	for _, frame := range frames {
		if frame.ID == "0" || frame.ID == "final" {
			continue
		}
		seq, err := strconv.ParseInt(frame.ID, 10, 64)
		if err != nil {
			t.Fatalf("non-numeric event id %q", frame.ID)
		}
		if seq <= cursor {
			t.Errorf("event %d replayed despite cursor %d", seq, cursor)
		}
	}
}

func TestStreamEvents_FromIDQuery(t *testing.T) {
	ts := newTestServer(t)
	runID := finishedRun(t, ts)

	last, _ := ts.store.LastSeq(context.Background(), runID)
	cursor := last - 1

	rec := streamEvents(t, ts, fmt.Sprintf("/api/v1/runs/%s/events?fromId=%d", runID, cursor), nil)
	frames := parseSSE(t, rec.Body.String())

	replayed := 0
	for _, frame := range frames {
		if frame.ID == "0" || frame.ID == "final" {
			continue
		}
		replayed++
	}
	if replayed != 1 {
		t.Errorf("replayed %d events past cursor, want 1", replayed)
	}
}

func TestStreamEvents_ReplayQuery(t *testing.T) {
	ts := newTestServer(t)
	runID := finishedRun(t, ts)

	rec := streamEvents(t, ts, "/api/v1/runs/"+runID+"/events?replay=1", nil)
	frames := parseSSE(t, rec.Body.String())

	replayed := 0
	for _, frame := range frames {
		if frame.ID == "0" || frame.ID == "final" {
			continue
		}
		replayed++
	}
	if replayed != 1 {
		t.Errorf("replay=1 delivered %d events, want 1", replayed)
	}

	// replay larger than the log replays everything.
	rec = streamEvents(t, ts, "/api/v1/runs/"+runID+"/events?replay=9999", nil)
	frames = parseSSE(t, rec.Body.String())
	last, _ := ts.store.LastSeq(context.Background(), runID)
	replayed = 0
	for _, frame := range frames {
		if frame.ID == "0" || frame.ID == "final" {
			continue
		}
		replayed++
	}
	if int64(replayed) != last {
		t.Errorf("replay=9999 delivered %d events, want all %d", replayed, last)
	}
}

func TestStreamEvents_DefaultIsLiveOnly(t *testing.T) {
	ts := newTestServer(t)
	runID := finishedRun(t, ts)

	// No cursor, no replay: the stream starts after the current tail, so a
	// terminal run yields only the hello and the stream end.
	rec := streamEvents(t, ts, "/api/v1/runs/"+runID+"/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /events = %d", rec.Code)
	}

	frames := parseSSE(t, rec.Body.String())
	for _, frame := range frames {
		if frame.ID != "0" && frame.ID != "final" {
			t.Errorf("unexpected replayed event %s (%s)", frame.ID, frame.Event)
		}
	}
	last := frames[len(frames)-1]
	if last.Event != string(types.EventTypeStreamEnd) {
		t.Errorf("last frame = %s, want stream_end", last.Event)
	}
}

func TestStreamEvents_InvalidCursorFallsBackToTail(t *testing.T) {
	ts := newTestServer(t)
	runID := finishedRun(t, ts)

	rec := streamEvents(t, ts, "/api/v1/runs/"+runID+"/events", map[string]string{
		"Last-Event-ID": "not-a-number",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /events = %d", rec.Code)
	}

	// A garbage cursor is treated as absent: live-only, nothing replayed.
	frames := parseSSE(t, rec.Body.String())
	for _, frame := range frames {
		if frame.ID != "0" && frame.ID != "final" {
			t.Errorf("unexpected replayed event %s (%s)", frame.ID, frame.Event)
		}
	}
}

func TestStreamEvents_RunNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := streamEvents(t, ts, "/api/v1/runs/missing/events", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /events = %d, want 404", rec.Code)
	}
}

func TestStreamEvents_CancelledRun(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	runID, err := ts.engine.Submit(ctx, "cancelled", ciPlan())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := ts.engine.Cancel(ctx, runID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	rec := streamEvents(t, ts, "/api/v1/runs/"+runID+"/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /events = %d", rec.Code)
	}

	frames := parseSSE(t, rec.Body.String())
	last := frames[len(frames)-1]
	if last.Event != string(types.EventTypeStreamEnd) {
		t.Fatalf("last frame = %s, want stream_end", last.Event)
	}
	var endData struct {
		Status types.RunStatus `json:"status"`
	}
	if err := json.Unmarshal([]byte(last.Data), &endData); err != nil {
		t.Fatalf("decode stream_end data: %v", err)
	}
	if endData.Status != types.RunStatusCancelled {
		t.Errorf("stream_end status = %v, want cancelled", endData.Status)
	}
}
