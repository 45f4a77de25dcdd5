package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/driftwire/driftwire/internal/envelope"
	apperrors "github.com/driftwire/driftwire/internal/platform/errors"
)

type sseEvent struct {
	ID    string
	Event string
	Data  string
}

func newSSETestServer(t *testing.T, config Config) (*httptest.Server, *core) {
	t.Helper()
	c := newCore(testRegistry(), nil, config)
	t.Cleanup(c.close)
	handler, _ := newHandler(c, nil)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, c
}

func applyCommits(t *testing.T, c *core, count int) {
	t.Helper()
	head := c.engine.HeadRev("canvas-1")
	for i := 0; i < count; i++ {
		cmd := testCommandPayload("sse-key-"+strconv.FormatUint(head+1, 10), head)
		if _, err := c.engine.Apply(context.Background(), cmd); err != nil {
			t.Fatalf("apply commit %d: %v", i, err)
		}
		head++
	}
}

func openSSE(t *testing.T, url string, header http.Header) *bufio.Scanner {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for name, values := range header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("expected event-stream content type, got %q", got)
	}
	return bufio.NewScanner(resp.Body)
}

// readSSEEvent consumes lines until one full event (blank-line terminated)
// has been read. Comment heartbeats are skipped.
func readSSEEvent(t *testing.T, scanner *bufio.Scanner) sseEvent {
	t.Helper()
	var evt sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if evt.Data != "" || evt.Event != "" {
				return evt
			}
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "id: "):
			evt.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			evt.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			evt.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended before a full event: %v", scanner.Err())
	return sseEvent{}
}

const sseCommitURL = "/v1/stream/commits?tenant_id=tenant-a&env=prod&canvas_id=canvas-1&actor_id=actor-1"

func TestSSEStreamsCommits(t *testing.T) {
	srv, c := newSSETestServer(t, Config{})
	applyCommits(t, c, 2)

	scanner := openSSE(t, srv.URL+sseCommitURL, nil)
	for want := 1; want <= 2; want++ {
		evt := readSSEEvent(t, scanner)
		if evt.Event != envelope.TypeCommit {
			t.Fatalf("expected %s event, got %q", envelope.TypeCommit, evt.Event)
		}
		if evt.ID != strconv.Itoa(want) {
			t.Fatalf("expected id %d, got %q", want, evt.ID)
		}
		var streamEvt envelope.StreamEvent
		if err := json.Unmarshal([]byte(evt.Data), &streamEvt); err != nil {
			t.Fatalf("decode event data: %v", err)
		}
		if streamEvt.Seq != uint64(want) {
			t.Fatalf("expected seq %d, got %d", want, streamEvt.Seq)
		}
	}
}

func TestSSEResumesFromLastEventID(t *testing.T) {
	srv, c := newSSETestServer(t, Config{})
	applyCommits(t, c, 3)

	header := make(http.Header)
	header.Set("Last-Event-ID", "1")
	scanner := openSSE(t, srv.URL+sseCommitURL, header)

	evt := readSSEEvent(t, scanner)
	if evt.ID != "2" {
		t.Fatalf("expected resume at seq 2, got id %q", evt.ID)
	}
}

func TestSSELiveDelivery(t *testing.T) {
	srv, c := newSSETestServer(t, Config{})

	scanner := openSSE(t, srv.URL+sseCommitURL, nil)
	go func() {
		time.Sleep(50 * time.Millisecond)
		cmd := testCommandPayload("live-key", 0)
		_, _ = c.engine.Apply(context.Background(), cmd)
	}()

	evt := readSSEEvent(t, scanner)
	if evt.Event != envelope.TypeCommit || evt.ID != "1" {
		t.Fatalf("unexpected live event %+v", evt)
	}
}

func TestSSEReplayMissDeliversErrorEvent(t *testing.T) {
	srv, c := newSSETestServer(t, Config{BufferLen: 2})
	applyCommits(t, c, 5)

	// seq 1..3 are gone; a fresh cursor cannot be served.
	scanner := openSSE(t, srv.URL+sseCommitURL, nil)
	evt := readSSEEvent(t, scanner)
	if evt.Event != "error" {
		t.Fatalf("expected error event, got %+v", evt)
	}
	var wserr wsErrorEnvelope
	if err := json.Unmarshal([]byte(evt.Data), &wserr); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if wserr.Error.Code != string(apperrors.CodeReplayMiss) {
		t.Fatalf("expected %s, got %+v", apperrors.CodeReplayMiss, wserr.Error)
	}
	if wserr.Error.Details["retained_floor"] == "" {
		t.Fatalf("expected retained_floor detail, got %v", wserr.Error.Details)
	}
}

func TestSSERejectsIncompleteRouting(t *testing.T) {
	srv, _ := newSSETestServer(t, Config{})

	resp, err := http.Get(srv.URL + "/v1/stream/commits?env=prod&canvas_id=canvas-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var wserr wsErrorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&wserr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if wserr.Error.Code != string(apperrors.CodeRoutingIncomplete) {
		t.Fatalf("expected %s, got %+v", apperrors.CodeRoutingIncomplete, wserr.Error)
	}
}

func TestSSERejectsBadCursor(t *testing.T) {
	srv, _ := newSSETestServer(t, Config{})

	resp, err := http.Get(srv.URL + sseCommitURL + "&last_event_id=banana")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSSERequiresGet(t *testing.T) {
	srv, _ := newSSETestServer(t, Config{})

	resp, err := http.Post(srv.URL+"/v1/stream/commits", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestSSERequiresTokenWhenAuthConfigured(t *testing.T) {
	c := newCore(testRegistry(), nil, Config{})
	t.Cleanup(c.close)
	handler, _ := newHandler(c, newJWTAuthorizer(testJWTSecret))
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + sseCommitURL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	header := make(http.Header)
	header.Set("Authorization", "Bearer "+testToken(t, "actor-1", "tenant-a"))
	applyCommits(t, c, 1)
	scanner := openSSE(t, srv.URL+sseCommitURL, header)
	if evt := readSSEEvent(t, scanner); evt.Event != envelope.TypeCommit {
		t.Fatalf("expected commit event with valid token, got %+v", evt)
	}
}
