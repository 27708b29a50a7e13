package main

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"podcast_video_gen/events"
)

func newTestServer() *server {
	return &server{
		runs: make(map[string]*runEntry),
		subs: make(map[string][]chan events.Event),
	}
}

func newStreamTestClient(t *testing.T, s *server, runID string) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/runs/:id", s.streamRun)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/runs/" + runID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func expectNormalClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("Expected a close frame, got %v", err)
	}
	if closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("Close code = %d, want %d", closeErr.Code, websocket.CloseNormalClosure)
	}
}

func TestStreamRunClosesImmediatelyForFinishedRun(t *testing.T) {
	s := newTestServer()
	s.runs["done-run"] = &runEntry{ID: "done-run", Status: statusCompleted}

	conn := newStreamTestClient(t, s, "done-run")
	expectNormalClose(t, conn)
}

func TestStreamRunDeliversEventsThenCloses(t *testing.T) {
	s := newTestServer()
	s.runs["live-run"] = &runEntry{ID: "live-run", Status: statusProcessing}

	conn := newStreamTestClient(t, s, "live-run")

	// The handler subscribes asynchronously; wait for it to appear.
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.subMu.RLock()
		n := len(s.subs["live-run"])
		s.subMu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.fanOut(events.Event{RunID: "live-run", Type: events.StageStarted, Stage: "narration"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if got.Type != events.StageStarted || got.Stage != "narration" {
		t.Errorf("Event = %+v, want stage_started for narration", got)
	}

	s.mu.Lock()
	s.runs["live-run"].Status = statusCompleted
	s.mu.Unlock()
	s.closeSubscribers("live-run")

	expectNormalClose(t, conn)
}
