// The server exposes the pipeline as a small job API: submit a script, watch
// its events over a websocket, fetch the result paths when it finishes.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"podcast_video_gen/audit"
	"podcast_video_gen/events"
	"podcast_video_gen/pipeline"
	"podcast_video_gen/supervisor"
)

const (
	statusProcessing = "processing"
	statusCompleted  = "completed"
	statusFailed     = "failed"
	statusCancelled  = "cancelled"
)

type generateRequest struct {
	Name   string          `json:"name" binding:"required"`
	Script pipeline.Script `json:"script" binding:"required"`
}

type runEntry struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Status    string            `json:"status"`
	Summary   *pipeline.Summary `json:"summary,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`

	cancel context.CancelFunc
}

type server struct {
	pipeline *pipeline.Pipeline
	sink     *audit.Sink

	mu   sync.RWMutex
	runs map[string]*runEntry

	// Per-run event subscribers. Each websocket connection gets a buffered
	// channel; slow consumers drop events rather than stall the pipeline.
	subMu sync.RWMutex
	subs  map[string][]chan events.Event
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	cfg, err := pipeline.LoadConfig(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize pipeline: %v", err)
	}

	if cfg.EnableRAMWatchdog {
		watchdog := supervisor.NewRAMWatchdog()
		watchdog.ThresholdPercent = cfg.RAMThresholdPercent
		watchdog.Start()
		defer watchdog.Stop()
	}

	sink, err := audit.Connect(context.Background())
	if err != nil {
		log.Fatalf("❌ Failed to connect audit sink: %v", err)
	}
	defer sink.Close(context.Background())

	s := &server{
		pipeline: p,
		sink:     sink,
		runs:     make(map[string]*runEntry),
		subs:     make(map[string][]chan events.Event),
	}
	p.Events.Subscribe(s.fanOut)
	if sink != nil {
		p.Events.Subscribe(sink.RecordEvent)
	}

	r := gin.Default()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	r.GET("/health", s.health)
	r.POST("/api/generate", s.generate)
	r.GET("/api/runs", s.listRuns)
	r.GET("/api/runs/:id", s.getRun)
	r.DELETE("/api/runs/:id", s.cancelRun)
	r.GET("/ws/runs/:id", s.streamRun)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8089"
	}
	log.Printf("🎬 Podcast video generator API starting on port %s", port)
	log.Fatal(r.Run(":" + port))
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *server) generate(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if len(req.Script.Body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_script", "message": "script body is required"})
		return
	}

	runID := uuid.New().String()
	runCtx, cancel := context.WithCancel(context.Background())
	entry := &runEntry{
		ID: runID, Name: req.Name, Status: statusProcessing,
		CreatedAt: time.Now(), cancel: cancel,
	}

	s.mu.Lock()
	s.runs[runID] = entry
	s.mu.Unlock()

	s.sink.RunStarted(runCtx, runID, req.Name)

	go func() {
		defer cancel()
		summary, err := s.pipeline.RunWithID(runCtx, runID, req.Script, req.Name)

		s.mu.Lock()
		entry.Summary = summary
		switch {
		case runCtx.Err() == context.Canceled && entry.Status == statusCancelled:
			entry.Error = "cancelled"
		case err != nil:
			entry.Status = statusFailed
			entry.Error = err.Error()
		default:
			entry.Status = statusCompleted
		}
		s.mu.Unlock()

		var paths []string
		if summary != nil {
			paths = summary.OutputPaths
		}
		s.sink.RunFinished(context.Background(), runID, paths, entry.Error)
		s.closeSubscribers(runID)
	}()

	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": statusProcessing})
}

func (s *server) listRuns(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*runEntry, 0, len(s.runs))
	for _, entry := range s.runs {
		runs = append(runs, entry)
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *server) getRun(c *gin.Context) {
	s.mu.RLock()
	entry, ok := s.runs[c.Param("id")]
	s.mu.RUnlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run_not_found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *server) cancelRun(c *gin.Context) {
	s.mu.Lock()
	entry, ok := s.runs[c.Param("id")]
	if ok && entry.Status == statusProcessing {
		entry.Status = statusCancelled
		entry.cancel()
	}
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": entry.ID, "status": entry.Status})
}

// streamRun upgrades to a websocket and forwards the run's events until the
// run finishes or the client goes away.
func (s *server) streamRun(c *gin.Context) {
	runID := c.Param("id")

	s.mu.RLock()
	entry, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run_not_found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("⚠️ Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan events.Event, 256)
	s.subscribe(runID, ch)
	defer s.unsubscribe(runID, ch)

	// The run may have finished before (or while) we subscribed, in which
	// case its close pass never sees this channel. Checking the status after
	// subscribing is sufficient: a run observed as still processing here
	// has its close pass ahead of it, and that pass will close ch.
	s.mu.RLock()
	finished := entry.Status != statusProcessing
	s.mu.RUnlock()
	if finished {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
		return
	}

	for event := range ch {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
}

// fanOut delivers one pipeline event to that run's websocket subscribers.
func (s *server) fanOut(event events.Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for _, ch := range s.subs[event.RunID] {
		select {
		case ch <- event:
		default:
			// Subscriber is not draining; dropping beats blocking a stage.
		}
	}
}

func (s *server) subscribe(runID string, ch chan events.Event) {
	s.subMu.Lock()
	s.subs[runID] = append(s.subs[runID], ch)
	s.subMu.Unlock()
}

func (s *server) unsubscribe(runID string, ch chan events.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	subscribers := s.subs[runID]
	for i, sub := range subscribers {
		if sub == ch {
			s.subs[runID] = append(subscribers[:i], subscribers[i+1:]...)
			break
		}
	}
}

func (s *server) closeSubscribers(runID string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs[runID] {
		close(ch)
	}
	delete(s.subs, runID)
}
