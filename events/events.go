// Package events carries the structured progress stream of a pipeline run.
// Stages, the supervisor, and the orchestrator all write into one Emitter;
// sinks (log, audit database, websocket clients) subscribe to it. Neither
// side holds a reference to the other.
package events

import (
	"log"
	"sync"
	"time"
)

// Type enumerates every event the pipeline emits.
type Type string

const (
	StageStarted       Type = "stage_started"
	StageCached        Type = "stage_cached"
	StageCompleted     Type = "stage_completed"
	StageFailed        Type = "stage_failed"
	EngineDegraded     Type = "engine_degraded"
	SupervisorProgress Type = "supervisor_progress"
	FallbackUsed       Type = "fallback_used"
	ChunkCompleted     Type = "chunk_completed"
)

// Event is one entry in a run's progress stream.
type Event struct {
	RunID      string    `json:"run_id"`
	Type       Type      `json:"type"`
	Stage      string    `json:"stage,omitempty"`
	ChunkIndex int       `json:"chunk_index"`
	Engine     string    `json:"engine,omitempty"`
	Artifact   string    `json:"artifact,omitempty"`
	Cause      string    `json:"cause,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	Elapsed    float64   `json:"elapsed_seconds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Emitter fans events out to subscribers. Safe for concurrent use.
type Emitter struct {
	mu          sync.RWMutex
	subscribers []func(Event)
}

func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers a sink. Sinks must not block: slow consumers should
// buffer on their own side.
func (e *Emitter) Subscribe(sink func(Event)) {
	e.mu.Lock()
	e.subscribers = append(e.subscribers, sink)
	e.mu.Unlock()
}

// Emit timestamps the event and delivers it to every subscriber.
func (e *Emitter) Emit(event Event) {
	event.Timestamp = time.Now()

	if event.Type != SupervisorProgress {
		log.Printf("▶ %s stage=%s chunk=%d engine=%s cause=%s",
			event.Type, event.Stage, event.ChunkIndex, event.Engine, event.Cause)
	}

	e.mu.RLock()
	sinks := e.subscribers
	e.mu.RUnlock()

	for _, sink := range sinks {
		sink(event)
	}
}
