// Package stage holds the pieces every pipeline stage shares: the engine
// selection walk and the cache-aware production contract.
package stage

import (
	"fmt"
	"log"
	"os"
	"time"

	"podcast_video_gen/cache"
	"podcast_video_gen/events"
)

// Descriptor names one interchangeable engine implementation. Probe reports
// whether the engine's runtime dependencies are reachable right now; it must
// be cheap and side-effect free.
type Descriptor struct {
	ID    string
	Probe func() error
}

// Choose walks the caller's preference list and returns the first
// probe-positive engine. Unreachable engines emit engine_degraded. When the
// whole list fails the stage's built-in default wins and fallback_used is
// emitted; the default must never need optional dependencies.
func Choose(prefs []string, known map[string]Descriptor, defaultID string, ctx Context) string {
	for _, id := range prefs {
		descriptor, ok := known[id]
		if !ok {
			log.Printf("⚠️ [%s] unknown engine %q requested, skipping", ctx.Stage, id)
			continue
		}
		if err := descriptor.Probe(); err != nil {
			ctx.Events.Emit(events.Event{
				RunID:      ctx.RunID,
				Type:       events.EngineDegraded,
				Stage:      ctx.Stage,
				ChunkIndex: ctx.ChunkIndex,
				Engine:     id,
				Cause:      err.Error(),
			})
			continue
		}
		return id
	}
	if len(prefs) > 0 {
		ctx.Events.Emit(events.Event{
			RunID:      ctx.RunID,
			Type:       events.FallbackUsed,
			Stage:      ctx.Stage,
			ChunkIndex: ctx.ChunkIndex,
			Engine:     defaultID,
			Cause:      "no requested engine available",
		})
	}
	return defaultID
}

// Context identifies where in a run a stage invocation sits and gives it the
// shared cache and event stream.
type Context struct {
	Stage      string
	RunID      string
	ChunkIndex int
	Cache      *cache.Store
	Events     *events.Emitter
}

// Artifact is one content-addressed production.
type Artifact struct {
	Kind        cache.Kind
	Fingerprint string
	Path        string
	SizeBytes   int64
	CreatedAt   time.Time
}

// Produce runs the cache-aware stage contract: consult the cache, reserve
// the lease, re-check under the lease (a concurrent producer may have won),
// invoke produce into a staging path, and commit or discard.
//
// produce must write its artifact to the tmp path it is given.
func Produce(ctx Context, kind cache.Kind, fingerprint string, produce func(tmpPath string) error) (Artifact, error) {
	ctx.Events.Emit(events.Event{
		RunID: ctx.RunID, Type: events.StageStarted,
		Stage: ctx.Stage, ChunkIndex: ctx.ChunkIndex,
	})

	if path, ok := ctx.Cache.Lookup(kind, fingerprint); ok {
		ctx.Events.Emit(events.Event{
			RunID: ctx.RunID, Type: events.StageCached,
			Stage: ctx.Stage, ChunkIndex: ctx.ChunkIndex, Artifact: path,
		})
		return describe(kind, fingerprint, path)
	}

	lease := ctx.Cache.Reserve(kind, fingerprint)

	// Another producer may have committed while we waited on the lease.
	if path, ok := ctx.Cache.Lookup(kind, fingerprint); ok {
		ctx.Cache.Discard(lease)
		ctx.Events.Emit(events.Event{
			RunID: ctx.RunID, Type: events.StageCached,
			Stage: ctx.Stage, ChunkIndex: ctx.ChunkIndex, Artifact: path,
		})
		return describe(kind, fingerprint, path)
	}

	started := time.Now()
	tmpPath := ctx.Cache.TempPath(kind)

	if err := produce(tmpPath); err != nil {
		ctx.Cache.Discard(lease)
		os.Remove(tmpPath)
		ctx.Events.Emit(events.Event{
			RunID: ctx.RunID, Type: events.StageFailed,
			Stage: ctx.Stage, ChunkIndex: ctx.ChunkIndex, Cause: err.Error(),
		})
		return Artifact{}, fmt.Errorf("stage %s failed: %v", ctx.Stage, err)
	}

	path, err := ctx.Cache.Commit(lease, tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		ctx.Events.Emit(events.Event{
			RunID: ctx.RunID, Type: events.StageFailed,
			Stage: ctx.Stage, ChunkIndex: ctx.ChunkIndex, Cause: err.Error(),
		})
		return Artifact{}, fmt.Errorf("stage %s produced an invalid artifact: %v", ctx.Stage, err)
	}

	artifact, derr := describe(kind, fingerprint, path)
	if derr != nil {
		return Artifact{}, derr
	}

	ctx.Events.Emit(events.Event{
		RunID: ctx.RunID, Type: events.StageCompleted,
		Stage: ctx.Stage, ChunkIndex: ctx.ChunkIndex,
		Artifact: path, Bytes: artifact.SizeBytes,
		Elapsed: time.Since(started).Seconds(),
	})
	return artifact, nil
}

func describe(kind cache.Kind, fingerprint, path string) (Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("committed artifact vanished: %v", err)
	}
	return Artifact{
		Kind:        kind,
		Fingerprint: fingerprint,
		Path:        path,
		SizeBytes:   info.Size(),
		CreatedAt:   info.ModTime(),
	}, nil
}
