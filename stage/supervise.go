package stage

import (
	"podcast_video_gen/events"
	"podcast_video_gen/supervisor"
)

// NewSupervisor builds a supervisor whose progress and final reports flow
// into the stage's event stream. The bridge is one-directional: the
// supervisor knows nothing about its listeners.
func NewSupervisor(ctx Context, sampleGPU bool) *supervisor.Supervisor {
	return &supervisor.Supervisor{
		Stage:     ctx.Stage,
		SampleGPU: sampleGPU,
		OnProgress: func(p supervisor.Progress) {
			ctx.Events.Emit(events.Event{
				RunID:      ctx.RunID,
				Type:       events.SupervisorProgress,
				Stage:      ctx.Stage,
				ChunkIndex: ctx.ChunkIndex,
				Bytes:      p.BytesProduced,
				Elapsed:    p.Elapsed.Seconds(),
			})
		},
		OnReport: func(r supervisor.Report) {
			if r.FallbackUsed {
				ctx.Events.Emit(events.Event{
					RunID:      ctx.RunID,
					Type:       events.FallbackUsed,
					Stage:      ctx.Stage,
					ChunkIndex: ctx.ChunkIndex,
					Artifact:   r.OutputPath,
				})
			}
			if r.TimedOut {
				ctx.Events.Emit(events.Event{
					RunID:      ctx.RunID,
					Type:       events.StageFailed,
					Stage:      ctx.Stage,
					ChunkIndex: ctx.ChunkIndex,
					Cause:      "timeout",
				})
			}
		},
	}
}
