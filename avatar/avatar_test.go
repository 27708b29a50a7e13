package avatar

import (
	"context"
	"errors"
	"testing"

	"podcast_video_gen/cache"
	"podcast_video_gen/events"
	"podcast_video_gen/stage"
)

func testStageCtx(t *testing.T) stage.Context {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return stage.Context{
		Stage: "avatar", RunID: "run-1",
		Cache: store, Events: events.NewEmitter(),
	}
}

func TestAnimateMissingSourceImageIsFatal(t *testing.T) {
	s := NewStage(Config{SourceImage: "/nonexistent/face.jpg"})

	_, err := s.Animate(context.Background(), testStageCtx(t), stage.Artifact{
		Kind: cache.KindMixed, Fingerprint: "abc", Path: "/nonexistent/mixed.mp3",
	})
	if !errors.Is(err, ErrSourceImageMissing) {
		t.Errorf("Animate = %v, want ErrSourceImageMissing", err)
	}
}

func TestSelectEngineDefaultsToStill(t *testing.T) {
	// None of the optional engines can probe positive in a bare test
	// environment with empty configuration.
	t.Setenv("DID_API_KEY", "")
	s := NewStage(Config{Engines: []string{EngineWav2Lip, EngineSadTalker, EngineDID}})

	if got := s.selectEngine(testStageCtx(t)); got != EngineStill {
		t.Errorf("selectEngine = %q, want %q", got, EngineStill)
	}
}

func TestSelectEngineDegradationIsObservable(t *testing.T) {
	// A still-image render in place of a requested lip-sync engine must be
	// visible in the event stream: engine_degraded for the refusal, then
	// fallback_used for the substitute.
	t.Setenv("DID_API_KEY", "")
	s := NewStage(Config{Engines: []string{EngineWav2Lip}})

	sctx := testStageCtx(t)
	var stream []events.Type
	sctx.Events.Subscribe(func(event events.Event) {
		stream = append(stream, event.Type)
	})

	if got := s.selectEngine(sctx); got != EngineStill {
		t.Fatalf("selectEngine = %q, want %q", got, EngineStill)
	}

	want := []events.Type{events.EngineDegraded, events.FallbackUsed}
	if len(stream) != len(want) {
		t.Fatalf("Event stream %v, want %v", stream, want)
	}
	for i := range want {
		if stream[i] != want[i] {
			t.Fatalf("Event stream %v, want %v", stream, want)
		}
	}
}
