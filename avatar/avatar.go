// Package avatar produces a video of a still face image lip-synced to an
// audio artifact. Engines degrade from local lip-sync models through a cloud
// API down to a still-image video with no lip motion. Whatever happens, the
// stage returns a valid video artifact.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"podcast_video_gen/cache"
	"podcast_video_gen/internal/mediautil"
	"podcast_video_gen/stage"
)

const (
	EngineWav2Lip   = "wav2lip"
	EngineSadTalker = "sadtalker"
	EngineDID       = "did"
	EngineStill     = "still"
)

// ErrSourceImageMissing reports a requested avatar render with no usable
// source image. Environment error: fatal, not degradable.
var ErrSourceImageMissing = errors.New("avatar source image missing")

// Config selects and parameterizes the avatar engines.
type Config struct {
	Engines     []string `json:"engines"`
	SourceImage string   `json:"source_image"`

	Wav2LipDir        string `json:"wav2lip_dir"`
	Wav2LipCheckpoint string `json:"wav2lip_checkpoint"`
	SadTalkerDir      string `json:"sadtalker_dir"`
	DIDAPIKey         string `json:"did_api_key"`
}

// Stage renders avatar video artifacts.
type Stage struct {
	Config Config
}

func NewStage(cfg Config) *Stage {
	return &Stage{Config: cfg}
}

// Animate lip-syncs the configured source image to the mixed audio artifact.
func (s *Stage) Animate(ctx context.Context, sctx stage.Context, mixed stage.Artifact) (stage.Artifact, error) {
	if s.Config.SourceImage == "" || !mediautil.FileExists(s.Config.SourceImage) {
		return stage.Artifact{}, fmt.Errorf("%w: %q", ErrSourceImageMissing, s.Config.SourceImage)
	}

	imageHash, err := cache.FileFingerprint(s.Config.SourceImage)
	if err != nil {
		return stage.Artifact{}, fmt.Errorf("cannot hash source image: %v", err)
	}

	selected := s.selectEngine(sctx)
	fingerprint := cache.AvatarFingerprint(mixed.Fingerprint, imageHash, selected, s.engineParams(selected))

	return stage.Produce(sctx, cache.KindAvatar, fingerprint, func(tmpPath string) error {
		log.Printf("🧑 Rendering avatar with %s engine...", selected)
		switch selected {
		case EngineWav2Lip:
			return s.runWav2Lip(ctx, sctx, mixed.Path, tmpPath)
		case EngineSadTalker:
			return s.runSadTalker(ctx, sctx, mixed.Path, tmpPath)
		case EngineDID:
			return s.runDID(ctx, sctx, mixed.Path, tmpPath)
		default:
			return StillVideo(ctx, s.Config.SourceImage, mixed.Path, tmpPath)
		}
	})
}

func (s *Stage) selectEngine(sctx stage.Context) string {
	known := map[string]stage.Descriptor{
		EngineWav2Lip:   {ID: EngineWav2Lip, Probe: s.probeWav2Lip},
		EngineSadTalker: {ID: EngineSadTalker, Probe: s.probeSadTalker},
		EngineDID:       {ID: EngineDID, Probe: s.probeDID},
		EngineStill:     {ID: EngineStill, Probe: func() error { return nil }},
	}
	return stage.Choose(s.Config.Engines, known, EngineStill, sctx)
}

func (s *Stage) engineParams(engineID string) []string {
	switch engineID {
	case EngineWav2Lip:
		return []string{filepath.Base(s.Config.Wav2LipCheckpoint)}
	case EngineSadTalker:
		return []string{"default"}
	case EngineDID:
		return []string{"talks-v1"}
	default:
		return nil
	}
}
