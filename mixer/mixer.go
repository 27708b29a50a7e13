// Package mixer composes narration with background music in a single
// deterministic ffmpeg invocation: same inputs and levels, same argv, same
// output.
package mixer

import (
	"context"
	"fmt"
	"os/exec"

	"podcast_video_gen/cache"
	"podcast_video_gen/internal/mediautil"
	"podcast_video_gen/stage"
)

// Config holds the mix levels. Narration is always at full level; the music
// bed ducks under it and fades out at narration end.
type Config struct {
	MusicLevel       float64 `json:"music_level"`
	DuckingLevel     float64 `json:"ducking_level"`
	MusicStartOffset float64 `json:"music_start_offset_seconds"`
	FadeOutSeconds   float64 `json:"fade_out_seconds"`
	NarrationLevel   float64 `json:"narration_level"`
}

func (c Config) withDefaults() Config {
	if c.MusicLevel == 0 {
		c.MusicLevel = 0.3
	}
	if c.DuckingLevel == 0 {
		c.DuckingLevel = 0.15
	}
	if c.FadeOutSeconds == 0 {
		c.FadeOutSeconds = 2.0
	}
	if c.NarrationLevel == 0 {
		c.NarrationLevel = 1.0
	}
	return c
}

// Stage mixes narration and music artifacts.
type Stage struct {
	Config Config
}

func NewStage(cfg Config) *Stage {
	return &Stage{Config: cfg.withDefaults()}
}

// Mix places narration at t=0 and the music bed under it, starting at
// Config.MusicStartOffset within the music's own timeline. A nil music
// artifact yields a narration-only mix at the mixed kind, so downstream
// stages never branch on "was there music".
func (s *Stage) Mix(ctx context.Context, sctx stage.Context, narration stage.Artifact, musicArtifact *stage.Artifact) (stage.Artifact, error) {
	musicFP := ""
	if musicArtifact != nil {
		musicFP = musicArtifact.Fingerprint
	}

	fingerprint := cache.MixedFingerprint(narration.Fingerprint, musicFP,
		s.Config.MusicStartOffset, s.Config.DuckingLevel, s.Config.MusicLevel)

	return stage.Produce(sctx, cache.KindMixed, fingerprint, func(tmpPath string) error {
		if musicArtifact == nil {
			return s.mixNarrationOnly(ctx, narration.Path, tmpPath)
		}
		return s.mixWithMusic(ctx, narration.Path, musicArtifact.Path, tmpPath)
	})
}

func (s *Stage) mixNarrationOnly(ctx context.Context, narrationPath, outPath string) error {
	args := []string{
		"-y",
		"-i", narrationPath,
		"-af", fmt.Sprintf("volume=%.2f", s.Config.NarrationLevel),
		"-codec:a", "libmp3lame", "-qscale:a", "2",
		outPath,
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to mix narration: %v - %s", err, string(output))
	}
	return nil
}

func (s *Stage) mixWithMusic(ctx context.Context, narrationPath, musicPath, outPath string) error {
	narrationDuration, err := mediautil.GetMediaDuration(narrationPath)
	if err != nil {
		return fmt.Errorf("failed to get narration duration: %v", err)
	}

	fadeStart := narrationDuration - s.Config.FadeOutSeconds
	if fadeStart < 0 {
		fadeStart = 0
	}

	// Music is trimmed from its own offset, ducked under the narration, and
	// faded out where the narration ends. amix with duration=first pins the
	// mix length to the narration.
	filter := fmt.Sprintf(
		"[0:a]volume=%.2f[voice];"+
			"[1:a]atrim=start=%.6f,asetpts=PTS-STARTPTS,volume=%.2f,afade=t=out:st=%.6f:d=%.6f[bgm];"+
			"[voice][bgm]amix=inputs=2:duration=first:dropout_transition=0[mixed]",
		s.Config.NarrationLevel,
		s.Config.MusicStartOffset, s.Config.DuckingLevel,
		fadeStart, s.Config.FadeOutSeconds,
	)

	args := []string{
		"-y",
		"-i", narrationPath,
		"-i", musicPath,
		"-filter_complex", filter,
		"-map", "[mixed]",
	}
	args = append(args, "-codec:a", "libmp3lame", "-qscale:a", "2", outPath)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to mix narration with music: %v - %s", err, string(output))
	}
	return nil
}
