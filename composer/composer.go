// Package composer turns a mixed-audio artifact, and optionally an avatar
// video, into the final MP4. FFmpeg does all the encoding; this package only
// builds argv and supervises the run.
package composer

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"

	"podcast_video_gen/cache"
	"podcast_video_gen/internal/mediautil"
	"podcast_video_gen/stage"
	"podcast_video_gen/supervisor"
)

// Visualization configures the audio-reactive waveform overlay.
type Visualization struct {
	Enabled bool   `json:"enabled"`
	Mode    string `json:"mode"`   // showwaves mode: line, p2p, cline
	Color   string `json:"color"`  // ffmpeg color spec
	Height  int    `json:"height"` // overlay height in pixels
}

func (v Visualization) withDefaults() Visualization {
	if v.Mode == "" {
		v.Mode = "line"
	}
	if v.Color == "" {
		v.Color = "white"
	}
	if v.Height <= 0 {
		v.Height = 200
	}
	return v
}

// params is the visualization's contribution to the video fingerprint.
// Disabled visualization contributes nothing.
func (v Visualization) params() []string {
	if !v.Enabled {
		return nil
	}
	v = v.withDefaults()
	return []string{"viz", v.Mode, v.Color, fmt.Sprintf("%d", v.Height)}
}

// Config parameterizes the final encode.
type Config struct {
	Resolution      string        `json:"resolution"` // e.g. "1920x1080"
	FPS             int           `json:"fps"`
	Codec           string        `json:"codec"` // "" or "auto" probes hardware
	Preset          string        `json:"preset"`
	BackgroundImage string        `json:"background_image"`
	Visualization   Visualization `json:"visualization"`
}

func (c Config) withDefaults() Config {
	if c.Resolution == "" {
		c.Resolution = "1920x1080"
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	return c
}

// Stage composes final videos.
type Stage struct {
	Config Config
}

func NewStage(cfg Config) *Stage {
	return &Stage{Config: cfg.withDefaults()}
}

// Compose renders the final MP4 from the mixed audio and, when present, the
// avatar video. FFmpeg being absent is fatal here: there is nothing to
// degrade to.
func (s *Stage) Compose(ctx context.Context, sctx stage.Context, mixed stage.Artifact, avatarVideo *stage.Artifact) (stage.Artifact, error) {
	if err := mediautil.ValidateFFmpegInstalled(); err != nil {
		return stage.Artifact{}, err
	}

	cfg := s.Config.withDefaults()
	avatarFP := ""
	if avatarVideo != nil {
		avatarFP = avatarVideo.Fingerprint
	}
	fingerprint := cache.VideoFingerprint(mixed.Fingerprint, avatarFP,
		cfg.Visualization.params(), cfg.Resolution, cfg.FPS)

	return stage.Produce(sctx, cache.KindVideo, fingerprint, func(tmpPath string) error {
		args := s.buildArgs(cfg, mixed.Path, avatarVideo, tmpPath)
		log.Printf("🎬 Composing final video (%s @ %d fps)...", cfg.Resolution, cfg.FPS)

		sup := stage.NewSupervisor(sctx, true)
		_, err := sup.Run(ctx,
			supervisor.Command{Path: "ffmpeg", Args: args},
			supervisor.Expectation{
				OutputCandidates: []string{tmpPath},
				MinValidSize:     cache.KindVideo.MinValidSize(),
				ExpectedSize:     mixed.SizeBytes * 4,
			},
			supervisor.AudioDerivedTimeout(mixed.Path),
			func() (string, error) {
				// Plainest possible encode: solid background, no overlay,
				// software encoder.
				plain := Config{Resolution: cfg.Resolution, FPS: cfg.FPS, Codec: "libx264"}
				fallbackArgs := plain.withDefaults()
				if err := runFFmpeg(ctx, s.buildArgs(fallbackArgs, mixed.Path, nil, tmpPath)); err != nil {
					return "", err
				}
				return tmpPath, nil
			})
		return err
	})
}

// buildArgs assembles the full ffmpeg invocation for one of the three
// composition shapes.
func (s *Stage) buildArgs(cfg Config, audioPath string, avatarVideo *stage.Artifact, outPath string) []string {
	encoder := selectEncoder(cfg.Codec)
	viz := cfg.Visualization.withDefaults()
	width, height := splitResolution(cfg.Resolution)

	args := []string{"-y"}

	switch {
	case avatarVideo != nil && !cfg.Visualization.Enabled:
		// Avatar already carries the right frames; remux with the mixed
		// audio as the authoritative track.
		return append(args,
			"-i", avatarVideo.Path,
			"-i", audioPath,
			"-map", "0:v", "-map", "1:a",
			"-c:v", "copy",
			"-c:a", "aac", "-b:a", "192k",
			"-shortest",
			"-movflags", "+faststart",
			outPath)

	case avatarVideo != nil:
		args = append(args,
			"-i", avatarVideo.Path,
			"-i", audioPath,
			"-filter_complex", fmt.Sprintf(
				"[0:v]scale=%d:%d,fps=%d[base];"+
					"[1:a]showwaves=s=%dx%d:mode=%s:colors=%s[waves];"+
					"[base][waves]overlay=(W-w)/2:H-h-40[outv]",
				width, height, cfg.FPS, width, viz.Height, viz.Mode, viz.Color),
			"-map", "[outv]", "-map", "1:a")

	default:
		if cfg.BackgroundImage != "" && mediautil.FileExists(cfg.BackgroundImage) {
			args = append(args, "-loop", "1", "-i", cfg.BackgroundImage)
		} else {
			args = append(args,
				"-f", "lavfi",
				"-i", fmt.Sprintf("color=c=0x101020:s=%dx%d:r=%d", width, height, cfg.FPS))
		}
		args = append(args, "-i", audioPath)

		filter := fmt.Sprintf("[0:v]scale=%d:%d,fps=%d[base]", width, height, cfg.FPS)
		mapped := "[base]"
		if cfg.Visualization.Enabled {
			filter += fmt.Sprintf(
				";[1:a]showwaves=s=%dx%d:mode=%s:colors=%s[waves];"+
					"[base][waves]overlay=(W-w)/2:H-h-40[outv]",
				width, viz.Height, viz.Mode, viz.Color)
			mapped = "[outv]"
		}
		args = append(args,
			"-filter_complex", filter,
			"-map", mapped, "-map", "1:a",
			"-shortest")
	}

	args = append(args, "-c:v", encoder)
	args = append(args, encoderArgs(encoder, cfg.Preset)...)
	args = append(args,
		"-pix_fmt", "yuv420p",
		"-c:a", "aac", "-b:a", "192k",
		"-movflags", "+faststart",
		outPath)
	return args
}

func splitResolution(resolution string) (int, int) {
	parts := strings.SplitN(resolution, "x", 2)
	if len(parts) == 2 {
		var w, h int
		if _, err := fmt.Sscanf(resolution, "%dx%d", &w, &h); err == nil && w > 0 && h > 0 {
			return w, h
		}
	}
	return 1920, 1080
}

func runFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %v, output: %s", err, string(output))
	}
	return nil
}
