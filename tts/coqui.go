package tts

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"podcast_video_gen/cache"
	"podcast_video_gen/stage"
	"podcast_video_gen/supervisor"
)

// coquiEngine drives a local Coqui TTS model through its CLI. Heavy: needs
// the tts binary on PATH and a downloaded model.
type coquiEngine struct {
	modelPath string
}

func (e *coquiEngine) id() string { return EngineCoqui }

func (e *coquiEngine) probe() error {
	if _, err := exec.LookPath("tts"); err != nil {
		return fmt.Errorf("coqui tts binary not found in PATH")
	}
	if e.modelPath != "" {
		if _, err := os.Stat(e.modelPath); err != nil {
			return fmt.Errorf("coqui model not found: %s", e.modelPath)
		}
	}
	return nil
}

func (e *coquiEngine) voiceParams(cfg Config) []string {
	return []string{cfg.ModelPath, cfg.SpeakerID}
}

// synthesize runs the model under supervision. A model install that probes
// fine but crashes or stalls at inference time falls back to the offline
// system voice.
func (e *coquiEngine) synthesize(ctx context.Context, sctx stage.Context, text string, cfg Config, outPath string) error {
	// Coqui writes WAV; transcode to MP3 so the narration kind stays uniform.
	wavPath := outPath + ".wav"
	defer os.Remove(wavPath)

	args := []string{"--text", text, "--out_path", wavPath}
	if cfg.ModelPath != "" {
		args = append(args, "--model_path", cfg.ModelPath)
	}
	if cfg.SpeakerID != "" {
		args = append(args, "--speaker_idx", cfg.SpeakerID)
	}

	sup := stage.NewSupervisor(sctx, false)
	chosen, err := sup.Run(ctx,
		supervisor.Command{
			Path: "tts",
			Args: args,
			// Keep the allocator from hoarding VRAM between invocations.
			Env: []string{"PYTORCH_CUDA_ALLOC_CONF=expandable_segments:True"},
		},
		supervisor.Expectation{
			OutputCandidates: []string{wavPath},
			MinValidSize:     cache.KindNarration.MinValidSize(),
		},
		supervisor.TimeoutPolicy{},
		func() (string, error) {
			esp := &espeakEngine{}
			if err := esp.probe(); err != nil {
				return "", err
			}
			if err := esp.synthesize(ctx, sctx, text, cfg, outPath); err != nil {
				return "", err
			}
			return outPath, nil
		})
	if err != nil {
		return err
	}
	if chosen == outPath {
		// The fallback already delivered the final MP3.
		return nil
	}
	return wavToMP3(ctx, chosen, outPath)
}

func wavToMP3(ctx context.Context, wavPath, mp3Path string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y", "-i", wavPath, "-codec:a", "libmp3lame", "-qscale:a", "2", mp3Path)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to transcode wav to mp3: %v - %s", err, string(output))
	}
	return nil
}
