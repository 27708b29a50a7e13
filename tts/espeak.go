package tts

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"podcast_video_gen/stage"
)

// espeakEngine uses the offline system voice. Robotic but dependency-light:
// works with no network and no model downloads.
type espeakEngine struct{}

func (e *espeakEngine) id() string { return EngineEspeak }

func (e *espeakEngine) probe() error {
	if _, err := exec.LookPath("espeak-ng"); err == nil {
		return nil
	}
	if _, err := exec.LookPath("espeak"); err == nil {
		return nil
	}
	return fmt.Errorf("espeak binary not found in PATH")
}

func (e *espeakEngine) voiceParams(cfg Config) []string {
	return []string{cfg.Language, strconv.Itoa(cfg.Rate), strconv.Itoa(cfg.Pitch)}
}

func (e *espeakEngine) synthesize(ctx context.Context, _ stage.Context, text string, cfg Config, outPath string) error {
	binary := "espeak-ng"
	if _, err := exec.LookPath(binary); err != nil {
		binary = "espeak"
	}

	wavPath := outPath + ".wav"
	defer os.Remove(wavPath)

	cmd := exec.CommandContext(ctx, binary,
		"-v", cfg.Language,
		"-s", strconv.Itoa(cfg.Rate),
		"-p", strconv.Itoa(cfg.Pitch),
		"-w", wavPath,
		text,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("espeak synthesis failed: %v - %s", err, string(output))
	}

	return wavToMP3(ctx, wavPath, outPath)
}
