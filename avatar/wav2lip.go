package avatar

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"podcast_video_gen/cache"
	"podcast_video_gen/stage"
	"podcast_video_gen/supervisor"
)

func (s *Stage) probeWav2Lip() error {
	if _, err := exec.LookPath("python3"); err != nil {
		return fmt.Errorf("python3 not found: %v", err)
	}
	script := filepath.Join(s.Config.Wav2LipDir, "inference.py")
	if _, err := os.Stat(script); err != nil {
		return fmt.Errorf("wav2lip inference script missing: %v", err)
	}
	if _, err := os.Stat(s.Config.Wav2LipCheckpoint); err != nil {
		return fmt.Errorf("wav2lip checkpoint missing: %v", err)
	}
	return nil
}

// runWav2Lip drives the local lip-sync model. It needs a face bounding box
// up front; if no detector in the chain can produce one the render is refused
// and the still-image fallback covers it.
func (s *Stage) runWav2Lip(ctx context.Context, sctx stage.Context, audioPath, outPath string) error {
	box, err := DetectFace(ctx, s.Config.SourceImage)
	if err != nil {
		log.Printf("⚠️ No face detected in %s, rendering still video instead: %v", s.Config.SourceImage, err)
		return StillVideo(ctx, s.Config.SourceImage, audioPath, outPath)
	}

	sup := stage.NewSupervisor(sctx, true)
	_, err = sup.Run(ctx,
		supervisor.Command{
			Path: "python3",
			Args: []string{
				filepath.Join(s.Config.Wav2LipDir, "inference.py"),
				"--checkpoint_path", s.Config.Wav2LipCheckpoint,
				"--face", s.Config.SourceImage,
				"--audio", audioPath,
				"--outfile", outPath,
				"--box", fmt.Sprint(box.Top), fmt.Sprint(box.Bottom), fmt.Sprint(box.Left), fmt.Sprint(box.Right),
			},
			Dir: s.Config.Wav2LipDir,
			Env: []string{"PYTORCH_CUDA_ALLOC_CONF=expandable_segments:True"},
		},
		supervisor.Expectation{
			OutputCandidates: []string{outPath},
			MinValidSize:     cache.KindAvatar.MinValidSize(),
		},
		supervisor.AudioDerivedTimeout(audioPath),
		func() (string, error) {
			if err := StillVideo(ctx, s.Config.SourceImage, audioPath, outPath); err != nil {
				return "", err
			}
			return outPath, nil
		})
	return err
}
