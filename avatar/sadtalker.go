package avatar

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"podcast_video_gen/cache"
	"podcast_video_gen/stage"
	"podcast_video_gen/supervisor"
)

func (s *Stage) probeSadTalker() error {
	if _, err := exec.LookPath("python3"); err != nil {
		return fmt.Errorf("python3 not found: %v", err)
	}
	script := filepath.Join(s.Config.SadTalkerDir, "inference.py")
	if _, err := os.Stat(script); err != nil {
		return fmt.Errorf("sadtalker inference script missing: %v", err)
	}
	return nil
}

// runSadTalker drives the talking-head model. The tool scatters its result
// under a timestamped directory inside result_dir, so after a successful run
// the newest large mp4 under there is moved to outPath.
func (s *Stage) runSadTalker(ctx context.Context, sctx stage.Context, audioPath, outPath string) error {
	resultDir := outPath + ".results"
	if err := os.MkdirAll(resultDir, 0o755); err != nil {
		return fmt.Errorf("cannot create sadtalker result dir: %v", err)
	}
	defer os.RemoveAll(resultDir)

	sup := stage.NewSupervisor(sctx, true)
	chosen, err := sup.Run(ctx,
		supervisor.Command{
			Path: "python3",
			Args: []string{
				filepath.Join(s.Config.SadTalkerDir, "inference.py"),
				"--driven_audio", audioPath,
				"--source_image", s.Config.SourceImage,
				"--result_dir", resultDir,
				"--still",
				"--preprocess", "full",
			},
			Dir: s.Config.SadTalkerDir,
			Env: []string{"PYTORCH_CUDA_ALLOC_CONF=expandable_segments:True"},
		},
		supervisor.Expectation{
			OutputGlobs: []string{
				filepath.Join(resultDir, "*.mp4"),
				filepath.Join(resultDir, "*", "*.mp4"),
			},
			MinValidSize: cache.KindAvatar.MinValidSize(),
		},
		supervisor.AudioDerivedTimeout(audioPath),
		func() (string, error) {
			if err := StillVideo(ctx, s.Config.SourceImage, audioPath, outPath); err != nil {
				return "", err
			}
			return outPath, nil
		})
	if err != nil {
		return err
	}
	if chosen == outPath {
		return nil
	}
	return os.Rename(chosen, outPath)
}
