package avatar

import (
	"context"
	"fmt"
	"os/exec"
)

// StillVideo renders the source image as a motionless video exactly as long
// as the audio. It is the engine of last resort and also the fallback for
// every other avatar engine, so outside of missing FFmpeg it must not fail.
func StillVideo(ctx context.Context, imagePath, audioPath, outPath string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y",
		"-loop", "1",
		"-i", imagePath,
		"-i", audioPath,
		"-c:v", "libx264",
		"-tune", "stillimage",
		"-preset", "fast",
		"-c:a", "aac",
		"-b:a", "192k",
		"-pix_fmt", "yuv420p",
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-shortest",
		outPath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("still video render failed: %v, output: %s", err, string(output))
	}
	return nil
}
