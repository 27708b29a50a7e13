// Package music turns a textual cue into a background audio artifact, either
// through a local generative model or a curated sample library. A caller can
// also hand in a ready-made file. The fallback is silence of the requested
// duration, so the mixer never has to care whether music generation worked.
package music

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"podcast_video_gen/cache"
	"podcast_video_gen/internal/mediautil"
	"podcast_video_gen/stage"
	"podcast_video_gen/supervisor"
)

const (
	EngineMusicGen = "musicgen"
	EngineLibrary  = "library"
)

// Config selects and parameterizes the music engines.
type Config struct {
	Engines        []string `json:"engines"`
	MusicGenScript string   `json:"musicgen_script"`
	LibraryDir     string   `json:"library_dir"`
	Seed           string   `json:"seed"`
}

// Stage produces background audio artifacts.
type Stage struct {
	Config Config
}

func NewStage(cfg Config) *Stage {
	return &Stage{Config: cfg}
}

// Generate produces music for a cue description and duration.
func (s *Stage) Generate(ctx context.Context, sctx stage.Context, description string, durationSeconds float64) (stage.Artifact, error) {
	selected := s.selectEngine(sctx)

	fingerprint := cache.MusicFingerprint(description, selected, durationSeconds, s.Config.Seed)

	return stage.Produce(sctx, cache.KindMusic, fingerprint, func(tmpPath string) error {
		switch selected {
		case EngineMusicGen:
			return s.generateWithModel(ctx, sctx, description, durationSeconds, tmpPath)
		case EngineLibrary:
			if err := s.lookupLibrary(ctx, description, durationSeconds, tmpPath); err != nil {
				log.Printf("⚠️ Library lookup failed (%v), falling back to silence", err)
				return Silence(ctx, durationSeconds, tmpPath)
			}
			return nil
		default:
			return Silence(ctx, durationSeconds, tmpPath)
		}
	})
}

// Import inserts an existing audio file into the cache keyed by its content.
func (s *Stage) Import(ctx context.Context, sctx stage.Context, path string) (stage.Artifact, error) {
	fingerprint, err := cache.FileFingerprint(path)
	if err != nil {
		return stage.Artifact{}, fmt.Errorf("cannot fingerprint music file: %v", err)
	}

	return stage.Produce(sctx, cache.KindMusic, fingerprint, func(tmpPath string) error {
		if strings.EqualFold(filepath.Ext(path), ".mp3") {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read music file: %v", err)
			}
			return os.WriteFile(tmpPath, data, 0644)
		}
		// Normalize anything else to MP3.
		cmd := exec.CommandContext(ctx, "ffmpeg", "-y", "-i", path, "-codec:a", "libmp3lame", "-qscale:a", "2", tmpPath)
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("failed to transcode music file: %v - %s", err, string(output))
		}
		return nil
	})
}

func (s *Stage) selectEngine(sctx stage.Context) string {
	known := map[string]stage.Descriptor{
		EngineMusicGen: {ID: EngineMusicGen, Probe: s.probeMusicGen},
		EngineLibrary:  {ID: EngineLibrary, Probe: s.probeLibrary},
	}
	// Default is the silence producer, which needs nothing but ffmpeg.
	return stage.Choose(s.Config.Engines, known, "silence", sctx)
}

func (s *Stage) probeMusicGen() error {
	if s.Config.MusicGenScript == "" {
		return fmt.Errorf("musicgen script not configured")
	}
	if _, err := os.Stat(s.Config.MusicGenScript); err != nil {
		return fmt.Errorf("musicgen script not found: %s", s.Config.MusicGenScript)
	}
	if _, err := exec.LookPath("python3"); err != nil {
		return fmt.Errorf("python3 not found in PATH")
	}
	return nil
}

func (s *Stage) probeLibrary() error {
	if s.Config.LibraryDir == "" {
		return fmt.Errorf("music library directory not configured")
	}
	if _, err := os.Stat(s.Config.LibraryDir); err != nil {
		return fmt.Errorf("music library directory not found: %s", s.Config.LibraryDir)
	}
	return nil
}

// generateWithModel runs the MusicGen script under supervision. On any
// failure the supervisor swaps in silence.
func (s *Stage) generateWithModel(ctx context.Context, sctx stage.Context, description string, durationSeconds float64, tmpPath string) error {
	sup := stage.NewSupervisor(sctx, true)

	wavPath := tmpPath + ".wav"
	defer os.Remove(wavPath)

	args := []string{
		s.Config.MusicGenScript,
		"--prompt", description,
		"--duration", fmt.Sprintf("%.1f", durationSeconds),
		"--output", wavPath,
	}
	if s.Config.Seed != "" {
		args = append(args, "--seed", s.Config.Seed)
	}

	// Generation runs several times slower than real time on CPU; give the
	// model room before declaring it hung.
	timeout := time.Duration(durationSeconds*20+300) * time.Second

	chosen, err := sup.Run(ctx,
		supervisor.Command{
			Path: "python3",
			Args: args,
			Env:  []string{"PYTORCH_CUDA_ALLOC_CONF=expandable_segments:True"},
		},
		supervisor.Expectation{
			OutputCandidates: []string{wavPath},
			MinValidSize:     cache.KindMusic.MinValidSize(),
		},
		supervisor.FixedTimeout(timeout),
		func() (string, error) {
			silencePath := tmpPath + ".silence.mp3"
			if err := Silence(ctx, durationSeconds, silencePath); err != nil {
				return "", err
			}
			return silencePath, nil
		},
	)
	if err != nil {
		return err
	}
	defer os.Remove(chosen)

	return transcodeToMP3(ctx, chosen, tmpPath)
}

// lookupLibrary picks the sample whose filename shares the most keywords
// with the description, then loops or trims it to the requested duration.
func (s *Stage) lookupLibrary(ctx context.Context, description string, durationSeconds float64, tmpPath string) error {
	entries, err := os.ReadDir(s.Config.LibraryDir)
	if err != nil {
		return fmt.Errorf("failed to read music library: %v", err)
	}

	keywords := strings.Fields(strings.ToLower(description))
	best := ""
	bestScore := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(entry.Name())
		ext := filepath.Ext(name)
		if ext != ".mp3" && ext != ".wav" && ext != ".flac" && ext != ".ogg" {
			continue
		}
		score := 0
		for _, keyword := range keywords {
			if strings.Contains(name, keyword) {
				score++
			}
		}
		if best == "" || score > bestScore {
			best = entry.Name()
			bestScore = score
		}
	}

	if best == "" {
		return fmt.Errorf("no audio files in library %s", s.Config.LibraryDir)
	}

	source := filepath.Join(s.Config.LibraryDir, best)
	log.Printf("🎵 Library pick for %q: %s (score %d)", description, best, bestScore)

	originalDuration, err := mediautil.GetMediaDuration(source)
	if err != nil {
		return fmt.Errorf("failed to get sample duration: %v", err)
	}

	args := []string{"-y"}
	if originalDuration < durationSeconds {
		loops := int(durationSeconds/originalDuration) + 1
		args = append(args, "-stream_loop", fmt.Sprintf("%d", loops))
	}
	args = append(args,
		"-i", source,
		"-t", fmt.Sprintf("%.2f", durationSeconds),
		"-codec:a", "libmp3lame", "-qscale:a", "2",
		tmpPath,
	)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to prepare library sample: %v - %s", err, string(output))
	}
	return nil
}

// Silence writes durationSeconds of stereo silence to outPath.
func Silence(ctx context.Context, durationSeconds float64, outPath string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-f", "lavfi",
		"-i", "anullsrc=r=44100:cl=stereo",
		"-t", fmt.Sprintf("%.2f", durationSeconds),
		"-codec:a", "libmp3lame", "-qscale:a", "9",
		outPath,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to generate silence: %v - %s", err, string(output))
	}
	return nil
}

func transcodeToMP3(ctx context.Context, inPath, outPath string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y", "-i", inPath, "-codec:a", "libmp3lame", "-qscale:a", "2", outPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to transcode to mp3: %v - %s", err, string(output))
	}
	return nil
}
