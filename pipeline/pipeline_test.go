package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"podcast_video_gen/chunker"
	"podcast_video_gen/stage"
	"podcast_video_gen/tts"
)

func paragraphOfWords(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("word%d", i)
	}
	return strings.Join(words, " ")
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.CacheDir == "" || cfg.OutputsDir == "" {
		t.Error("Storage directories not defaulted")
	}
	if len(cfg.TTSEngines) != 1 || cfg.TTSEngines[0] != tts.EngineGoogle {
		t.Errorf("TTSEngines default = %v, want [google]", cfg.TTSEngines)
	}
	if cfg.ChunkWorkers != 1 {
		t.Errorf("ChunkWorkers default = %d, want 1", cfg.ChunkWorkers)
	}
	if cfg.RAMThresholdPercent != 90 {
		t.Errorf("RAMThresholdPercent default = %.0f, want 90", cfg.RAMThresholdPercent)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"cache_dir": "/data/cache",
		"tts_engines": ["elevenlabs", "google"],
		"audio_only": true,
		"chunk_duration_minutes": 2.5,
		"mixer": {"music_level": 0.25}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.CacheDir != "/data/cache" {
		t.Errorf("CacheDir = %q", cfg.CacheDir)
	}
	if len(cfg.TTSEngines) != 2 || cfg.TTSEngines[0] != "elevenlabs" {
		t.Errorf("TTSEngines = %v", cfg.TTSEngines)
	}
	if !cfg.AudioOnly {
		t.Error("AudioOnly not read from file")
	}
	if cfg.ChunkMinutes != 2.5 {
		t.Errorf("ChunkMinutes = %v, want 2.5", cfg.ChunkMinutes)
	}
	if cfg.Mixer.MusicLevel != 0.25 {
		t.Errorf("Mixer.MusicLevel = %v, want 0.25", cfg.Mixer.MusicLevel)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("ELEVENLABS_API_KEY", "env-key")
	t.Setenv("CHUNK_WORKERS", "4")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.TTS.APIKey != "env-key" {
		t.Errorf("TTS.APIKey = %q, want the env value", cfg.TTS.APIKey)
	}
	if cfg.ChunkWorkers != 4 {
		t.Errorf("ChunkWorkers = %d, want 4", cfg.ChunkWorkers)
	}
}

func TestResolveChunksNoChunking(t *testing.T) {
	p := &Pipeline{Config: &Config{}}
	script := Script{Title: "Show", Body: []string{"First paragraph.", "Second paragraph."}}

	chunks := p.resolveChunks(script)
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk without chunking, got %d", len(chunks))
	}
	if chunks[0].Title != "Show" {
		t.Errorf("Title = %q", chunks[0].Title)
	}
	if chunks[0].Text != "First paragraph.\n\nSecond paragraph." {
		t.Errorf("Text = %q", chunks[0].Text)
	}
}

func TestResolveChunksWithChunking(t *testing.T) {
	body := make([]string, 12)
	for i := range body {
		body[i] = paragraphOfWords(60)
	}
	p := &Pipeline{Config: &Config{ChunkMinutes: 1}}

	chunks := p.resolveChunks(Script{Title: "Long Show", Body: body})
	if len(chunks) < 2 {
		t.Fatalf("Expected multiple chunks, got %d", len(chunks))
	}
	if chunks[0].Title != "Long Show" {
		t.Errorf("First chunk lost the title: %q", chunks[0].Title)
	}
}

func TestRunCountsSkippedChunksAsFailed(t *testing.T) {
	// Chunks never attempted because the run was cancelled still count
	// against the summary's failure tally.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &Pipeline{Config: &Config{ChunkMinutes: 0.5, ChunkWorkers: 1}}
	script := Script{Body: []string{paragraphOfWords(200), paragraphOfWords(200), paragraphOfWords(200)}}

	summary, err := p.RunWithID(ctx, "run-cancelled", script, "out")
	if err == nil {
		t.Fatal("Expected an error from a cancelled run")
	}
	if len(summary.Chunks) == 0 {
		t.Fatal("Summary has no chunk results")
	}
	if summary.Failed != len(summary.Chunks) {
		t.Errorf("Failed = %d, want %d (one per skipped chunk)", summary.Failed, len(summary.Chunks))
	}
	for _, chunk := range summary.Chunks {
		if chunk.State != StateFailed {
			t.Errorf("Chunk %d state = %q, want %q", chunk.Index, chunk.State, StateFailed)
		}
	}
}

func TestResolveMusicNoCues(t *testing.T) {
	p := &Pipeline{Config: &Config{}}
	artifact, err := p.resolveMusic(context.Background(), stage.Context{}, Script{}, chunker.Chunk{}, stage.Artifact{})
	if err != nil {
		t.Fatalf("resolveMusic failed: %v", err)
	}
	if artifact != nil {
		t.Error("Expected no music artifact without cues")
	}
}

func TestExportMP3CopiesExistingMP3(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "mixed.mp3")
	dst := filepath.Join(dir, "final.mp3")
	if err := os.WriteFile(src, []byte("mp3 payload"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := exportMP3(context.Background(), src, dst); err != nil {
		t.Fatalf("exportMP3 failed: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(got) != "mp3 payload" {
		t.Error("Copy altered the payload")
	}
}

func TestJoinScript(t *testing.T) {
	tests := []struct {
		name   string
		script Script
		want   string
	}{
		{"title and body", Script{Title: "T", Body: []string{"a", "b"}}, "# T\n\na\n\nb"},
		{"no title", Script{Body: []string{"a"}}, "a"},
		{"empty", Script{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := joinScript(tt.script); got != tt.want {
				t.Errorf("joinScript = %q, want %q", got, tt.want)
			}
		})
	}
}
