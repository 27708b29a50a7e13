package music

import (
	"os"
	"path/filepath"
	"testing"
)

func TestProbeMusicGenMissingScript(t *testing.T) {
	s := NewStage(Config{MusicGenScript: "/nonexistent/musicgen.py"})
	if err := s.probeMusicGen(); err == nil {
		t.Error("Probe passed without the generation script")
	}
}

func TestProbeLibrary(t *testing.T) {
	s := NewStage(Config{LibraryDir: "/nonexistent"})
	if err := s.probeLibrary(); err == nil {
		t.Error("Probe passed for a missing library directory")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "calm_piano.mp3"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	s = NewStage(Config{LibraryDir: dir})
	if err := s.probeLibrary(); err != nil {
		t.Errorf("Probe failed for a populated library: %v", err)
	}
}
