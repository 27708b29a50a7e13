package avatar

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writePortrait(t *testing.T) string {
	t.Helper()
	// A flat background with a high-contrast checkered block roughly where a
	// face would sit.
	img := image.NewRGBA(image.Rect(0, 0, 200, 260))
	for y := 0; y < 260; y++ {
		for x := 0; x < 200; x++ {
			img.Set(x, y, color.RGBA{30, 30, 40, 255})
		}
	}
	for y := 60; y < 160; y++ {
		for x := 60; x < 140; x++ {
			c := color.RGBA{220, 200, 180, 255}
			if (x+y)%2 == 0 {
				c = color.RGBA{40, 30, 20, 255}
			}
			img.Set(x, y, c)
		}
	}

	path := filepath.Join(t.TempDir(), "portrait.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	return path
}

func TestDetectFaceFindsHighContrastRegion(t *testing.T) {
	path := writePortrait(t)

	box, err := DetectFace(context.Background(), path)
	if err != nil {
		t.Fatalf("DetectFace failed: %v", err)
	}
	if box.Bottom <= box.Top || box.Right <= box.Left {
		t.Fatalf("Degenerate box: %+v", box)
	}

	// The detected box should overlap the planted block (60..140, 60..160).
	if box.Right < 60 || box.Left > 140 || box.Bottom < 60 || box.Top > 160 {
		t.Errorf("Box %+v does not overlap the planted face region", box)
	}
}

func TestDetectFaceMissingFile(t *testing.T) {
	if _, err := DetectFace(context.Background(), filepath.Join(t.TempDir(), "nope.png")); err == nil {
		t.Error("Expected an error for a missing image")
	}
}

func TestCenteredGuessWithinBounds(t *testing.T) {
	bounds := image.Rect(0, 0, 640, 480)
	box := centeredGuess(bounds)

	if box.Top < 0 || box.Bottom > 480 || box.Left < 0 || box.Right > 640 {
		t.Errorf("Guess %+v escapes the image bounds", box)
	}
	if box.Bottom <= box.Top || box.Right <= box.Left {
		t.Errorf("Degenerate guess: %+v", box)
	}
}

func TestDensestBandFlatEnergy(t *testing.T) {
	energy := make([]int, 100)
	for i := range energy {
		energy[i] = 10
	}
	lo, hi, ok := densestBand(energy, 1000)
	if !ok {
		t.Fatal("densestBand gave up on uniform energy")
	}
	if hi-lo < len(energy)/4 {
		t.Errorf("Band [%d,%d] is narrower than the minimum span", lo, hi)
	}
}

func TestFaceBoxString(t *testing.T) {
	box := FaceBox{Top: 10, Bottom: 90, Left: 20, Right: 80}
	if got := box.String(); got != "10 90 20 80" {
		t.Errorf("String = %q, want %q", got, "10 90 20 80")
	}
}

func TestImageMIMEType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"face.png", "image/png"},
		{"face.PNG", "image/png"},
		{"face.jpg", "image/jpeg"},
		{"face.jpeg", "image/jpeg"},
		{"face", "image/jpeg"},
	}
	for _, tt := range tests {
		if got := imageMIMEType(tt.path); got != tt.want {
			t.Errorf("imageMIMEType(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
