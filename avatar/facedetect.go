package avatar

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"strings"
	"time"
)

// FaceBox is a pixel rectangle around the detected face, the coordinate order
// wav2lip expects on its --box flag.
type FaceBox struct {
	Top    int
	Bottom int
	Left   int
	Right  int
}

func (b FaceBox) String() string {
	return fmt.Sprintf("%d %d %d %d", b.Top, b.Bottom, b.Left, b.Right)
}

// DetectFace locates a face in the image, trying detectors from most to least
// precise. External landmark and cascade tools are consulted first when
// installed; otherwise a luminance-edge heuristic runs on the decoded pixels,
// and the final resort is a centered box over the upper portion of the frame.
// The heuristic chain always yields a box.
func DetectFace(ctx context.Context, imagePath string) (FaceBox, error) {
	if box, ok := detectWithTool(ctx, "face_landmark", imagePath); ok {
		return box, nil
	}
	if box, ok := detectWithTool(ctx, "face_cascade", imagePath); ok {
		return box, nil
	}

	img, err := decodeImage(imagePath)
	if err != nil {
		return FaceBox{}, fmt.Errorf("cannot decode avatar image %s: %v", imagePath, err)
	}
	if box, ok := detectByEdges(img); ok {
		return box, nil
	}
	return centeredGuess(img.Bounds()), nil
}

// detectWithTool runs an optional external detector that prints
// "top bottom left right" on stdout. Missing binary or bad output
// just moves the chain along.
func detectWithTool(ctx context.Context, binary, imagePath string) (FaceBox, bool) {
	path, err := exec.LookPath(binary)
	if err != nil {
		return FaceBox{}, false
	}
	toolCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := exec.CommandContext(toolCtx, path, imagePath).Output()
	if err != nil {
		return FaceBox{}, false
	}
	var box FaceBox
	n, err := fmt.Fscan(bytes.NewReader(out), &box.Top, &box.Bottom, &box.Left, &box.Right)
	if err != nil || n != 4 || box.Bottom <= box.Top || box.Right <= box.Left {
		return FaceBox{}, false
	}
	return box, true
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

// detectByEdges scans luminance gradients row by row and keeps the densest
// contiguous band, on the assumption that a portrait's face region carries the
// most edge energy. Works on plain headshots, gives up on busy backgrounds.
func detectByEdges(img image.Image) (FaceBox, bool) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 32 || h < 32 {
		return FaceBox{}, false
	}

	rowEnergy := make([]int, h)
	colEnergy := make([]int, w)
	var total int
	for y := 1; y < h; y++ {
		for x := 1; x < w; x++ {
			l := luma(img, bounds.Min.X+x, bounds.Min.Y+y)
			dx := abs(l - luma(img, bounds.Min.X+x-1, bounds.Min.Y+y))
			dy := abs(l - luma(img, bounds.Min.X+x, bounds.Min.Y+y-1))
			e := dx + dy
			rowEnergy[y] += e
			colEnergy[x] += e
			total += e
		}
	}
	if total == 0 {
		return FaceBox{}, false
	}

	top, bottom, okRows := densestBand(rowEnergy, total)
	left, right, okCols := densestBand(colEnergy, total)
	if !okRows || !okCols {
		return FaceBox{}, false
	}
	return FaceBox{
		Top:    bounds.Min.Y + top,
		Bottom: bounds.Min.Y + bottom,
		Left:   bounds.Min.X + left,
		Right:  bounds.Min.X + right,
	}, true
}

// densestBand trims low-energy margins until the remaining band holds 80% of
// the total energy but still spans at least a quarter of the axis.
func densestBand(energy []int, total int) (lo, hi int, ok bool) {
	lo, hi = 0, len(energy)-1
	kept := total
	threshold := total * 8 / 10
	minSpan := len(energy) / 4
	for kept > threshold && hi-lo > minSpan {
		if energy[lo] <= energy[hi] {
			kept -= energy[lo]
			lo++
		} else {
			kept -= energy[hi]
			hi--
		}
	}
	if hi-lo < minSpan {
		return 0, 0, false
	}
	return lo, hi, true
}

// centeredGuess assumes a portrait composition: face centered horizontally,
// occupying the second quarter of the frame vertically.
func centeredGuess(bounds image.Rectangle) FaceBox {
	w, h := bounds.Dx(), bounds.Dy()
	return FaceBox{
		Top:    bounds.Min.Y + h/4,
		Bottom: bounds.Min.Y + h/2,
		Left:   bounds.Min.X + w/4,
		Right:  bounds.Min.X + w*3/4,
	}
}

func luma(img image.Image, x, y int) int {
	r, g, b, _ := img.At(x, y).RGBA()
	return int(299*(r>>8)+587*(g>>8)+114*(b>>8)) / 1000
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// imageMIMEType guesses the content type for cloud upload from the extension.
func imageMIMEType(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	default:
		return "image/jpeg"
	}
}
