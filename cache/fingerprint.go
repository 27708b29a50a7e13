package cache

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"strings"
)

// Fingerprints are MD5 hex digests over a canonical tuple of everything that
// determines an artifact's content. Field order is fixed, floats are rounded
// to 6 decimals, and absent optionals appear as the "-" sentinel so that
// (a, nil) and (a) can never collide.
//
// Anything that does not change the produced bytes (verbosity, progress
// settings, timeouts) must stay out of these tuples or the hit rate collapses.

const absent = "-"

func digest(fields ...string) string {
	sum := md5.Sum([]byte(strings.Join(fields, "|")))
	return fmt.Sprintf("%x", sum)
}

func roundFloat(f float64) string {
	return fmt.Sprintf("%.6f", f)
}

func orAbsent(s string) string {
	if s == "" {
		return absent
	}
	return s
}

// NormalizeText collapses whitespace so formatting-only script edits do not
// defeat the narration cache.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// NarrationFingerprint derives the cache key for a TTS production.
// voiceParams is the engine's ordered tuple of output-affecting knobs.
func NarrationFingerprint(text, engineID string, voiceParams []string) string {
	fields := []string{"narration", NormalizeText(text), engineID}
	fields = append(fields, voiceParams...)
	return digest(fields...)
}

// MusicFingerprint derives the cache key for a generated music cue.
func MusicFingerprint(description, engineID string, durationSeconds float64, seed string) string {
	return digest("music", NormalizeText(description), engineID, roundFloat(durationSeconds), orAbsent(seed))
}

// MixedFingerprint derives the cache key for a narration+music mix.
// musicFingerprint is empty when the mix has no music track.
func MixedFingerprint(narrationFP, musicFP string, musicStartOffsetSeconds, duckingLevel, musicLevel float64) string {
	return digest("mixed", narrationFP, orAbsent(musicFP),
		roundFloat(musicStartOffsetSeconds), roundFloat(duckingLevel), roundFloat(musicLevel))
}

// AvatarFingerprint derives the cache key for a lip-synced avatar video.
func AvatarFingerprint(mixedFP, sourceImageHash, engineID string, engineParams []string) string {
	fields := []string{"avatar", mixedFP, sourceImageHash, engineID}
	fields = append(fields, engineParams...)
	return digest(fields...)
}

// VideoFingerprint derives the cache key for a final composed video.
// avatarFP is empty when no avatar track went into the composition.
func VideoFingerprint(mixedFP, avatarFP string, visualizationParams []string, resolution string, fps int) string {
	fields := []string{"video", mixedFP, orAbsent(avatarFP)}
	if len(visualizationParams) == 0 {
		fields = append(fields, absent)
	} else {
		fields = append(fields, visualizationParams...)
	}
	fields = append(fields, resolution, fmt.Sprintf("%d", fps))
	return digest(fields...)
}

// ChunkFingerprint derives the cache key for a chunked script slice.
func ChunkFingerprint(title, body string, index int) string {
	return digest("chunked_script", orAbsent(title), NormalizeText(body), fmt.Sprintf("%d", index))
}

// FileFingerprint hashes a file's content. Used when the caller supplies a
// ready-made asset (music file, source image) instead of a description.
func FileFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for hashing: %v", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %v", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
