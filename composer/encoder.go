package composer

import (
	"log"
	"os/exec"
	"strings"
	"sync"
)

// Hardware encoders in probe order. libx264 is the unconditional fallback.
var hardwareEncoders = []string{"h264_nvenc", "h264_qsv", "h264_amf"}

var (
	encoderOnce   sync.Once
	encoderResult string
)

// selectEncoder returns the first working H.264 encoder. A listed encoder is
// not enough: FFmpeg builds routinely advertise h264_nvenc on machines with
// no NVIDIA driver, so each candidate must survive a real test encode.
// The probe is expensive, so the result is computed once per process.
func selectEncoder(requested string) string {
	if requested != "" && requested != "auto" {
		return requested
	}
	encoderOnce.Do(func() {
		encoderResult = "libx264"
		for _, encoder := range hardwareEncoders {
			if testEncoder(encoder) {
				log.Printf("🚀 Using hardware encoder %s", encoder)
				encoderResult = encoder
				return
			}
		}
		log.Printf("🖥️ No hardware encoder available, using libx264")
	})
	return encoderResult
}

// testEncoder runs a one-second synthetic encode to the null muxer.
func testEncoder(encoder string) bool {
	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=duration=1:size=320x240:rate=1",
		"-t", "1",
		"-c:v", encoder,
		"-f", "null", "-")
	if err := cmd.Run(); err != nil {
		log.Printf("Encoder %s test failed: %v", encoder, err)
		return false
	}
	return true
}

// encoderArgs returns quality flags tuned per encoder family.
func encoderArgs(encoder, preset string) []string {
	if preset == "" {
		preset = "medium"
	}
	switch {
	case strings.HasPrefix(encoder, "h264_nvenc"):
		return []string{"-preset", "p4", "-tune", "hq", "-rc", "vbr", "-cq", "21", "-b:v", "5M", "-maxrate", "8M"}
	case strings.HasPrefix(encoder, "h264_qsv"):
		return []string{"-preset", "fast", "-global_quality", "21", "-b:v", "4M", "-maxrate", "6M"}
	case strings.HasPrefix(encoder, "h264_amf"):
		return []string{"-quality", "speed", "-rc", "vbr_peak", "-b:v", "5M", "-maxrate", "8M"}
	default:
		return []string{"-preset", preset, "-crf", "21", "-threads", "0"}
	}
}
