package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"podcast_video_gen/stage"
)

// googleEngine speaks through the public Google Translate TTS endpoint. It is
// the built-in default: no API key, no local model, just network access.
//
// The endpoint caps requests around 200 characters, so long narration is
// split at sentence boundaries and the MP3 segments are appended; MP3 frames
// concatenate cleanly.
type googleEngine struct{}

// BaseURL is swappable for tests.
var googleBaseURL = "https://translate.google.%s/translate_tts"

const googleSegmentLimit = 200

func (e *googleEngine) id() string { return EngineGoogle }

func (e *googleEngine) probe() error { return nil }

func (e *googleEngine) voiceParams(cfg Config) []string {
	return []string{cfg.Language, cfg.TLD}
}

func (e *googleEngine) synthesize(ctx context.Context, _ stage.Context, text string, cfg Config, outPath string) error {
	client := &http.Client{Timeout: 30 * time.Second}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %v", err)
	}
	defer out.Close()

	for _, segment := range splitForSynthesis(text, googleSegmentLimit) {
		// Each segment is buffered whole, so a retried request after a
		// mid-body failure cannot leave partial audio in the output.
		var audio []byte
		if err := retryNetwork(ctx, "google tts", func() error {
			var ferr error
			audio, ferr = e.fetchSegment(ctx, client, segment, cfg)
			return ferr
		}); err != nil {
			return err
		}
		if _, err := out.Write(audio); err != nil {
			return fmt.Errorf("error writing segment: %v", err)
		}
	}

	return nil
}

func (e *googleEngine) fetchSegment(ctx context.Context, client *http.Client, segment string, cfg Config) ([]byte, error) {
	endpoint := fmt.Sprintf(googleBaseURL, cfg.TLD)
	params := url.Values{}
	params.Set("ie", "UTF-8")
	params.Set("client", "tw-ob")
	params.Set("tl", cfg.Language)
	params.Set("q", segment)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %v", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error making request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %v", err)
	}
	return audio, nil
}

// splitForSynthesis splits text into blocks under charLimit while preserving
// complete sentences. A sentence over the limit is split on word boundaries.
func splitForSynthesis(text string, charLimit int) []string {
	if len(text) <= charLimit {
		return []string{text}
	}

	var blocks []string
	current := ""

	for _, sentence := range splitSentences(text) {
		if current != "" && len(current)+1+len(sentence) > charLimit {
			blocks = append(blocks, current)
			current = ""
		}

		if len(sentence) > charLimit {
			for _, word := range strings.Fields(sentence) {
				if current != "" && len(current)+1+len(word) > charLimit {
					blocks = append(blocks, current)
					current = ""
				}
				if current == "" {
					current = word
				} else {
					current += " " + word
				}
			}
			continue
		}

		if current == "" {
			current = sentence
		} else {
			current += " " + sentence
		}
	}

	if current != "" {
		blocks = append(blocks, current)
	}
	return blocks
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r == '.' || r == '!' || r == '?' {
			if i+1 == len(runes) || runes[i+1] == ' ' {
				sentence := strings.TrimSpace(string(runes[start : i+1]))
				if sentence != "" {
					sentences = append(sentences, sentence)
				}
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}
