package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"podcast_video_gen/stage"
)

// elevenLabsEngine calls the ElevenLabs cloud API. Needs an API key and a
// voice ID.
type elevenLabsEngine struct{}

// Swappable for tests.
var elevenLabsBaseURL = "https://api.elevenlabs.io/v1"

type elevenLabsRequest struct {
	Text          string                 `json:"text"`
	ModelID       string                 `json:"model_id"`
	VoiceSettings map[string]interface{} `json:"voice_settings"`
}

func (e *elevenLabsEngine) id() string { return EngineElevenLabs }

func (e *elevenLabsEngine) probe() error {
	if os.Getenv("ELEVENLABS_API_KEY") == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY not set")
	}
	return nil
}

func (e *elevenLabsEngine) voiceParams(cfg Config) []string {
	return []string{
		cfg.VoiceID,
		fmt.Sprintf("%.6f", cfg.Stability),
		fmt.Sprintf("%.6f", cfg.SimilarityBoost),
	}
}

func (e *elevenLabsEngine) synthesize(ctx context.Context, _ stage.Context, text string, cfg Config, outPath string) error {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ELEVENLABS_API_KEY")
	}

	client := &http.Client{Timeout: 60 * time.Second}

	var audioData []byte
	err := retryNetwork(ctx, "elevenlabs tts", func() error {
		requestBody := elevenLabsRequest{
			Text:    text,
			ModelID: "eleven_multilingual_v2",
			VoiceSettings: map[string]interface{}{
				"stability":        cfg.Stability,
				"similarity_boost": cfg.SimilarityBoost,
			},
		}

		jsonData, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("error marshaling request: %v", err)
		}

		url := fmt.Sprintf("%s/text-to-speech/%s", elevenLabsBaseURL, cfg.VoiceID)
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
		if err != nil {
			return fmt.Errorf("error creating request: %v", err)
		}

		req.Header.Set("Accept", "audio/mpeg")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("xi-api-key", apiKey)

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("error making request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
		}

		audioData, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("error reading response: %v", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return os.WriteFile(outPath, audioData, 0644)
}
