package avatar

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"podcast_video_gen/stage"
)

// Swappable for tests.
var (
	didBaseURL      = "https://api.d-id.com"
	didPollInterval = 5 * time.Second
)

const didMaxPollAttempts = 60

type didTalkRequest struct {
	SourceURL string        `json:"source_url"`
	Script    didTalkScript `json:"script"`
}

type didTalkScript struct {
	Type     string `json:"type"`
	AudioURL string `json:"audio_url"`
}

type didTalkResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ResultURL   string `json:"result_url"`
	Description string `json:"description,omitempty"`
}

func (s *Stage) probeDID() error {
	if s.didAPIKey() == "" {
		return fmt.Errorf("DID_API_KEY not set")
	}
	return nil
}

func (s *Stage) didAPIKey() string {
	if s.Config.DIDAPIKey != "" {
		return s.Config.DIDAPIKey
	}
	return os.Getenv("DID_API_KEY")
}

// runDID submits the image and audio to the D-ID talks API as data URIs,
// polls until the render reaches a terminal status, and downloads the result.
// Any API-side failure falls back to the still-image video.
func (s *Stage) runDID(ctx context.Context, sctx stage.Context, audioPath, outPath string) error {
	client := &http.Client{Timeout: 120 * time.Second}

	talkID, err := s.didSubmit(ctx, client, audioPath)
	if err != nil {
		log.Printf("⚠️ D-ID submission failed, rendering still video instead: %v", err)
		return StillVideo(ctx, s.Config.SourceImage, audioPath, outPath)
	}

	resultURL, err := s.didPoll(ctx, client, talkID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("⚠️ D-ID render failed, rendering still video instead: %v", err)
		return StillVideo(ctx, s.Config.SourceImage, audioPath, outPath)
	}

	if err := s.didDownload(ctx, client, resultURL, outPath); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("⚠️ D-ID download failed, rendering still video instead: %v", err)
		return StillVideo(ctx, s.Config.SourceImage, audioPath, outPath)
	}
	return nil
}

func (s *Stage) didSubmit(ctx context.Context, client *http.Client, audioPath string) (string, error) {
	imageURI, err := dataURI(s.Config.SourceImage, imageMIMEType(s.Config.SourceImage))
	if err != nil {
		return "", fmt.Errorf("error encoding source image: %v", err)
	}
	audioURI, err := dataURI(audioPath, "audio/mpeg")
	if err != nil {
		return "", fmt.Errorf("error encoding audio: %v", err)
	}

	jsonData, err := json.Marshal(didTalkRequest{
		SourceURL: imageURI,
		Script:    didTalkScript{Type: "audio", AudioURL: audioURI},
	})
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", didBaseURL+"/talks", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("error creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+s.didAPIKey())

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error making request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}

	var talk didTalkResponse
	if err := json.NewDecoder(resp.Body).Decode(&talk); err != nil {
		return "", fmt.Errorf("error decoding response: %v", err)
	}
	if talk.ID == "" {
		return "", fmt.Errorf("API returned no talk id")
	}
	return talk.ID, nil
}

// didPoll waits for the talk to reach a terminal status and returns the
// result URL on success.
func (s *Stage) didPoll(ctx context.Context, client *http.Client, talkID string) (string, error) {
	ticker := time.NewTicker(didPollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= didMaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		talk, err := s.didStatus(ctx, client, talkID)
		if err != nil {
			log.Printf("⚠️ D-ID status check %d/%d failed: %v", attempt, didMaxPollAttempts, err)
			continue
		}

		switch talk.Status {
		case "done":
			if talk.ResultURL == "" {
				return "", fmt.Errorf("talk %s done but no result_url", talkID)
			}
			return talk.ResultURL, nil
		case "error", "failed":
			return "", fmt.Errorf("talk %s ended with status %s: %s", talkID, talk.Status, talk.Description)
		}
	}
	return "", fmt.Errorf("talk %s still not done after %d attempts", talkID, didMaxPollAttempts)
}

func (s *Stage) didStatus(ctx context.Context, client *http.Client, talkID string) (didTalkResponse, error) {
	var talk didTalkResponse

	req, err := http.NewRequestWithContext(ctx, "GET", didBaseURL+"/talks/"+talkID, nil)
	if err != nil {
		return talk, fmt.Errorf("error creating request: %v", err)
	}
	req.Header.Set("Authorization", "Basic "+s.didAPIKey())

	resp, err := client.Do(req)
	if err != nil {
		return talk, fmt.Errorf("error making request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return talk, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(&talk); err != nil {
		return talk, fmt.Errorf("error decoding response: %v", err)
	}
	return talk, nil
}

func (s *Stage) didDownload(ctx context.Context, client *http.Client, url, outPath string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("error downloading result: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download error (%d)", resp.StatusCode)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("error creating output file: %v", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("error writing output file: %v", err)
	}
	return nil
}

func dataURI(path, mimeType string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
