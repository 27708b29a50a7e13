// Package tts turns narration text into audio through one of several
// interchangeable engines. The Google engine is the built-in default and
// needs nothing beyond network access; the rest degrade gracefully when
// their dependencies are missing.
package tts

import (
	"context"
	"fmt"
	"log"
	"time"

	"podcast_video_gen/cache"
	"podcast_video_gen/stage"
)

const (
	EngineGoogle     = "google"
	EngineElevenLabs = "elevenlabs"
	EngineCoqui      = "coqui"
	EngineEspeak     = "espeak"

	networkRetries = 3
	retryBackoff   = time.Second
)

// Config is the voice configuration shared by all engines. Each engine reads
// only its own knobs; only output-affecting knobs enter the fingerprint.
type Config struct {
	Language string `json:"language"`

	// Google
	TLD string `json:"tld"`

	// ElevenLabs
	APIKey          string  `json:"api_key"`
	VoiceID         string  `json:"voice_id"`
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`

	// Coqui
	ModelPath string `json:"model_path"`
	SpeakerID string `json:"speaker_id"`

	// Espeak
	Rate  int `json:"rate"`
	Pitch int `json:"pitch"`
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "en"
	}
	if c.TLD == "" {
		c.TLD = "com"
	}
	if c.Stability == 0 {
		c.Stability = 0.5
	}
	if c.SimilarityBoost == 0 {
		c.SimilarityBoost = 0.75
	}
	if c.Rate == 0 {
		c.Rate = 160
	}
	if c.Pitch == 0 {
		c.Pitch = 50
	}
	return c
}

// engine is one TTS implementation. synthesize writes MP3 to outPath.
type engine interface {
	id() string
	probe() error
	// voiceParams is the ordered tuple of knobs that change the audio.
	voiceParams(cfg Config) []string
	synthesize(ctx context.Context, sctx stage.Context, text string, cfg Config, outPath string) error
}

// Stage adapts the engines to the pipeline's stage contract.
type Stage struct {
	Engines []string // preference order; empty means default only
	Config  Config

	engines map[string]engine
}

// NewStage wires up every known engine.
func NewStage(prefs []string, cfg Config) *Stage {
	s := &Stage{
		Engines: prefs,
		Config:  cfg.withDefaults(),
		engines: map[string]engine{},
	}
	for _, e := range []engine{
		&googleEngine{},
		&elevenLabsEngine{},
		&coquiEngine{modelPath: s.Config.ModelPath},
		&espeakEngine{},
	} {
		s.engines[e.id()] = e
	}
	return s
}

// Synthesize produces the narration artifact for text, going through the
// cache first.
func (s *Stage) Synthesize(ctx context.Context, sctx stage.Context, text string) (stage.Artifact, error) {
	selected := s.selectEngine(sctx)
	eng := s.engines[selected]

	fingerprint := cache.NarrationFingerprint(text, selected, eng.voiceParams(s.Config))

	return stage.Produce(sctx, cache.KindNarration, fingerprint, func(tmpPath string) error {
		log.Printf("🎙️ Synthesizing %d chars with %s engine...", len(text), selected)
		return eng.synthesize(ctx, sctx, cache.NormalizeText(text), s.Config, tmpPath)
	})
}

func (s *Stage) selectEngine(sctx stage.Context) string {
	known := map[string]stage.Descriptor{}
	for id, e := range s.engines {
		known[id] = stage.Descriptor{ID: id, Probe: e.probe}
	}
	return stage.Choose(s.Engines, known, EngineGoogle, sctx)
}

// retryNetwork retries transient network failures with a flat backoff, then
// gives up with the last error.
func retryNetwork(ctx context.Context, what string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= networkRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		log.Printf("⚠️ %s attempt %d/%d failed: %v", what, attempt, networkRetries, lastErr)
		if attempt < networkRetries {
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %v", what, networkRetries, lastErr)
}
