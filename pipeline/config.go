package pipeline

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"podcast_video_gen/avatar"
	"podcast_video_gen/composer"
	"podcast_video_gen/mixer"
	"podcast_video_gen/music"
	"podcast_video_gen/tts"
)

// Config is the resolved pipeline configuration: storage locations, per-stage
// settings, and run flags. JSON file first, then environment variables for
// the secrets.
type Config struct {
	CacheDir   string `json:"cache_dir"`
	OutputsDir string `json:"outputs_dir"`

	TTSEngines []string        `json:"tts_engines"`
	TTS        tts.Config      `json:"tts"`
	Music      music.Config    `json:"music"`
	Mixer      mixer.Config    `json:"mixer"`
	Avatar     avatar.Config   `json:"avatar"`
	Composer   composer.Config `json:"composer"`

	AudioOnly           bool    `json:"audio_only"`
	AvatarEnabled       bool    `json:"avatar_enabled"`
	ChunkMinutes        float64 `json:"chunk_duration_minutes"`
	ChunkWorkers        int     `json:"chunk_workers"`
	ContinueOnError     bool    `json:"continue_on_error"`
	EnableRAMWatchdog   bool    `json:"enable_ram_watchdog"`
	RAMThresholdPercent float64 `json:"ram_threshold_percent"`
}

// LoadConfig reads the JSON config file, overlays .env, and fills defaults.
// A missing config path yields a pure-defaults configuration.
func LoadConfig(configPath string) (*Config, error) {
	// .env is optional; secrets can come from the real environment too.
	if err := godotenv.Load(); err == nil {
		log.Printf("📋 Loaded environment from .env")
	}

	config := &Config{}
	if configPath != "" {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %v", err)
		}
		defer file.Close()

		if err := json.NewDecoder(file).Decode(config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %v", err)
		}
	}

	config.applyDefaults()
	config.applyEnvOverrides()
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.CacheDir == "" {
		c.CacheDir = getEnv("CACHE_DIR", "./cache")
	}
	if c.OutputsDir == "" {
		c.OutputsDir = getEnv("OUTPUTS_DIR", "./outputs")
	}
	if len(c.TTSEngines) == 0 {
		c.TTSEngines = []string{tts.EngineGoogle}
	}
	if c.ChunkWorkers <= 0 {
		c.ChunkWorkers = 1
	}
	if c.RAMThresholdPercent <= 0 {
		c.RAMThresholdPercent = 90
	}
}

func (c *Config) applyEnvOverrides() {
	if c.TTS.APIKey == "" {
		c.TTS.APIKey = os.Getenv("ELEVENLABS_API_KEY")
	}
	if c.Avatar.DIDAPIKey == "" {
		c.Avatar.DIDAPIKey = os.Getenv("DID_API_KEY")
	}
	if c.Avatar.SourceImage == "" {
		c.Avatar.SourceImage = os.Getenv("AVATAR_SOURCE_IMAGE")
	}
	if workers := getEnvInt("CHUNK_WORKERS", 0); workers > 0 {
		c.ChunkWorkers = workers
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
