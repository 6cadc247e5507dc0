// Package config handles companion configuration.
// Defaults are overlaid by an optional YAML file, then by environment
// variables with the COMPANION_ prefix.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all settings for the listening pipeline.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Audio   AudioConfig   `yaml:"audio"`
	Speech  SpeechConfig  `yaml:"speech"`
	Dedupe  DedupeConfig  `yaml:"dedupe"`
	Answer  AnswerConfig  `yaml:"answer"`
	Cache   CacheConfig   `yaml:"cache"`
	Memory  MemoryConfig  `yaml:"memory"`
	Session SessionConfig `yaml:"session"`
}

// ServerConfig contains the HTTP/WebSocket surface settings.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	EventBufferSize int           `yaml:"event_buffer_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AudioConfig contains capture and voice-activity settings.
type AudioConfig struct {
	SampleRate       int     `yaml:"sample_rate"`
	FrameSize        int     `yaml:"frame_size"`
	ChannelBuffer    int     `yaml:"channel_buffer"`
	NoiseFloor       float64 `yaml:"noise_floor"`
	AmplitudeDecay   float64 `yaml:"amplitude_decay"`
	RMSWindow        int     `yaml:"rms_window"`
	ZCRMin           float64 `yaml:"zcr_min"`
	ZCRMax           float64 `yaml:"zcr_max"`
	SpectralVarMin   float64 `yaml:"spectral_var_min"`
	MaxSilenceFrames int     `yaml:"max_silence_frames"`
	MinSpeechSec     float64 `yaml:"min_speech_sec"`
}

// SpeechConfig contains transcription and reconciliation settings.
type SpeechConfig struct {
	CorrectiveThreshold float64       `yaml:"corrective_threshold"`
	WindowSec           float64       `yaml:"window_sec"`
	RingCapacity        int           `yaml:"ring_capacity"` // overrides the WindowSec-derived frame count
	BaseFinalizeDelay   time.Duration `yaml:"base_finalize_delay"`
	QuestionGraceMin    time.Duration `yaml:"question_grace_min"`
	QuestionGraceMax    time.Duration `yaml:"question_grace_max"`
	GraceMaxMultiplier  float64       `yaml:"grace_max_multiplier"`
	GraceAbsoluteCap    time.Duration `yaml:"grace_absolute_cap"`
	StreamingAddr       string        `yaml:"streaming_addr"`
	BatchAddr           string        `yaml:"batch_addr"`
}

// DedupeConfig contains duplicate-suppression settings.
type DedupeConfig struct {
	Window     time.Duration `yaml:"window"`
	MaxEntries int           `yaml:"max_entries"`
}

// AnswerConfig contains inference engine settings.
type AnswerConfig struct {
	LocalURL     string        `yaml:"local_url"`
	LocalModel   string        `yaml:"local_model"`
	LocalTimeout time.Duration `yaml:"local_timeout"`
	CloudURL     string        `yaml:"cloud_url"`
	CloudModel   string        `yaml:"cloud_model"`
	CloudAPIKey  string        `yaml:"cloud_api_key"`
	CloudTimeout time.Duration `yaml:"cloud_timeout"`
}

// CacheConfig contains response cache settings.
type CacheConfig struct {
	MemoryEntries int           `yaml:"memory_entries"`
	MemoryBytes   int64         `yaml:"memory_bytes"`
	DiskPath      string        `yaml:"disk_path"`
	DiskBytes     int64         `yaml:"disk_bytes"`
	TTL           time.Duration `yaml:"ttl"`
}

// MemoryConfig contains conversation memory settings.
type MemoryConfig struct {
	Capacity      int           `yaml:"capacity"`
	RelatedWindow time.Duration `yaml:"related_window"`
	ThreadActive  time.Duration `yaml:"thread_active"`
	ThreadRetire  time.Duration `yaml:"thread_retire"`
}

// SessionConfig contains pipeline session settings.
type SessionConfig struct {
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8000",
			RateLimitPerSec: 5,
			RateLimitBurst:  10,
			EventBufferSize: 100,
			ShutdownTimeout: 5 * time.Second,
		},
		Audio: AudioConfig{
			SampleRate:       16000,
			FrameSize:        512,
			ChannelBuffer:    100,
			NoiseFloor:       0.008,
			AmplitudeDecay:   0.75,
			RMSWindow:        50,
			ZCRMin:           0.02,
			ZCRMax:           0.35,
			SpectralVarMin:   0.0005,
			MaxSilenceFrames: 15,
			MinSpeechSec:     0.5,
		},
		Speech: SpeechConfig{
			CorrectiveThreshold: 0.7,
			WindowSec:           4.0,
			BaseFinalizeDelay:   700 * time.Millisecond,
			QuestionGraceMin:    500 * time.Millisecond,
			QuestionGraceMax:    2 * time.Second,
			GraceMaxMultiplier:  4,
			GraceAbsoluteCap:    5 * time.Second,
			StreamingAddr:       "http://localhost:2700",
			BatchAddr:           "http://localhost:2701",
		},
		Dedupe: DedupeConfig{
			Window:     3 * time.Second,
			MaxEntries: 64,
		},
		Answer: AnswerConfig{
			LocalURL:     "http://localhost:11434",
			LocalModel:   "phi3:mini",
			LocalTimeout: 800 * time.Millisecond,
			CloudURL:     "https://api.booklistener.dev/v1/complete",
			CloudModel:   "reader-xl",
			CloudTimeout: 6 * time.Second,
		},
		Cache: CacheConfig{
			MemoryEntries: 256,
			MemoryBytes:   4 << 20,
			DiskPath:      "./data/answers.db",
			DiskBytes:     64 << 20,
			TTL:           24 * time.Hour,
		},
		Memory: MemoryConfig{
			Capacity:      500,
			RelatedWindow: 2 * time.Minute,
			ThreadActive:  5 * time.Minute,
			ThreadRetire:  30 * time.Minute,
		},
		Session: SessionConfig{
			FlushTimeout: 2 * time.Second,
		},
	}
}

// Load builds configuration from defaults, the optional YAML file named by
// COMPANION_CONFIG, and environment overrides, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("COMPANION_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.HTTPAddr = getEnv("COMPANION_HTTP_ADDR", c.Server.HTTPAddr)
	c.Audio.SampleRate = getEnvInt("COMPANION_SAMPLE_RATE", c.Audio.SampleRate)
	c.Audio.NoiseFloor = getEnvFloat("COMPANION_NOISE_FLOOR", c.Audio.NoiseFloor)
	c.Speech.CorrectiveThreshold = getEnvFloat("COMPANION_CORRECTIVE_THRESHOLD", c.Speech.CorrectiveThreshold)
	c.Speech.StreamingAddr = getEnv("COMPANION_STREAMING_ADDR", c.Speech.StreamingAddr)
	c.Speech.BatchAddr = getEnv("COMPANION_BATCH_ADDR", c.Speech.BatchAddr)
	c.Answer.LocalURL = getEnv("COMPANION_LOCAL_URL", c.Answer.LocalURL)
	c.Answer.LocalModel = getEnv("COMPANION_LOCAL_MODEL", c.Answer.LocalModel)
	c.Answer.CloudURL = getEnv("COMPANION_CLOUD_URL", c.Answer.CloudURL)
	c.Answer.CloudModel = getEnv("COMPANION_CLOUD_MODEL", c.Answer.CloudModel)
	c.Answer.CloudAPIKey = getEnv("COMPANION_CLOUD_API_KEY", c.Answer.CloudAPIKey)
	c.Cache.DiskPath = getEnv("COMPANION_CACHE_PATH", c.Cache.DiskPath)
	c.Cache.TTL = getEnvDuration("COMPANION_CACHE_TTL", c.Cache.TTL)
	c.Memory.Capacity = getEnvInt("COMPANION_MEMORY_CAPACITY", c.Memory.Capacity)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
