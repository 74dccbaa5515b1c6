// Package config loads application configuration from the environment.
// Components receive explicit config structs at construction; nothing in
// the runtime packages reads the environment directly.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ASR holds speech-recognition service settings.
type ASR struct {
	WSURL      string
	SampleRate int
	ChunkSize  int
}

// LLM holds language-model service settings.
type LLM struct {
	APIURL      string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
	QuickTokens int
}

// TTS holds speech-synthesis service settings.
type TTS struct {
	APIURL       string
	BackupAPIURL string
	Voice        string
	SampleRate   int
	Format       string
}

// Telephony holds settings shared by all telephony instances.
type Telephony struct {
	AudioSampleRate   int
	ConnectAttempts   int
	ConnectDelay      time.Duration
	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration
}

// InstanceConfig describes one telephony endpoint.
type InstanceConfig struct {
	ID              string            `json:"id"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	Password        string            `json:"password"`
	ScenarioMapping map[string]string `json:"scenario_mapping"`
}

// System holds conversation-level policy settings.
type System struct {
	FailureThreshold int
	FailureWindow    time.Duration
	MaxTurnHistory   int
}

// App is the top-level application configuration.
type App struct {
	LogLevel    string
	ListenAddr  string
	ScenarioDir string
	ASR         ASR
	LLM         LLM
	TTS         TTS
	Telephony   Telephony
	System      System
	Instances   []InstanceConfig
}

// Load reads configuration from the environment, applying defaults
// for anything unset. The instance list comes from the JSON file named
// by CALLBOT_INSTANCES; without it a single local instance is assumed.
func Load() (*App, error) {
	app := &App{
		LogLevel:    getenv("CALLBOT_LOG_LEVEL", "info"),
		ListenAddr:  getenv("CALLBOT_LISTEN_ADDR", ":8080"),
		ScenarioDir: getenv("CALLBOT_SCENARIO_DIR", "scenarios"),
		ASR: ASR{
			WSURL:      getenv("ASR_WS_URL", "ws://localhost:10095"),
			SampleRate: getint("ASR_SAMPLE_RATE", 16000),
			ChunkSize:  getint("ASR_CHUNK_SIZE", 1024),
		},
		LLM: LLM{
			APIURL:      getenv("LLM_API_URL", "http://localhost:8080/v1/chat/completions"),
			Model:       getenv("LLM_MODEL", "deepseek-chat"),
			Timeout:     getdur("LLM_TIMEOUT", 10*time.Second),
			MaxTokens:   getint("LLM_MAX_TOKENS", 500),
			Temperature: getfloat("LLM_TEMPERATURE", 0.7),
			QuickTokens: getint("LLM_QUICK_TOKENS", 50),
		},
		TTS: TTS{
			APIURL:       getenv("TTS_API_URL", "http://localhost:8000/tts"),
			BackupAPIURL: os.Getenv("TTS_BACKUP_API_URL"),
			Voice:        getenv("TTS_VOICE", "default"),
			SampleRate:   getint("TTS_SAMPLE_RATE", 24000),
			Format:       getenv("TTS_FORMAT", "pcm_24000"),
		},
		Telephony: Telephony{
			AudioSampleRate:   getint("FS_AUDIO_SAMPLE_RATE", 8000),
			ConnectAttempts:   getint("FS_CONNECT_ATTEMPTS", 3),
			ConnectDelay:      getdur("FS_CONNECT_DELAY", 5*time.Second),
			ReconnectInterval: getdur("FS_RECONNECT_INTERVAL", 30*time.Second),
			HeartbeatInterval: getdur("FS_HEARTBEAT_INTERVAL", 30*time.Second),
		},
		System: System{
			FailureThreshold: getint("SYSTEM_FAILURE_THRESHOLD", 5),
			FailureWindow:    getdur("SYSTEM_FAILURE_WINDOW", time.Hour),
			MaxTurnHistory:   getint("SYSTEM_MAX_TURN_HISTORY", 10),
		},
	}

	if path := os.Getenv("CALLBOT_INSTANCES"); path != "" {
		instances, err := loadInstances(path)
		if err != nil {
			return nil, err
		}
		app.Instances = instances
	} else {
		app.Instances = []InstanceConfig{{
			ID:       "default",
			Host:     getenv("FS_HOST", "localhost"),
			Port:     getint("FS_PORT", 8021),
			Password: getenv("FS_PASSWORD", "ClueCon"),
		}}
	}

	return app, nil
}

func loadInstances(path string) ([]InstanceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read instances file: %w", err)
	}

	var instances []InstanceConfig
	if err := json.Unmarshal(data, &instances); err != nil {
		return nil, fmt.Errorf("config: parse instances file: %w", err)
	}

	seen := make(map[string]bool, len(instances))
	for _, inst := range instances {
		if inst.ID == "" {
			return nil, fmt.Errorf("config: instance missing id in %s", path)
		}
		if seen[inst.ID] {
			return nil, fmt.Errorf("config: duplicate instance id %q", inst.ID)
		}
		seen[inst.ID] = true
	}

	return instances, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getfloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getdur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
