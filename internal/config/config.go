package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type AudioConfig struct {
	Device          string `yaml:"device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	RingFrames      int    `yaml:"ring_frames"`
}

type VADConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Engine      string  `yaml:"engine"` // webrtc, energy
	Sensitivity int     `yaml:"sensitivity"`
	Threshold   float64 `yaml:"threshold"`
	HangoverMS  int     `yaml:"hangover_ms"`
}

type SegmenterConfig struct {
	ContextMS        int     `yaml:"context_ms"`
	MaxDurationS     float64 `yaml:"chunk_max_duration_s"`
	WindowDurationS  float64 `yaml:"window_duration_s"`
	WindowOverlapS   float64 `yaml:"window_overlap_s"`
	MinSpeechFrames  int     `yaml:"min_speech_frames"`
}

type ModelConfig struct {
	Variant        string `yaml:"variant"` // tiny, base, small, medium, large, large-v2, large-v3
	Device         string `yaml:"device"`  // auto, cuda, cpu
	Precision      string `yaml:"precision"`
	Engine         string `yaml:"engine"` // whispercpp, mock
	Path           string `yaml:"path"`
	Language       string `yaml:"language"`
	UnloadTimeoutS int    `yaml:"unload_timeout_s"`
	LoadTimeoutS   int    `yaml:"load_timeout_s"`
}

type OutputConfig struct {
	Mode       string `yaml:"mode"` // clipboard, active_window, file
	FilePath   string `yaml:"file_path"`
	PublishBus bool   `yaml:"publish_bus"`
}

type HistoryConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	VAD         VADConfig       `yaml:"vad"`
	Segmenter   SegmenterConfig `yaml:"segmenter"`
	Model       ModelConfig     `yaml:"model"`
	Output      OutputConfig    `yaml:"output"`
	History     HistoryConfig   `yaml:"history"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			Device:          "default",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			RingFrames:      512,
		},
		VAD: VADConfig{
			Enabled:     true,
			Engine:      "webrtc",
			Sensitivity: 2,
			Threshold:   0.01,
			HangoverMS:  400,
		},
		Segmenter: SegmenterConfig{
			ContextMS:       200,
			MaxDurationS:    30,
			WindowDurationS: 5,
			WindowOverlapS:  1,
			MinSpeechFrames: 3,
		},
		Model: ModelConfig{
			Variant:        "small",
			Device:         "auto",
			Precision:      "float16",
			Engine:         "whispercpp",
			Path:           "./models/ggml-small.bin",
			Language:       "auto",
			UnloadTimeoutS: 300,
			LoadTimeoutS:   30,
		},
		Output: OutputConfig{
			Mode:       "clipboard",
			FilePath:   "./data/transcript.txt",
			PublishBus: true,
		},
		History: HistoryConfig{
			Path:          "./data/dictate-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "DICTATE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "DICTATE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "DICTATE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "DICTATE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "DICTATE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "DICTATE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "DICTATE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "DICTATE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "DICTATE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "DICTATE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "DICTATE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "DICTATE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "DICTATE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "DICTATE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "DICTATE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Audio.Device, "DICTATE_AUDIO_DEVICE")
	overrideInt(&cfg.Audio.SampleRate, "DICTATE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "DICTATE_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "DICTATE_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.Audio.RingFrames, "DICTATE_AUDIO_RING_FRAMES")
	overrideBool(&cfg.VAD.Enabled, "DICTATE_VAD_ENABLED")
	overrideString(&cfg.VAD.Engine, "DICTATE_VAD_ENGINE")
	overrideInt(&cfg.VAD.Sensitivity, "DICTATE_VAD_SENSITIVITY")
	overrideFloat(&cfg.VAD.Threshold, "DICTATE_VAD_THRESHOLD")
	overrideInt(&cfg.VAD.HangoverMS, "DICTATE_VAD_HANGOVER_MS")
	overrideInt(&cfg.Segmenter.ContextMS, "DICTATE_SEGMENTER_CONTEXT_MS")
	overrideFloat(&cfg.Segmenter.MaxDurationS, "DICTATE_SEGMENTER_CHUNK_MAX_DURATION_S")
	overrideFloat(&cfg.Segmenter.WindowDurationS, "DICTATE_SEGMENTER_WINDOW_DURATION_S")
	overrideFloat(&cfg.Segmenter.WindowOverlapS, "DICTATE_SEGMENTER_WINDOW_OVERLAP_S")
	overrideInt(&cfg.Segmenter.MinSpeechFrames, "DICTATE_SEGMENTER_MIN_SPEECH_FRAMES")
	overrideString(&cfg.Model.Variant, "DICTATE_MODEL_VARIANT")
	overrideString(&cfg.Model.Device, "DICTATE_MODEL_DEVICE")
	overrideString(&cfg.Model.Precision, "DICTATE_MODEL_PRECISION")
	overrideString(&cfg.Model.Engine, "DICTATE_MODEL_ENGINE")
	overrideString(&cfg.Model.Path, "DICTATE_MODEL_PATH")
	overrideString(&cfg.Model.Language, "DICTATE_MODEL_LANGUAGE")
	overrideInt(&cfg.Model.UnloadTimeoutS, "DICTATE_MODEL_UNLOAD_TIMEOUT_S")
	overrideInt(&cfg.Model.LoadTimeoutS, "DICTATE_MODEL_LOAD_TIMEOUT_S")
	overrideString(&cfg.Output.Mode, "DICTATE_OUTPUT_MODE")
	overrideString(&cfg.Output.FilePath, "DICTATE_OUTPUT_FILE_PATH")
	overrideBool(&cfg.Output.PublishBus, "DICTATE_OUTPUT_PUBLISH_BUS")
	overrideString(&cfg.History.Path, "DICTATE_HISTORY_PATH")
	overrideString(&cfg.History.RetentionMode, "DICTATE_HISTORY_RETENTION_MODE")
	overrideInt(&cfg.History.RetentionDays, "DICTATE_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxSessions, "DICTATE_HISTORY_MAX_SESSIONS")
	overrideBool(&cfg.History.VacuumOnStart, "DICTATE_HISTORY_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

var validVariants = map[string]bool{
	"tiny": true, "base": true, "small": true, "medium": true,
	"large": true, "large-v2": true, "large-v3": true,
}

var validPrecisions = map[string]bool{
	"float16": true, "float32": true, "int8": true, "int8_float16": true,
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.Audio.SampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return errors.New("audio.sample_rate must be one of 8000|16000|32000|48000")
	}
	if cfg.Audio.Channels != 1 {
		return errors.New("audio.channels must be 1 (mono capture)")
	}
	switch cfg.Audio.FrameDurationMS {
	case 10, 20, 30:
	default:
		return errors.New("audio.frame_duration_ms must be one of 10|20|30")
	}
	if cfg.Audio.RingFrames <= 0 {
		return errors.New("audio.ring_frames must be positive")
	}
	switch cfg.VAD.Engine {
	case "webrtc", "energy":
	default:
		return errors.New("vad.engine must be one of webrtc|energy")
	}
	if cfg.VAD.Sensitivity < 0 || cfg.VAD.Sensitivity > 3 {
		return errors.New("vad.sensitivity must be between 0 and 3")
	}
	if cfg.VAD.HangoverMS < 0 {
		return errors.New("vad.hangover_ms must be >= 0")
	}
	if cfg.Segmenter.ContextMS < 0 {
		return errors.New("segmenter.context_ms must be >= 0")
	}
	if cfg.Segmenter.MaxDurationS <= 0 {
		return errors.New("segmenter.chunk_max_duration_s must be positive")
	}
	if cfg.Segmenter.WindowDurationS <= 0 {
		return errors.New("segmenter.window_duration_s must be positive")
	}
	if cfg.Segmenter.WindowOverlapS < 0 || cfg.Segmenter.WindowOverlapS >= cfg.Segmenter.WindowDurationS {
		return errors.New("segmenter.window_overlap_s must be >= 0 and smaller than window_duration_s")
	}
	if !validVariants[cfg.Model.Variant] {
		return errors.New("model.variant must be one of tiny|base|small|medium|large|large-v2|large-v3")
	}
	switch cfg.Model.Device {
	case "auto", "cuda", "cpu":
	default:
		return errors.New("model.device must be one of auto|cuda|cpu")
	}
	if !validPrecisions[cfg.Model.Precision] {
		return errors.New("model.precision must be one of float16|float32|int8|int8_float16")
	}
	switch cfg.Model.Engine {
	case "whispercpp", "mock":
	default:
		return errors.New("model.engine must be one of whispercpp|mock")
	}
	if cfg.Model.Engine == "whispercpp" && cfg.Model.Path == "" {
		return errors.New("model.path must be set when engine=whispercpp")
	}
	if cfg.Model.UnloadTimeoutS < 0 {
		return errors.New("model.unload_timeout_s must be >= 0 (0 = never unload)")
	}
	if cfg.Model.LoadTimeoutS <= 0 {
		return errors.New("model.load_timeout_s must be positive")
	}
	switch cfg.Output.Mode {
	case "clipboard", "active_window", "file":
	default:
		return errors.New("output.mode must be one of clipboard|active_window|file")
	}
	if cfg.Output.Mode == "file" && cfg.Output.FilePath == "" {
		return errors.New("output.file_path must be set when mode=file")
	}
	if cfg.History.Path == "" {
		return errors.New("history.path must not be empty")
	}
	switch cfg.History.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("history.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	return nil
}
