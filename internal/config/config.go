package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// AudioConfig controls the decode half of the pipeline. The target sample
// rate must match what the speech model was trained on.
type AudioConfig struct {
	TargetSampleRate  int `yaml:"target_sample_rate"`
	MaxDurationMS     int `yaml:"max_duration_ms"`
	MaxDecodeFailures int `yaml:"max_decode_failures"`
}

// FeatureConfig fixes the log-mel front-end geometry.
type FeatureConfig struct {
	MelBins         int `yaml:"mel_bins"`
	FFTSize         int `yaml:"fft_size"`
	HopSize         int `yaml:"hop_size"`
	WindowFrames    int `yaml:"window_frames"`
	PartialWindowMS int `yaml:"partial_window_ms"`
}

type InferenceConfig struct {
	Mode       string `yaml:"mode"` // scripted, exec, whisper
	ModelPath  string `yaml:"model_path"`
	Command    string `yaml:"command"`
	Language   string `yaml:"language"`
	Threads    int    `yaml:"threads"`
	QueueDepth int    `yaml:"queue_depth"`
}

// PipelineConfig bounds the per-session stage channels.
type PipelineConfig struct {
	ChunkDepth  int `yaml:"chunk_depth"`
	PacketDepth int `yaml:"packet_depth"`
	FrameDepth  int `yaml:"frame_depth"`
	WindowDepth int `yaml:"window_depth"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	Features    FeatureConfig   `yaml:"features"`
	Inference   InferenceConfig `yaml:"inference"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 7025,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			TargetSampleRate:  16000,
			MaxDurationMS:     120000,
			MaxDecodeFailures: 5,
		},
		Features: FeatureConfig{
			MelBins:         80,
			FFTSize:         400,
			HopSize:         160,
			WindowFrames:    3000,
			PartialWindowMS: 3000,
		},
		Inference: InferenceConfig{
			Mode:       "scripted",
			Threads:    4,
			QueueDepth: 8,
		},
		Pipeline: PipelineConfig{
			ChunkDepth:  16,
			PacketDepth: 64,
			FrameDepth:  64,
			WindowDepth: 4,
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
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Audio.TargetSampleRate, "SCRIBE_AUDIO_TARGET_SAMPLE_RATE")
	overrideInt(&cfg.Audio.MaxDurationMS, "SCRIBE_AUDIO_MAX_DURATION_MS")
	overrideInt(&cfg.Audio.MaxDecodeFailures, "SCRIBE_AUDIO_MAX_DECODE_FAILURES")
	overrideInt(&cfg.Features.MelBins, "SCRIBE_FEATURES_MEL_BINS")
	overrideInt(&cfg.Features.FFTSize, "SCRIBE_FEATURES_FFT_SIZE")
	overrideInt(&cfg.Features.HopSize, "SCRIBE_FEATURES_HOP_SIZE")
	overrideInt(&cfg.Features.WindowFrames, "SCRIBE_FEATURES_WINDOW_FRAMES")
	overrideInt(&cfg.Features.PartialWindowMS, "SCRIBE_FEATURES_PARTIAL_WINDOW_MS")
	overrideString(&cfg.Inference.Mode, "SCRIBE_INFERENCE_MODE")
	overrideString(&cfg.Inference.ModelPath, "SCRIBE_INFERENCE_MODEL_PATH")
	overrideString(&cfg.Inference.Command, "SCRIBE_INFERENCE_COMMAND")
	overrideString(&cfg.Inference.Language, "SCRIBE_INFERENCE_LANGUAGE")
	overrideInt(&cfg.Inference.Threads, "SCRIBE_INFERENCE_THREADS")
	overrideInt(&cfg.Inference.QueueDepth, "SCRIBE_INFERENCE_QUEUE_DEPTH")
	overrideInt(&cfg.Pipeline.ChunkDepth, "SCRIBE_PIPELINE_CHUNK_DEPTH")
	overrideInt(&cfg.Pipeline.PacketDepth, "SCRIBE_PIPELINE_PACKET_DEPTH")
	overrideInt(&cfg.Pipeline.FrameDepth, "SCRIBE_PIPELINE_FRAME_DEPTH")
	overrideInt(&cfg.Pipeline.WindowDepth, "SCRIBE_PIPELINE_WINDOW_DEPTH")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Audio.TargetSampleRate <= 0 {
		return errors.New("audio.target_sample_rate must be positive")
	}
	if cfg.Audio.MaxDurationMS <= 0 {
		return errors.New("audio.max_duration_ms must be positive")
	}
	if cfg.Audio.MaxDecodeFailures <= 0 {
		return errors.New("audio.max_decode_failures must be >= 1")
	}
	if cfg.Features.MelBins <= 0 {
		return errors.New("features.mel_bins must be positive")
	}
	if cfg.Features.FFTSize <= 0 {
		return errors.New("features.fft_size must be positive")
	}
	if cfg.Features.HopSize <= 0 || cfg.Features.HopSize > cfg.Features.FFTSize {
		return errors.New("features.hop_size must be positive and no larger than fft_size")
	}
	if cfg.Features.WindowFrames <= 0 {
		return errors.New("features.window_frames must be positive")
	}
	if cfg.Features.PartialWindowMS <= 0 {
		return errors.New("features.partial_window_ms must be positive")
	}
	switch cfg.Inference.Mode {
	case "scripted", "exec", "whisper":
	default:
		return errors.New("inference.mode must be one of scripted|exec|whisper")
	}
	if cfg.Inference.Mode == "exec" && cfg.Inference.Command == "" {
		return errors.New("inference.command must be set when mode=exec")
	}
	if cfg.Inference.Mode == "whisper" && cfg.Inference.ModelPath == "" {
		return errors.New("inference.model_path must be set when mode=whisper")
	}
	if cfg.Inference.QueueDepth <= 0 {
		return errors.New("inference.queue_depth must be >= 1")
	}
	for _, depth := range []struct {
		name  string
		value int
	}{
		{"pipeline.chunk_depth", cfg.Pipeline.ChunkDepth},
		{"pipeline.packet_depth", cfg.Pipeline.PacketDepth},
		{"pipeline.frame_depth", cfg.Pipeline.FrameDepth},
		{"pipeline.window_depth", cfg.Pipeline.WindowDepth},
	} {
		if depth.value <= 0 {
			return fmt.Errorf("%s must be >= 1", depth.name)
		}
	}
	return nil
}
