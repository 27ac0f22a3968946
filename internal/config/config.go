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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Capture     CaptureConfig     `yaml:"capture"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Dictation   DictationConfig   `yaml:"dictation"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig selects and configures the microphone backend.
type CaptureConfig struct {
	Device          string `yaml:"device"` // exec, wav, synthetic
	Command         string `yaml:"command"`
	File            string `yaml:"file"`
	Pace            bool   `yaml:"pace"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	BitsPerSample   int    `yaml:"bits_per_sample"`
	Raw             bool   `yaml:"raw"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	Permission      string `yaml:"permission"` // granted, probe
}

// RecognitionConfig describes the streaming recognition endpoint.
type RecognitionConfig struct {
	Endpoint          string            `yaml:"endpoint"`
	APIKey            string            `yaml:"api_key"`
	AuthScheme        string            `yaml:"auth_scheme"`
	Encoding          string            `yaml:"encoding"`
	SampleRate        int               `yaml:"sample_rate"`
	Channels          int               `yaml:"channels"`
	Model             string            `yaml:"model"`
	Language          string            `yaml:"language"`
	InterimResults    bool              `yaml:"interim_results"`
	Params            map[string]string `yaml:"params"`
	SendBuffer        int               `yaml:"send_buffer"`
	KeepAliveInterval int               `yaml:"keepalive_interval_ms"`
	CloseTimeout      int               `yaml:"close_timeout_ms"`
}

type DictationConfig struct {
	Autostart    bool `yaml:"autostart"`
	StartTimeout int  `yaml:"start_timeout_ms"`
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
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-dictate.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Capture: CaptureConfig{
			Device:          "exec",
			Command:         "arecord -q -t raw -f S16_LE -r {rate} -c {channels}",
			Pace:            true,
			SampleRate:      16000,
			Channels:        1,
			BitsPerSample:   16,
			Raw:             true,
			FrameDurationMS: 100,
			Permission:      "probe",
		},
		Recognition: RecognitionConfig{
			Endpoint:          "wss://api.deepgram.com/v1/listen",
			AuthScheme:        "Token",
			Encoding:          "linear16",
			SampleRate:        16000,
			Channels:          1,
			InterimResults:    true,
			SendBuffer:        64,
			KeepAliveInterval: 5000,
			CloseTimeout:      3000,
		},
		Dictation: DictationConfig{
			Autostart:    false,
			StartTimeout: 0,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.Command, "LOQA_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.File, "LOQA_CAPTURE_FILE")
	overrideBool(&cfg.Capture.Pace, "LOQA_CAPTURE_PACE")
	overrideInt(&cfg.Capture.FrameDurationMS, "LOQA_CAPTURE_FRAME_DURATION_MS")
	overrideString(&cfg.Capture.Permission, "LOQA_CAPTURE_PERMISSION")
	overrideString(&cfg.Recognition.Endpoint, "LOQA_RECOGNITION_ENDPOINT")
	if cfg.Recognition.APIKey == "" {
		overrideString(&cfg.Recognition.APIKey, "DEEPGRAM_API_KEY")
	}
	overrideString(&cfg.Recognition.APIKey, "LOQA_RECOGNITION_API_KEY")
	overrideString(&cfg.Recognition.AuthScheme, "LOQA_RECOGNITION_AUTH_SCHEME")
	overrideString(&cfg.Recognition.Model, "LOQA_RECOGNITION_MODEL")
	overrideString(&cfg.Recognition.Language, "LOQA_RECOGNITION_LANGUAGE")
	overrideBool(&cfg.Recognition.InterimResults, "LOQA_RECOGNITION_INTERIM_RESULTS")
	overrideInt(&cfg.Recognition.SendBuffer, "LOQA_RECOGNITION_SEND_BUFFER")
	overrideInt(&cfg.Recognition.KeepAliveInterval, "LOQA_RECOGNITION_KEEPALIVE_INTERVAL_MS")
	overrideInt(&cfg.Recognition.CloseTimeout, "LOQA_RECOGNITION_CLOSE_TIMEOUT_MS")
	overrideBool(&cfg.Dictation.Autostart, "LOQA_DICTATION_AUTOSTART")
	overrideInt(&cfg.Dictation.StartTimeout, "LOQA_DICTATION_START_TIMEOUT_MS")
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
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if err := validateCapture(cfg.Capture); err != nil {
		return err
	}
	if err := validateRecognition(cfg.Recognition); err != nil {
		return err
	}
	if cfg.Capture.SampleRate != cfg.Recognition.SampleRate || cfg.Capture.Channels != cfg.Recognition.Channels {
		return errors.New("capture and recognition audio formats must match")
	}
	if cfg.Dictation.StartTimeout < 0 {
		return errors.New("dictation.start_timeout_ms must be >= 0")
	}
	return nil
}

func validateCapture(c CaptureConfig) error {
	switch c.Device {
	case "exec":
		if strings.TrimSpace(c.Command) == "" {
			return errors.New("capture.command must be set when device=exec")
		}
	case "wav":
		if c.File == "" {
			return errors.New("capture.file must be set when device=wav")
		}
	case "synthetic":
	default:
		return errors.New("capture.device must be one of exec|wav|synthetic")
	}
	if c.SampleRate != 16000 {
		return errors.New("capture.sample_rate must be 16000")
	}
	if c.Channels != 1 {
		return errors.New("capture.channels must be 1")
	}
	if c.BitsPerSample != 16 {
		return errors.New("capture.bits_per_sample must be 16")
	}
	if !c.Raw {
		return errors.New("capture.raw must be true")
	}
	if c.FrameDurationMS <= 0 {
		return errors.New("capture.frame_duration_ms must be positive")
	}
	switch c.Permission {
	case "granted", "probe":
	default:
		return errors.New("capture.permission must be one of granted|probe")
	}
	return nil
}

func validateRecognition(r RecognitionConfig) error {
	if r.Endpoint == "" {
		return errors.New("recognition.endpoint must not be empty")
	}
	if !strings.HasPrefix(r.Endpoint, "ws://") && !strings.HasPrefix(r.Endpoint, "wss://") {
		return errors.New("recognition.endpoint must be a ws:// or wss:// URL")
	}
	if r.Encoding != "linear16" {
		return errors.New("recognition.encoding must be linear16")
	}
	if r.SendBuffer <= 0 {
		return errors.New("recognition.send_buffer must be >= 1")
	}
	if r.KeepAliveInterval < 0 {
		return errors.New("recognition.keepalive_interval_ms must be >= 0")
	}
	if r.CloseTimeout < 0 {
		return errors.New("recognition.close_timeout_ms must be >= 0")
	}
	return nil
}
