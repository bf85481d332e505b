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
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind                string `yaml:"bind"`
	Port                int    `yaml:"port"`
	MaxUploadBytes      int64  `yaml:"max_upload_bytes"`
	ReadHeaderTimeoutMS int    `yaml:"read_header_timeout_ms"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Engine      EngineConfig    `yaml:"engine"`
	STT         STTConfig       `yaml:"stt"`
	Bus         BusConfig       `yaml:"bus"`
	Corrector   CorrectorConfig `yaml:"corrector"`
}

// EngineConfig selects and tunes the inference backend.
type EngineConfig struct {
	Mode             string   `yaml:"mode"` // mock, exec
	Command          string   `yaml:"command"`
	Model            string   `yaml:"model"`
	Accelerator      string   `yaml:"accelerator"`
	ReducedPrecision bool     `yaml:"reduced_precision"`
	Submodules       []string `yaml:"submodules"`

	// Mock backend knobs, used for local development and tests.
	MockAvailable     bool   `yaml:"mock_available"`
	MockBuilt         bool   `yaml:"mock_built"`
	MockSmokeFail     bool   `yaml:"mock_smoke_fail"`
	MockFailSubmodule string `yaml:"mock_fail_submodule"`
}

type STTConfig struct {
	Language             string `yaml:"language"`
	HonorRequestLanguage bool   `yaml:"honor_request_language"`
	DefaultModelAlias    string `yaml:"default_model_alias"`
	TempDir              string `yaml:"temp_dir"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	NodeID         string   `yaml:"node_id"`
}

type CorrectorConfig struct {
	Endpoint  string `yaml:"endpoint"`
	TimeoutMS int    `yaml:"timeout_ms"`
	ModelDE   string `yaml:"model_de"`
	ModelEN   string `yaml:"model_en"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-stt",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:                "0.0.0.0",
			Port:                8000,
			MaxUploadBytes:      100 << 20,
			ReadHeaderTimeoutMS: 5000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Engine: EngineConfig{
			Mode:             "mock",
			Model:            "turbo",
			Accelerator:      "mps",
			ReducedPrecision: true,
			Submodules:       []string{"encoder", "decoder"},
		},
		STT: STTConfig{
			Language:          "de",
			DefaultModelAlias: "whisper-1",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			NodeID:         "loqa-stt-1",
		},
		Corrector: CorrectorConfig{
			Endpoint:  "http://localhost:11434",
			TimeoutMS: 300000,
			ModelDE:   "mistral",
			ModelEN:   "llama2:13b",
		},
	}
}

// Load reads the service config and validates every section.
func Load(path string) (Config, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadCorrector reads the same sources as Load but validates only the
// corrector section, so tools that never start the service are not blocked
// by engine, http or bus settings.
func LoadCorrector(path string) (CorrectorConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg.Corrector, err
	}
	if err := validateCorrector(cfg.Corrector); err != nil {
		return cfg.Corrector, err
	}
	return cfg.Corrector, nil
}

func read(path string) (Config, error) {
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
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxUploadBytes, "LOQA_HTTP_MAX_UPLOAD_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Engine.Mode, "LOQA_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Model, "LOQA_ENGINE_MODEL")
	overrideString(&cfg.Engine.Accelerator, "LOQA_ENGINE_ACCELERATOR")
	overrideBool(&cfg.Engine.ReducedPrecision, "LOQA_ENGINE_REDUCED_PRECISION")
	overrideStringSlice(&cfg.Engine.Submodules, "LOQA_ENGINE_SUBMODULES")
	overrideBool(&cfg.Engine.MockAvailable, "LOQA_ENGINE_MOCK_AVAILABLE")
	overrideBool(&cfg.Engine.MockBuilt, "LOQA_ENGINE_MOCK_BUILT")
	overrideBool(&cfg.Engine.MockSmokeFail, "LOQA_ENGINE_MOCK_SMOKE_FAIL")
	overrideString(&cfg.Engine.MockFailSubmodule, "LOQA_ENGINE_MOCK_FAIL_SUBMODULE")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideBool(&cfg.STT.HonorRequestLanguage, "LOQA_STT_HONOR_REQUEST_LANGUAGE")
	overrideString(&cfg.STT.DefaultModelAlias, "LOQA_STT_DEFAULT_MODEL_ALIAS")
	overrideString(&cfg.STT.TempDir, "LOQA_STT_TEMP_DIR")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.NodeID, "LOQA_BUS_NODE_ID")
	overrideString(&cfg.Corrector.Endpoint, "LOQA_CORRECTOR_ENDPOINT")
	overrideInt(&cfg.Corrector.TimeoutMS, "LOQA_CORRECTOR_TIMEOUT_MS")
	overrideString(&cfg.Corrector.ModelDE, "LOQA_CORRECTOR_MODEL_DE")
	overrideString(&cfg.Corrector.ModelEN, "LOQA_CORRECTOR_MODEL_EN")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.HTTP.MaxUploadBytes <= 0 {
		return errors.New("http.max_upload_bytes must be positive")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("telemetry.log_level must be one of debug|info|warn|error, got %q", cfg.Telemetry.LogLevel)
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.Model == "" {
		return errors.New("engine.model must not be empty")
	}
	if cfg.Engine.Accelerator == "" || cfg.Engine.Accelerator == "cpu" {
		return errors.New("engine.accelerator must name a non-cpu device")
	}
	if len(cfg.Engine.Submodules) == 0 {
		return errors.New("engine.submodules must not be empty")
	}
	if cfg.STT.Language == "" {
		return errors.New("stt.language must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.NodeID == "" {
			return errors.New("bus.node_id must not be empty")
		}
	}
	return validateCorrector(cfg.Corrector)
}

func validateCorrector(c CorrectorConfig) error {
	if c.Endpoint == "" {
		return errors.New("corrector.endpoint must not be empty")
	}
	if c.TimeoutMS <= 0 {
		return errors.New("corrector.timeout_ms must be positive")
	}
	return nil
}
