package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"localmodeld/pkg/types"
)

// Duration is a time.Duration written as "30s" in every config format.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// WorkerConfig controls the inference worker process.
type WorkerConfig struct {
	// Bin defaults to the running executable; Args default to ["worker"].
	Bin          string   `json:"bin" yaml:"bin" toml:"bin"`
	Args         []string `json:"args" yaml:"args" toml:"args"`
	StartTimeout Duration `json:"start_timeout" yaml:"start_timeout" toml:"start_timeout"`
	Threads      int      `json:"threads" yaml:"threads" toml:"threads"`
}

// DownloadConfig controls model downloads.
type DownloadConfig struct {
	UserAgent        string   `json:"user_agent" yaml:"user_agent" toml:"user_agent"`
	MaxBytesPerSec   int64    `json:"max_bytes_per_sec" yaml:"max_bytes_per_sec" toml:"max_bytes_per_sec"`
	ProgressInterval Duration `json:"progress_interval" yaml:"progress_interval" toml:"progress_interval"`
}

// EstimateConfig controls remote VRAM estimation.
type EstimateConfig struct {
	Timeout     Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	Retries     int      `json:"retries" yaml:"retries" toml:"retries"`
	MaxInFlight int      `json:"max_in_flight" yaml:"max_in_flight" toml:"max_in_flight"`
	CacheTTL    Duration `json:"cache_ttl" yaml:"cache_ttl" toml:"cache_ttl"`
}

// HTTPConfig controls the admin HTTP surface.
type HTTPConfig struct {
	// LoadTimeout bounds a single load request; 0 waits as long as the client does.
	LoadTimeout  Duration `json:"load_timeout" yaml:"load_timeout" toml:"load_timeout"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	// RequestLogLevel is off|error|info|debug.
	RequestLogLevel string `json:"request_log_level" yaml:"request_log_level" toml:"request_log_level"`
}

// Config holds runtime parameters for the service.
// Zero values mean "unspecified"; ApplyDefaults fills them.
type Config struct {
	AdminAddr      string   `json:"admin_addr" yaml:"admin_addr" toml:"admin_addr"`
	ModelsDir      string   `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	HFToken        string   `json:"hf_token" yaml:"hf_token" toml:"hf_token"`
	VRAMBudgetMB   int      `json:"vram_budget_mb" yaml:"vram_budget_mb" toml:"vram_budget_mb"`
	VRAMMarginMB   int      `json:"vram_margin_mb" yaml:"vram_margin_mb" toml:"vram_margin_mb"`
	EvictionPolicy string   `json:"eviction_policy" yaml:"eviction_policy" toml:"eviction_policy"`
	MaxResident    int      `json:"max_resident" yaml:"max_resident" toml:"max_resident"`
	LogLevel       string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat      string   `json:"log_format" yaml:"log_format" toml:"log_format"`
	CORSOrigins    []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	// Watch rescans the models directory on file changes.
	Watch bool `json:"watch" yaml:"watch" toml:"watch"`

	HTTP     HTTPConfig     `json:"http" yaml:"http" toml:"http"`
	Worker   WorkerConfig   `json:"worker" yaml:"worker" toml:"worker"`
	Download DownloadConfig `json:"download" yaml:"download" toml:"download"`
	Estimate EstimateConfig `json:"estimate" yaml:"estimate" toml:"estimate"`
	// Models holds explicit run settings keyed by model id or name.
	Models map[string]types.RunSettings `json:"models" yaml:"models" toml:"models"`
}

// Defaults.
const (
	DefaultAdminAddr    = "127.0.0.1:8089"
	DefaultModelsDir    = "~/models/llm"
	DefaultVRAMMarginMB = 512
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "console"
	DefaultStartTimeout = 30 * time.Second
	DefaultEstimateTO   = 15 * time.Second
	DefaultEstimateTry  = 2
	DefaultInFlight     = 2
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Resolve loads path (if not empty), applies MODELD_* environment overrides
// and fills defaults.
func Resolve(path string) (Config, error) {
	var cfg Config
	if path != "" {
		c, err := Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = c
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.AdminAddr == "" {
		c.AdminAddr = DefaultAdminAddr
	}
	if c.ModelsDir == "" {
		c.ModelsDir = DefaultModelsDir
	}
	if c.VRAMMarginMB <= 0 {
		c.VRAMMarginMB = DefaultVRAMMarginMB
	}
	if c.EvictionPolicy == "" {
		c.EvictionPolicy = "all"
	}
	if c.MaxResident <= 0 {
		c.MaxResident = 1
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if len(c.Worker.Args) == 0 {
		c.Worker.Args = []string{"worker"}
	}
	if c.Worker.StartTimeout.Duration <= 0 {
		c.Worker.StartTimeout.Duration = DefaultStartTimeout
	}
	if c.Estimate.Timeout.Duration <= 0 {
		c.Estimate.Timeout.Duration = DefaultEstimateTO
	}
	if c.Estimate.Retries == 0 {
		c.Estimate.Retries = DefaultEstimateTry
	}
	if c.Estimate.MaxInFlight <= 0 {
		c.Estimate.MaxInFlight = DefaultInFlight
	}
}

// ApplyEnv overrides fields from MODELD_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"MODELD_ADMIN_ADDR":      &c.AdminAddr,
		"MODELD_MODELS_DIR":      &c.ModelsDir,
		"MODELD_HF_TOKEN":        &c.HFToken,
		"MODELD_EVICTION_POLICY": &c.EvictionPolicy,
		"MODELD_LOG_LEVEL":       &c.LogLevel,
		"MODELD_LOG_FORMAT":      &c.LogFormat,
		"MODELD_WORKER_BIN":      &c.Worker.Bin,
		"MODELD_HTTP_LOG_LEVEL":  &c.HTTP.RequestLogLevel,
	}
	for k, p := range str {
		if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
			*p = strings.TrimSpace(v)
		}
	}
	ints := map[string]*int{
		"MODELD_VRAM_BUDGET_MB": &c.VRAMBudgetMB,
		"MODELD_VRAM_MARGIN_MB": &c.VRAMMarginMB,
		"MODELD_MAX_RESIDENT":   &c.MaxResident,
	}
	for k, p := range ints {
		v, ok := lookup(k)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		*p = n
	}
	if v, ok := lookup("MODELD_HTTP_LOAD_TIMEOUT"); ok && strings.TrimSpace(v) != "" {
		if err := c.HTTP.LoadTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("MODELD_HTTP_LOAD_TIMEOUT: %w", err)
		}
	}
	if v, ok := lookup("MODELD_CORS_ORIGINS"); ok {
		c.CORSOrigins = SplitCSV(v)
	}
	return nil
}

// SplitCSV splits a comma-separated list, dropping empty items.
func SplitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
