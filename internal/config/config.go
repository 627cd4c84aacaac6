package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for gewebridge.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Gewe     GeweConfig     `json:"gewe"`
	Webhook  WebhookConfig  `json:"webhook"`
	Media    MediaConfig    `json:"media"`
	Policy   PolicyConfig   `json:"policy"`
	Commands CommandsConfig `json:"commands"`
	Download DownloadConfig `json:"download"`
	Voice    VoiceConfig    `json:"voice"`
	Video    VideoConfig    `json:"video"`
	Codec    CodecConfig    `json:"codec"`
	Agent    AgentConfig    `json:"agent"`
	Store    StoreConfig    `json:"store"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	DataDir   string `json:"dataDir"`
	LogLevel  string `json:"logLevel"`  // debug | info | warn | error
	LogFormat string `json:"logFormat"` // text | json
}

// GeweConfig holds the provider account credentials and REST endpoints.
type GeweConfig struct {
	AccountID          string `json:"accountId"`
	AppID              string `json:"appId"`
	Token              string `json:"token"`
	APIBaseURL         string `json:"apiBaseUrl"`
	DownloadBaseURL    string `json:"downloadBaseUrl,omitempty"` // prefix for relative fileUrl values
	TimeoutSeconds     int    `json:"timeoutSeconds"`
	SendsPerMinute     int    `json:"sendsPerMinute"` // account-wide outbound throttle; 0 disables all throttling
	SendBurst          int    `json:"sendBurst"`
	ChatSendsPerMinute int    `json:"chatSendsPerMinute"` // per-conversation throttle; 0 disables
	ChatSendBurst      int    `json:"chatSendBurst"`
}

type WebhookConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Path       string `json:"path"`
	HealthPath string `json:"healthPath"`
	Secret     string `json:"secret,omitempty"` // optional shared token
}

// MediaConfig configures the staged media server used for outbound files.
type MediaConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Path           string `json:"path"`
	PublicBaseURL  string `json:"publicBaseUrl"`
	StageDir       string `json:"stageDir"`
	RetentionHours int    `json:"retentionHours"`
	MaxBytes       int64  `json:"maxBytes"`
}

// PolicyConfig drives the DM and group gates.
type PolicyConfig struct {
	DMPolicy        string                 `json:"dmPolicy"`    // open | pairing | allowlist | disabled
	GroupPolicy     string                 `json:"groupPolicy"` // open | allowlist | disabled
	AllowFrom       FlexStringList         `json:"allowFrom,omitempty"`
	GroupAllowFrom  FlexStringList         `json:"groupAllowFrom,omitempty"`
	Groups          map[string]GroupConfig `json:"groups,omitempty"` // keyed by room id, room name or "*"
	MentionPatterns []string               `json:"mentionPatterns,omitempty"`
}

type GroupConfig struct {
	Enabled        *bool          `json:"enabled,omitempty"`
	RequireMention *bool          `json:"requireMention,omitempty"`
	AllowFrom      FlexStringList `json:"allowFrom,omitempty"`
	Name           string         `json:"name,omitempty"`
}

type CommandsConfig struct {
	TrustAll bool     `json:"trustAll"`
	Text     bool     `json:"text"` // authorized text commands bypass the mention gate
	Prefixes []string `json:"prefixes,omitempty"`
}

type DownloadConfig struct {
	MinDelayMs     int `json:"minDelayMs"`
	MaxDelayMs     int `json:"maxDelayMs"`
	TimeoutSeconds int `json:"timeoutSeconds"`
}

// CommandTemplate is an external codec invocation. Args may use {input},
// {output} and {sampleRate}.
type CommandTemplate struct {
	Bin  string   `json:"bin"`
	Args []string `json:"args,omitempty"`
}

type VoiceConfig struct {
	SampleRate     int               `json:"sampleRate"`
	TimeoutSeconds int               `json:"timeoutSeconds"`
	Decoders       []CommandTemplate `json:"decoders,omitempty"`
	Encoders       []CommandTemplate `json:"encoders,omitempty"`
}

type VideoConfig struct {
	TimeoutSeconds int    `json:"timeoutSeconds"`
	FFmpegPath     string `json:"ffmpegPath"`
	FFprobePath    string `json:"ffprobePath"`
}

// CodecConfig configures the rust-silk installer.
type CodecConfig struct {
	AutoInstall    bool   `json:"autoInstall"`
	BinaryPath     string `json:"binaryPath,omitempty"` // skip installation and use this binary
	Version        string `json:"version"`
	BaseURL        string `json:"baseUrl"`
	InstallDir     string `json:"installDir"`
	SHA256         string `json:"sha256,omitempty"`
	SkipVerify     bool   `json:"skipVerify,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// AgentConfig points at the external agent pipeline.
type AgentConfig struct {
	URL            string `json:"url,omitempty"`
	Token          string `json:"token,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["wxid_a", 123] become "wxid_a", "123").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// envOverrides lets deployments inject secrets without touching the file.
type envOverrides struct {
	Token         string `env:"GEWE_TOKEN"`
	AppID         string `env:"GEWE_APP_ID"`
	APIBaseURL    string `env:"GEWE_API_BASE_URL"`
	WebhookSecret string `env:"GEWE_WEBHOOK_SECRET"`
	AgentURL      string `env:"GEWE_AGENT_URL"`
	AgentToken    string `env:"GEWE_AGENT_TOKEN"`
	LogLevel      string `env:"GEWE_LOG_LEVEL"`
}

// DefaultConfigDir returns the default config directory (~/.gewebridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gewebridge"
	}
	return filepath.Join(home, ".gewebridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML config file, expands ${VAR} references, applies
// GEWE_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.Media.StageDir = ExpandPath(cfg.Media.StageDir)
	cfg.Codec.InstallDir = ExpandPath(cfg.Codec.InstallDir)
	cfg.Codec.BinaryPath = ExpandPath(cfg.Codec.BinaryPath)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON funnels YAML through the JSON decoder so both formats share the
// json tags and FlexStringList handling.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return json.Marshal(doc)
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return err
	}
	setIf := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setIf(&cfg.Gewe.Token, o.Token)
	setIf(&cfg.Gewe.AppID, o.AppID)
	setIf(&cfg.Gewe.APIBaseURL, o.APIBaseURL)
	setIf(&cfg.Webhook.Secret, o.WebhookSecret)
	setIf(&cfg.Agent.URL, o.AgentURL)
	setIf(&cfg.Agent.Token, o.AgentToken)
	setIf(&cfg.General.LogLevel, o.LogLevel)
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes the config as JSON, or YAML when the path ends in .yaml/.yml.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o600)
}

var validSampleRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 32000: true, 44100: true, 48000: true}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Gewe.TimeoutSeconds < 1 {
		errs = append(errs, "gewe.timeoutSeconds must be >= 1")
	}
	if cfg.Gewe.SendsPerMinute < 0 || cfg.Gewe.SendBurst < 0 {
		errs = append(errs, "gewe.sendsPerMinute and gewe.sendBurst must be >= 0")
	}
	if cfg.Gewe.ChatSendsPerMinute < 0 || cfg.Gewe.ChatSendBurst < 0 {
		errs = append(errs, "gewe.chatSendsPerMinute and gewe.chatSendBurst must be >= 0")
	}
	if cfg.Webhook.Port < 0 || cfg.Webhook.Port > 65535 {
		errs = append(errs, "webhook.port must be between 0 and 65535")
	}
	if cfg.Media.Port < 0 || cfg.Media.Port > 65535 {
		errs = append(errs, "media.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Webhook.Path, "/") {
		errs = append(errs, "webhook.path must start with /")
	}
	if !strings.HasPrefix(cfg.Webhook.HealthPath, "/") {
		errs = append(errs, "webhook.healthPath must start with /")
	}
	if !strings.HasPrefix(cfg.Media.Path, "/") {
		errs = append(errs, "media.path must start with /")
	}

	switch cfg.Policy.DMPolicy {
	case "open", "pairing", "allowlist", "disabled":
	default:
		errs = append(errs, "policy.dmPolicy must be one of: open, pairing, allowlist, disabled")
	}
	switch cfg.Policy.GroupPolicy {
	case "open", "allowlist", "disabled":
	default:
		errs = append(errs, "policy.groupPolicy must be one of: open, allowlist, disabled")
	}
	for _, p := range cfg.Policy.MentionPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Sprintf("policy.mentionPatterns: invalid pattern %q: %v", p, err))
		}
	}

	if cfg.Download.MinDelayMs < 0 || cfg.Download.MaxDelayMs < 0 {
		errs = append(errs, "download delays must be >= 0")
	}
	if cfg.Download.TimeoutSeconds < 1 {
		errs = append(errs, "download.timeoutSeconds must be >= 1")
	}
	if !validSampleRates[cfg.Voice.SampleRate] {
		errs = append(errs, fmt.Sprintf("voice.sampleRate %d is not supported", cfg.Voice.SampleRate))
	}
	if cfg.Voice.TimeoutSeconds < 1 || cfg.Video.TimeoutSeconds < 1 {
		errs = append(errs, "voice/video timeoutSeconds must be >= 1")
	}
	for i, t := range append(append([]CommandTemplate{}, cfg.Voice.Decoders...), cfg.Voice.Encoders...) {
		if strings.TrimSpace(t.Bin) == "" {
			errs = append(errs, fmt.Sprintf("voice codec template %d: bin is required", i))
		}
	}

	if cfg.Codec.AutoInstall && cfg.Codec.BaseURL == "" {
		errs = append(errs, "codec.baseUrl is required when autoInstall is enabled")
	}
	if cfg.Codec.TimeoutSeconds < 1 {
		errs = append(errs, "codec.timeoutSeconds must be >= 1")
	}
	if cfg.Agent.TimeoutSeconds < 1 {
		errs = append(errs, "agent.timeoutSeconds must be >= 1")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
