package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidDMPolicy(t *testing.T) {
	cfg := Defaults()
	cfg.Policy.DMPolicy = "sometimes"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown dmPolicy")
	}
}

func TestValidate_ValidPolicies(t *testing.T) {
	for _, policy := range []string{"open", "pairing", "allowlist", "disabled"} {
		cfg := Defaults()
		cfg.Policy.DMPolicy = policy
		if err := Validate(cfg); err != nil {
			t.Fatalf("dmPolicy %q should be valid: %v", policy, err)
		}
	}
	for _, policy := range []string{"open", "allowlist", "disabled"} {
		cfg := Defaults()
		cfg.Policy.GroupPolicy = policy
		if err := Validate(cfg); err != nil {
			t.Fatalf("groupPolicy %q should be valid: %v", policy, err)
		}
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Webhook.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg = Defaults()
	cfg.Media.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_SendThrottle(t *testing.T) {
	cfg := Defaults()
	cfg.Gewe.SendsPerMinute = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative sendsPerMinute")
	}
	cfg.Gewe.SendsPerMinute = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("zero disables the throttle: %v", err)
	}
	cfg.Gewe.ChatSendBurst = -2
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative chatSendBurst")
	}
}

func TestValidate_BadMentionPattern(t *testing.T) {
	cfg := Defaults()
	cfg.Policy.MentionPatterns = []string{"(unclosed"}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
	if !strings.Contains(err.Error(), "mentionPatterns") {
		t.Fatalf("error should name the field: %v", err)
	}
}

func TestValidate_SampleRate(t *testing.T) {
	cfg := Defaults()
	cfg.Voice.SampleRate = 22050
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unsupported sample rate")
	}
	cfg.Voice.SampleRate = 16000
	if err := Validate(cfg); err != nil {
		t.Fatalf("16000 should be valid: %v", err)
	}
}

func TestValidate_CodecTemplateNeedsBin(t *testing.T) {
	cfg := Defaults()
	cfg.Voice.Decoders = []CommandTemplate{{Args: []string{"{input}", "{output}"}}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for template without bin")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Gewe.AppID = "wx_app_1"
	original.Policy.AllowFrom = FlexStringList{"wxid_owner"}

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Gewe.AppID != "wx_app_1" {
		t.Fatalf("expected 'wx_app_1', got %q", loaded.Gewe.AppID)
	}
	if len(loaded.Policy.AllowFrom) != 1 || loaded.Policy.AllowFrom[0] != "wxid_owner" {
		t.Fatalf("allowFrom not preserved: %v", loaded.Policy.AllowFrom)
	}
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
gewe:
  appId: wx_yaml
  token: tok
policy:
  dmPolicy: open
  allowFrom: [wxid_a, 12345]
  groups:
    "*":
      requireMention: false
download:
  minDelayMs: 10
  maxDelayMs: 20
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gewe.AppID != "wx_yaml" || cfg.Policy.DMPolicy != "open" {
		t.Fatalf("unexpected values: %+v", cfg.Gewe)
	}
	if len(cfg.Policy.AllowFrom) != 2 || cfg.Policy.AllowFrom[1] != "12345" {
		t.Fatalf("numeric allowFrom entry not converted: %v", cfg.Policy.AllowFrom)
	}
	wild, ok := cfg.Policy.Groups["*"]
	if !ok || wild.RequireMention == nil || *wild.RequireMention {
		t.Fatalf("wildcard group not parsed: %+v", cfg.Policy.Groups)
	}
	if cfg.Download.MinDelayMs != 10 || cfg.Download.MaxDelayMs != 20 {
		t.Fatalf("download delays not parsed: %+v", cfg.Download)
	}
	// Untouched sections keep their defaults.
	if cfg.Webhook.Path != "/webhook" {
		t.Fatalf("expected default webhook path, got %q", cfg.Webhook.Path)
	}
}

func TestSave_YAMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	cfg := Defaults()
	cfg.Gewe.Token = "secret-token"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Gewe.Token != "secret-token" {
		t.Fatalf("token lost in yaml round trip: %q", loaded.Gewe.Token)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GEWE_TOKEN", "from-env")
	t.Setenv("GEWE_AGENT_URL", "http://agent.local/inbound")

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"gewe":{"token":"from-file"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gewe.Token != "from-env" {
		t.Fatalf("expected env token, got %q", cfg.Gewe.Token)
	}
	if cfg.Agent.URL != "http://agent.local/inbound" {
		t.Fatalf("expected env agent url, got %q", cfg.Agent.URL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{"policy": {"groupPolicy": "pairing"}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for groupPolicy=pairing")
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "policy.dmPolicy")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "pairing" {
		t.Fatalf("expected 'pairing', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "policy.dmPolicy", "open"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Policy.DMPolicy != "open" {
		t.Fatalf("expected 'open', got %q", cfg.Policy.DMPolicy)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "codec.autoInstall", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Codec.AutoInstall {
		t.Fatal("expected codec.autoInstall=false")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "download.maxDelayMs", "5000"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Download.MaxDelayMs != 5000 {
		t.Fatalf("expected 5000, got %d", cfg.Download.MaxDelayMs)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Gewe.Token = "gewe-token-1234567890"
	cfg.Webhook.Secret = "callback-secret-123456"
	cfg.Agent.Token = "short"

	sanitized := Sanitize(cfg)

	if sanitized.Gewe.Token == cfg.Gewe.Token {
		t.Fatal("gewe token should be masked")
	}
	if sanitized.Webhook.Secret == cfg.Webhook.Secret {
		t.Fatal("webhook secret should be masked")
	}
	if sanitized.Agent.Token != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Agent.Token)
	}
	if cfg.Gewe.Token != "gewe-token-1234567890" {
		t.Fatal("original config should not be modified")
	}
}

func TestSetByPath_RejectsUnknownAndStructuredKeys(t *testing.T) {
	cfg := Defaults()
	for _, key := range []string{"nonexistent.path", "policy.groups", "voice.decoders", "policy"} {
		if err := SetByPath(cfg, key, "x"); err == nil {
			t.Errorf("%s: expected error", key)
		}
	}
}

func TestSetByPath_TypeErrors(t *testing.T) {
	cfg := Defaults()
	cases := map[string]string{
		"webhook.port":      "eighty",
		"media.maxBytes":    "1.5",
		"codec.autoInstall": "sometimes",
	}
	for key, raw := range cases {
		if err := SetByPath(cfg, key, raw); err == nil {
			t.Errorf("%s=%q: expected error", key, raw)
		}
	}
	if cfg.Webhook.Port != 4399 {
		t.Fatalf("failed set changed the port to %d", cfg.Webhook.Port)
	}
}

func TestSetByPath_Lists(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "policy.allowFrom", " wxid_a, ,wxid_b "); err != nil {
		t.Fatalf("set list: %v", err)
	}
	if got := strings.Join(cfg.Policy.AllowFrom, "|"); got != "wxid_a|wxid_b" {
		t.Fatalf("allowFrom = %q", got)
	}
	if err := SetByPath(cfg, "policy.allowFrom", ""); err != nil {
		t.Fatalf("clear list: %v", err)
	}
	if len(cfg.Policy.AllowFrom) != 0 {
		t.Fatalf("expected cleared list, got %v", cfg.Policy.AllowFrom)
	}
	if err := SetByPath(cfg, "commands.prefixes", "/new,/help"); err != nil {
		t.Fatalf("set prefixes: %v", err)
	}
	val, _ := GetByPath(cfg, "commands.prefixes")
	if got, ok := val.([]string); !ok || len(got) != 2 {
		t.Fatalf("prefixes = %#v", val)
	}
}

// --- ListPaths ---

func TestListPaths_SortedAndMasked(t *testing.T) {
	cfg := Defaults()
	cfg.Gewe.Token = "gewe-token-1234567890"
	entries := ListPaths(cfg)
	if len(entries) != len(Keys()) {
		t.Fatalf("got %d entries for %d keys", len(entries), len(Keys()))
	}

	values := make(map[string]any)
	for i, e := range entries {
		if i > 0 && entries[i-1].Key >= e.Key {
			t.Fatalf("entries not sorted at %s", e.Key)
		}
		values[e.Key] = e.Value
	}
	for _, expected := range []string{"general.logLevel", "webhook.path", "download.minDelayMs", "codec.version"} {
		if _, ok := values[expected]; !ok {
			t.Errorf("missing expected key: %s", expected)
		}
	}
	if values["gewe.token"] != "gewe****7890" {
		t.Errorf("token not masked: %v", values["gewe.token"])
	}
	if values["webhook.port"] != 4399 {
		t.Errorf("webhook.port = %v", values["webhook.port"])
	}
}

func TestKeys_EveryKeyReadable(t *testing.T) {
	cfg := Defaults()
	for _, k := range Keys() {
		if _, err := GetByPath(cfg, k); err != nil {
			t.Errorf("%s: %v", k, err)
		}
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	input := `["hello", 123, "world", 456.0]`
	var list FlexStringList
	if err := json.Unmarshal([]byte(input), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("expected 4 items, got %d", len(list))
	}
	if list[1] != "123" || list[3] != "456" {
		t.Fatalf("number conversion mismatch: %v", list)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var list FlexStringList
	err := json.Unmarshal([]byte(`not json`), &list)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_GEWE_TOKEN", "tok-abc123")
	result := ExpandEnvVars(`{"token": "${TEST_GEWE_TOKEN}"}`)
	expected := `{"token": "tok-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-4399}"}`)
	expected := `{"port": "4399"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}
