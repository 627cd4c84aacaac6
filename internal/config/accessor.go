package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// setting is one scalar or list key reachable from the config command.
// field returns a pointer into cfg: *string, *int, *int64, *bool,
// *[]string or *FlexStringList.
type setting struct {
	field  func(c *Config) any
	secret bool
}

// settings lists every key the CLI may read or write. Structured sections
// (policy.groups, voice decoders and encoders) are edited in the file.
var settings = map[string]setting{
	"general.dataDir":   {field: func(c *Config) any { return &c.General.DataDir }},
	"general.logLevel":  {field: func(c *Config) any { return &c.General.LogLevel }},
	"general.logFormat": {field: func(c *Config) any { return &c.General.LogFormat }},

	"gewe.accountId":       {field: func(c *Config) any { return &c.Gewe.AccountID }},
	"gewe.appId":           {field: func(c *Config) any { return &c.Gewe.AppID }},
	"gewe.token":           {field: func(c *Config) any { return &c.Gewe.Token }, secret: true},
	"gewe.apiBaseUrl":      {field: func(c *Config) any { return &c.Gewe.APIBaseURL }},
	"gewe.downloadBaseUrl": {field: func(c *Config) any { return &c.Gewe.DownloadBaseURL }},
	"gewe.timeoutSeconds":  {field: func(c *Config) any { return &c.Gewe.TimeoutSeconds }},
	"gewe.sendsPerMinute":  {field: func(c *Config) any { return &c.Gewe.SendsPerMinute }},
	"gewe.sendBurst":       {field: func(c *Config) any { return &c.Gewe.SendBurst }},

	"gewe.chatSendsPerMinute": {field: func(c *Config) any { return &c.Gewe.ChatSendsPerMinute }},
	"gewe.chatSendBurst":      {field: func(c *Config) any { return &c.Gewe.ChatSendBurst }},

	"webhook.host":       {field: func(c *Config) any { return &c.Webhook.Host }},
	"webhook.port":       {field: func(c *Config) any { return &c.Webhook.Port }},
	"webhook.path":       {field: func(c *Config) any { return &c.Webhook.Path }},
	"webhook.healthPath": {field: func(c *Config) any { return &c.Webhook.HealthPath }},
	"webhook.secret":     {field: func(c *Config) any { return &c.Webhook.Secret }, secret: true},

	"media.host":           {field: func(c *Config) any { return &c.Media.Host }},
	"media.port":           {field: func(c *Config) any { return &c.Media.Port }},
	"media.path":           {field: func(c *Config) any { return &c.Media.Path }},
	"media.publicBaseUrl":  {field: func(c *Config) any { return &c.Media.PublicBaseURL }},
	"media.stageDir":       {field: func(c *Config) any { return &c.Media.StageDir }},
	"media.retentionHours": {field: func(c *Config) any { return &c.Media.RetentionHours }},
	"media.maxBytes":       {field: func(c *Config) any { return &c.Media.MaxBytes }},

	"policy.dmPolicy":        {field: func(c *Config) any { return &c.Policy.DMPolicy }},
	"policy.groupPolicy":     {field: func(c *Config) any { return &c.Policy.GroupPolicy }},
	"policy.allowFrom":       {field: func(c *Config) any { return &c.Policy.AllowFrom }},
	"policy.groupAllowFrom":  {field: func(c *Config) any { return &c.Policy.GroupAllowFrom }},
	"policy.mentionPatterns": {field: func(c *Config) any { return &c.Policy.MentionPatterns }},

	"commands.trustAll": {field: func(c *Config) any { return &c.Commands.TrustAll }},
	"commands.text":     {field: func(c *Config) any { return &c.Commands.Text }},
	"commands.prefixes": {field: func(c *Config) any { return &c.Commands.Prefixes }},

	"download.minDelayMs":     {field: func(c *Config) any { return &c.Download.MinDelayMs }},
	"download.maxDelayMs":     {field: func(c *Config) any { return &c.Download.MaxDelayMs }},
	"download.timeoutSeconds": {field: func(c *Config) any { return &c.Download.TimeoutSeconds }},

	"voice.sampleRate":     {field: func(c *Config) any { return &c.Voice.SampleRate }},
	"voice.timeoutSeconds": {field: func(c *Config) any { return &c.Voice.TimeoutSeconds }},

	"video.timeoutSeconds": {field: func(c *Config) any { return &c.Video.TimeoutSeconds }},
	"video.ffmpegPath":     {field: func(c *Config) any { return &c.Video.FFmpegPath }},
	"video.ffprobePath":    {field: func(c *Config) any { return &c.Video.FFprobePath }},

	"codec.autoInstall":    {field: func(c *Config) any { return &c.Codec.AutoInstall }},
	"codec.binaryPath":     {field: func(c *Config) any { return &c.Codec.BinaryPath }},
	"codec.version":        {field: func(c *Config) any { return &c.Codec.Version }},
	"codec.baseUrl":        {field: func(c *Config) any { return &c.Codec.BaseURL }},
	"codec.installDir":     {field: func(c *Config) any { return &c.Codec.InstallDir }},
	"codec.sha256":         {field: func(c *Config) any { return &c.Codec.SHA256 }},
	"codec.skipVerify":     {field: func(c *Config) any { return &c.Codec.SkipVerify }},
	"codec.timeoutSeconds": {field: func(c *Config) any { return &c.Codec.TimeoutSeconds }},

	"agent.url":            {field: func(c *Config) any { return &c.Agent.URL }},
	"agent.token":          {field: func(c *Config) any { return &c.Agent.Token }, secret: true},
	"agent.timeoutSeconds": {field: func(c *Config) any { return &c.Agent.TimeoutSeconds }},

	"store.dbPath": {field: func(c *Config) any { return &c.Store.DBPath }},

	"metrics.enabled": {field: func(c *Config) any { return &c.Metrics.Enabled }},
	"metrics.path":    {field: func(c *Config) any { return &c.Metrics.Path }},
}

// Keys returns the settable keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func lookup(path string) (setting, error) {
	s, ok := settings[path]
	if !ok {
		return setting{}, fmt.Errorf("unknown config key %q (see `config list`)", path)
	}
	return s, nil
}

// GetByPath returns the value at a dot-notation key such as "policy.dmPolicy".
func GetByPath(cfg *Config, path string) (any, error) {
	s, err := lookup(path)
	if err != nil {
		return nil, err
	}
	return deref(s.field(cfg)), nil
}

// SetByPath parses raw according to the key's type and stores it. Lists
// are comma separated; an empty string clears them.
func SetByPath(cfg *Config, path, raw string) error {
	s, err := lookup(path)
	if err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	switch p := s.field(cfg).(type) {
	case *string:
		*p = raw
	case *int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s expects an integer, got %q", path, raw)
		}
		*p = n
	case *int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s expects an integer, got %q", path, raw)
		}
		*p = n
	case *bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s expects true or false, got %q", path, raw)
		}
		*p = b
	case *[]string:
		*p = splitList(raw)
	case *FlexStringList:
		*p = splitList(raw)
	default:
		return fmt.Errorf("%s: unsupported field type %T", path, p)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func deref(p any) any {
	switch v := p.(type) {
	case *string:
		return *v
	case *int:
		return *v
	case *int64:
		return *v
	case *bool:
		return *v
	case *[]string:
		return append([]string(nil), *v...)
	case *FlexStringList:
		return []string(append(FlexStringList(nil), *v...))
	}
	return nil
}

// Entry is one key and its current value.
type Entry struct {
	Key   string
	Value any
}

// ListPaths returns every settable key with its value, secrets masked.
func ListPaths(cfg *Config) []Entry {
	masked := Sanitize(cfg)
	entries := make([]Entry, 0, len(settings))
	for _, k := range Keys() {
		entries = append(entries, Entry{Key: k, Value: deref(settings[k].field(masked))})
	}
	return entries
}

// Sanitize returns a deep copy of cfg with secret keys masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}
	for _, s := range settings {
		if !s.secret {
			continue
		}
		if p := s.field(&out).(*string); *p != "" {
			*p = maskString(*p)
		}
	}
	return &out
}

// maskString keeps four characters at each end of long secrets.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
