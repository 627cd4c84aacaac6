package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:   "~/.gewebridge",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Gewe: GeweConfig{
			AccountID:          "default",
			APIBaseURL:         "http://127.0.0.1:2531/v2/api",
			TimeoutSeconds:     30,
			SendsPerMinute:     30,
			SendBurst:          5,
			ChatSendsPerMinute: 12,
			ChatSendBurst:      3,
		},
		Webhook: WebhookConfig{
			Host:       "0.0.0.0",
			Port:       4399,
			Path:       "/webhook",
			HealthPath: "/healthz",
		},
		Media: MediaConfig{
			Host:           "0.0.0.0",
			Port:           4400,
			Path:           "/media",
			PublicBaseURL:  "http://127.0.0.1:4400",
			StageDir:       "~/.gewebridge/media",
			RetentionHours: 24,
			MaxBytes:       50 << 20,
		},
		Policy: PolicyConfig{
			DMPolicy:    "pairing",
			GroupPolicy: "allowlist",
		},
		Commands: CommandsConfig{
			Text:     true,
			Prefixes: DefaultCommandPrefixes(),
		},
		Download: DownloadConfig{
			MinDelayMs:     3000,
			MaxDelayMs:     10000,
			TimeoutSeconds: 120,
		},
		Voice: VoiceConfig{
			SampleRate:     24000,
			TimeoutSeconds: 30,
		},
		Video: VideoConfig{
			TimeoutSeconds: 30,
			FFmpegPath:     "ffmpeg",
			FFprobePath:    "ffprobe",
		},
		Codec: CodecConfig{
			AutoInstall:    true,
			Version:        "latest",
			BaseURL:        "https://github.com/gewebridge/rust-silk/releases",
			InstallDir:     "~/.gewebridge/tools/rust-silk",
			TimeoutSeconds: 120,
		},
		Agent: AgentConfig{
			TimeoutSeconds: 120,
		},
		Store: StoreConfig{
			DBPath: "~/.gewebridge/gewebridge.db",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Path:    "/metrics",
		},
	}
}

// DefaultCommandPrefixes lists the control commands recognized in message bodies.
func DefaultCommandPrefixes() []string {
	return []string{
		"/new",
		"/reset",
		"/status",
		"/help",
		"/stop",
		"/model",
		"/think",
		"/verbose",
		"/whoami",
	}
}
