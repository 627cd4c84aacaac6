package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"gewebridge/internal/config"
	"gewebridge/internal/media"
	"gewebridge/internal/store"
)

type checkResult struct {
	passed, warned, failed int
}

func (r *checkResult) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *checkResult) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *checkResult) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your gewebridge installation",
		Long: `Verifies that the configuration, database, ports, media tools and
voice codec are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("gewebridge doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r checkResult

			if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'gewebridge init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return nil
			}
			r.pass("Config validation", "valid")

			if cfg.Gewe.Token == "" || cfg.Gewe.AppID == "" {
				r.fail("GeWe credentials", "gewe.token and gewe.appId are required")
			} else {
				r.pass("GeWe credentials", "configured")
			}

			if err := checkDatabase(cfg.Store.DBPath); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", cfg.Store.DBPath)
			}

			if err := os.MkdirAll(cfg.Media.StageDir, 0o755); err != nil {
				r.fail("Media dir", err.Error())
			} else {
				r.pass("Media dir", cfg.Media.StageDir)
			}

			if u, err := url.Parse(cfg.Media.PublicBaseURL); err != nil || u.Host == "" {
				r.fail("Media public URL", fmt.Sprintf("invalid: %q", cfg.Media.PublicBaseURL))
			} else if h := u.Hostname(); h == "127.0.0.1" || h == "localhost" {
				r.warn("Media public URL", "loopback address; the GeWe server must run on this host")
			} else {
				r.pass("Media public URL", cfg.Media.PublicBaseURL)
			}

			checkListen(&r, "Webhook port", cfg.Webhook.Host, cfg.Webhook.Port)
			checkListen(&r, "Media port", cfg.Media.Host, cfg.Media.Port)

			for _, tool := range []string{cfg.Video.FFmpegPath, cfg.Video.FFprobePath} {
				if p, err := exec.LookPath(tool); err != nil {
					r.warn("Tool: "+tool, "not found; video and voice conversion degrade")
				} else {
					r.pass("Tool: "+tool, p)
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			cfg.Codec.AutoInstall = false
			if p := newInstaller(cfg, media.ExecRunner{}).Resolve(ctx); p != "" {
				r.pass("Voice codec", p)
			} else {
				r.warn("Voice codec", "not installed; run 'gewebridge codec install'")
			}

			if cfg.Agent.URL == "" {
				r.warn("Agent URL", "not configured; envelopes are dropped")
			} else {
				r.pass("Agent URL", cfg.Agent.URL)
			}

			if cfg.Webhook.Secret == "" {
				r.warn("Webhook token", "not set; callbacks are accepted without authentication")
			} else {
				r.pass("Webhook token", "set")
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running gewebridge.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Printf("\ngewebridge should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! gewebridge is ready to run.\n")
			}
			return nil
		},
	}
}

// checkDatabase opens the store, which also runs migrations.
func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}
	st, err := store.Open(dbPath, logger)
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	return nil
}

func checkListen(r *checkResult, name, host string, port int) {
	addr := hostPort(host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.warn(name, fmt.Sprintf("%s may be in use: %v", addr, err))
		return
	}
	ln.Close()
	r.pass(name, addr+" available")
}
