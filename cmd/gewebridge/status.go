package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"gewebridge/internal/httpx"
	"gewebridge/internal/media"
	"gewebridge/internal/store"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show bridge status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			fmt.Fprintf(out, "config:   %s\n", resolveConfigPath())
			fmt.Fprintf(out, "account:  %s (app %s)\n", cfg.Gewe.AccountID, cfg.Gewe.AppID)
			fmt.Fprintf(out, "policy:   dm=%s group=%s\n", cfg.Policy.DMPolicy, cfg.Policy.GroupPolicy)

			healthURL := fmt.Sprintf("http://%s%s", hostPort(loopback(cfg.Webhook.Host), cfg.Webhook.Port), cfg.Webhook.HealthPath)
			if running(ctx, healthURL) {
				fmt.Fprintf(out, "webhook:  running (%s)\n", healthURL)
			} else {
				fmt.Fprintf(out, "webhook:  not running\n")
			}

			cfg.Codec.AutoInstall = false
			if path := newInstaller(cfg, media.ExecRunner{}).Resolve(ctx); path != "" {
				fmt.Fprintf(out, "codec:    %s\n", path)
			} else {
				fmt.Fprintf(out, "codec:    not installed\n")
			}

			st, err := store.Open(cfg.Store.DBPath, logger)
			if err != nil {
				fmt.Fprintf(out, "store:    unavailable (%v)\n", err)
				return nil
			}
			defer st.Close()
			pending, err := st.ListPairingRequests(ctx, cfg.Gewe.AccountID)
			if err != nil {
				return err
			}
			allowed, err := st.AllowFrom(ctx, cfg.Gewe.AccountID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "pairing:  %d pending, %d approved\n", len(pending), len(allowed))
			return nil
		},
	}
}

func loopback(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}

func running(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := httpx.SharedClient(2 * time.Second).Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
