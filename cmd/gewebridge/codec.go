package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gewebridge/internal/media"
)

func codecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codec",
		Short: "Manage the rust-silk voice codec",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Download and verify the codec for this platform, even when codec.autoInstall is off",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Codec.AutoInstall = true
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			inst, err := newInstaller(cfg, media.ExecRunner{}).Install(ctx)
			if err != nil {
				return fmt.Errorf("codec install: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rust-silk %s installed at %s\n", inst.VersionTag, inst.BinaryPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the installed codec path without downloading",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Codec.AutoInstall = false
			path := newInstaller(cfg, media.ExecRunner{}).Resolve(context.Background())
			if path == "" {
				return fmt.Errorf("codec not installed; run 'gewebridge codec install'")
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})

	return cmd
}
