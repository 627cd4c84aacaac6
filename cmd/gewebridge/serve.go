package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"gewebridge/internal/agentgw"
	"gewebridge/internal/bus"
	"gewebridge/internal/config"
	"gewebridge/internal/dedupe"
	"gewebridge/internal/dispatch"
	"gewebridge/internal/gewe"
	"gewebridge/internal/installer"
	"gewebridge/internal/media"
	"gewebridge/internal/queue"
	"gewebridge/internal/security"
	"gewebridge/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and media servers",
		Long:  "Starts the webhook receiver, the media server, the download queue and the agent forwarder. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	pairing := security.NewPairingService(security.PairingConfig{Store: st, Logger: logger})
	engine, err := security.NewEngine(cfg.Policy, cfg.Commands)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	client := gewe.NewClient(gewe.ClientConfig{
		BaseURL:         cfg.Gewe.APIBaseURL,
		DownloadBaseURL: cfg.Gewe.DownloadBaseURL,
		Token:           cfg.Gewe.Token,
		AppID:           cfg.Gewe.AppID,
		Timeout:         seconds(cfg.Gewe.TimeoutSeconds),
		MaxFetchBytes:   cfg.Media.MaxBytes,
		Logger:          logger,
	})

	mediaStore, err := media.NewStore(media.StoreConfig{
		Dir:           cfg.Media.StageDir,
		PublicBaseURL: cfg.Media.PublicBaseURL,
		Path:          cfg.Media.Path,
		MaxBytes:      cfg.Media.MaxBytes,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	runner := media.ExecRunner{}
	codec := newInstaller(cfg, runner)
	transcoder := media.NewTranscoder(media.TranscoderConfig{
		Voice:  cfg.Voice,
		Video:  cfg.Video,
		Codec:  codec,
		Runner: runner,
		Logger: logger,
	})

	messageBus := bus.New(100, logger)
	downloads := queue.New(queue.Config{
		MinDelay: millis(cfg.Download.MinDelayMs),
		MaxDelay: millis(cfg.Download.MaxDelayMs),
		Timeout:  seconds(cfg.Download.TimeoutSeconds),
		Logger:   logger,
	})
	defer drain(downloads, messageBus)

	var limiter dispatch.Limiter
	if cfg.Gewe.SendsPerMinute > 0 {
		limiter = dispatch.NewSendLimiter(dispatch.LimiterConfig{
			Burst:         cfg.Gewe.SendBurst,
			PerMinute:     float64(cfg.Gewe.SendsPerMinute),
			ChatBurst:     cfg.Gewe.ChatSendBurst,
			ChatPerMinute: float64(cfg.Gewe.ChatSendsPerMinute),
		})
	}
	dispatcher := dispatch.New(dispatch.Config{
		AccountID:  cfg.Gewe.AccountID,
		Provider:   client,
		Policy:     engine,
		Pairing:    pairing,
		Queue:      downloads,
		Transcoder: transcoder,
		Media:      mediaStore,
		Bus:        messageBus,
		Limiter:    limiter,
		Rooms:      client,
		Logger:     logger,
	})

	forwarder := agentgw.New(agentgw.Config{
		URL:     cfg.Agent.URL,
		Token:   cfg.Agent.Token,
		Timeout: seconds(cfg.Agent.TimeoutSeconds),
		Logger:  logger,
	})

	sched := cron.New()
	if err := mediaStore.Schedule(sched, time.Duration(cfg.Media.RetentionHours)*time.Hour); err != nil {
		return fmt.Errorf("schedule media cleanup: %w", err)
	}
	if _, err := sched.AddFunc("@every 10m", func() {
		if n, err := pairing.CleanExpired(context.Background()); err != nil {
			logger.Warn("pairing cleanup failed", "err", err)
		} else if n > 0 {
			logger.Info("expired pairing requests removed", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule pairing cleanup: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	if cfg.Codec.AutoInstall {
		go func() {
			if inst, err := codec.Install(ctx); err != nil {
				logger.Warn("codec not available, voice falls back to legacy decoders", "err", err)
			} else {
				logger.Info("codec ready", "path", inst.BinaryPath, "version", inst.VersionTag)
			}
		}()
	}

	var metricsPath string
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	webhook := gewe.NewWebhookServer(gewe.WebhookConfig{
		Addr:        hostPort(cfg.Webhook.Host, cfg.Webhook.Port),
		Path:        cfg.Webhook.Path,
		HealthPath:  cfg.Webhook.HealthPath,
		Secret:      cfg.Webhook.Secret,
		MetricsPath: metricsPath,
		Dedupe:      dedupe.New(dedupe.DefaultTTL),
		Handler:     dispatcher,
		Logger:      logger,
	})
	mediaServer := gewe.NewMediaServer(gewe.MediaServerConfig{
		Addr:   hostPort(cfg.Media.Host, cfg.Media.Port),
		Path:   cfg.Media.Path,
		Store:  mediaStore,
		Logger: logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return webhook.Start(gctx) })
	g.Go(func() error { return mediaServer.Start(gctx) })
	g.Go(func() error { return forwarder.Run(gctx, messageBus) })

	logger.Info("gewebridge started", "version", version, "account", cfg.Gewe.AccountID)
	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// drain waits for the running download before closing the bus it
// publishes to.
func drain(downloads *queue.DownloadQueue, messageBus *bus.InMemoryBus) {
	downloads.Close()
	messageBus.Close()
}

func newInstaller(cfg *config.Config, runner media.Runner) *installer.Installer {
	return installer.New(installer.Config{
		AutoInstall: cfg.Codec.AutoInstall,
		BinaryPath:  cfg.Codec.BinaryPath,
		Version:     cfg.Codec.Version,
		BaseURL:     cfg.Codec.BaseURL,
		InstallDir:  cfg.Codec.InstallDir,
		SHA256:      cfg.Codec.SHA256,
		SkipVerify:  cfg.Codec.SkipVerify,
		Timeout:     seconds(cfg.Codec.TimeoutSeconds),
		Runner:      runner,
		Logger:      logger,
	})
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
