package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/gophercall/internal/config"
	"github.com/user/gophercall/internal/delivery"
	"github.com/user/gophercall/internal/digest"
	"github.com/user/gophercall/internal/gateway"
	"github.com/user/gophercall/internal/protocol"
	"github.com/user/gophercall/internal/runtime"
	"github.com/user/gophercall/internal/scheduler"
	"github.com/user/gophercall/internal/state"
	"github.com/user/gophercall/internal/telegram"
	"github.com/user/gophercall/internal/voice"
	"github.com/user/gophercall/internal/webhook"
	"github.com/user/gophercall/pkg/reply"
	"github.com/user/gophercall/pkg/reply/httpbridge"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gophercall daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "gophercall.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// buildPipeline constructs the reply pipeline for the configured responder
// mode: a fixed line in static mode, a host HTTP endpoint in http mode.
func buildPipeline(cfg *config.Config) (reply.Pipeline, error) {
	switch cfg.Responder.Mode {
	case "", "static":
		return &reply.Static{Text: cfg.Responder.StaticReply}, nil
	case "http":
		if cfg.Responder.URL == "" {
			return nil, fmt.Errorf("responder.url is required in http mode (or set RESPONDER_URL)")
		}
		return httpbridge.New(&reply.Config{
			URL:     cfg.Responder.URL,
			Timeout: time.Duration(cfg.Responder.TimeoutSec) * time.Second,
		}), nil
	default:
		return nil, fmt.Errorf("unknown responder mode: %q", cfg.Responder.Mode)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := protocol.ValidateAPIKey(cfg.Voice.APIKey); err != nil {
		return fmt.Errorf("voice api key: %w (set voice.api_key or GOPHERCALL_API_KEY)", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Write PID file
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Stores
	calls := state.NewCallStore(cfg.DataDir)
	events := state.NewEventStore(cfg.DataDir)
	summaries := state.NewSummaryStore(cfg.DataDir)
	announcements := state.NewAnnouncementStore(filepath.Join(cfg.DataDir, "announcements.json"))

	// Reply pipeline
	pipeline, err := buildPipeline(cfg)
	if err != nil {
		return err
	}

	// Runtime
	rt := runtime.New(pipeline, calls, events, nil)

	// Gateway
	gw := gateway.New(calls, events, int64(cfg.MaxConcurrent))
	gw.Queue.SetProcessor(rt.ProcessRun)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw.Start(ctx)
	defer gw.Stop()

	// Digest builder for end-of-call notifications. The tokenizer needs its
	// encoding tables; when they cannot be loaded the daemon still runs, just
	// without digests.
	dig, err := digest.New(cfg.Digest.MaxTokens)
	if err != nil {
		slog.Warn("digest disabled", "error", err)
		dig = nil
	}

	// Delivery registry
	deliveryReg := delivery.NewRegistry()
	deliveryReg.Register("log:", delivery.LogHandler)

	// Connection + engine
	conn := voice.NewConn(voice.Config{
		URL:            cfg.Voice.ServiceURL,
		APIKey:         cfg.Voice.APIKey,
		ReconnectDelay: time.Duration(cfg.Voice.Reconnect.InitialDelayMS) * time.Millisecond,
		MaxAttempts:    cfg.Voice.Reconnect.MaxAttempts,
	})
	svc := voice.NewService(voice.ServiceConfig{
		Conn:      conn,
		Gateway:   gw,
		Calls:     calls,
		Events:    events,
		Summaries: summaries,
		Digest:    dig,
		Notify:    deliveryReg.Notifier(cfg.NotifyTarget),
		Idle: voice.IdleConfig{
			Timeout:    time.Duration(cfg.Voice.Idle.TimeoutSec) * time.Second,
			MaxPrompts: cfg.Voice.Idle.MaxPrompts,
			Prompt:     cfg.Voice.Idle.Prompt,
			EndMessage: cfg.Voice.Idle.EndMessage,
		},
		Fillers: voice.FillerConfig{
			Enabled:       cfg.Voice.Fillers.Enabled,
			Phrases:       cfg.Voice.Fillers.Phrases,
			InitialDelay:  time.Duration(cfg.Voice.Fillers.InitialDelaySec) * time.Second,
			Interval:      time.Duration(cfg.Voice.Fillers.IntervalSec) * time.Second,
			MaxPerRequest: cfg.Voice.Fillers.MaxPerRequest,
		},
	})

	// Telegram notifier
	if cfg.Telegram.Token != "" {
		notifier, err := telegram.New(cfg.Telegram.Token, cfg.Telegram.ChatID, svc, calls)
		if err != nil {
			return fmt.Errorf("create telegram notifier: %w", err)
		}
		go notifier.Start(ctx)
		deliveryReg.Register("telegram:", notifier.Notify)
		slog.Info("telegram notifier started", "chat_id", cfg.Telegram.ChatID)
	} else {
		slog.Warn("telegram notifier disabled (no token)")
	}

	slog.Info("gophercall started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"service_url", cfg.Voice.ServiceURL,
		"responder_mode", cfg.Responder.Mode,
		"notify_target", cfg.NotifyTarget,
		"max_concurrent", cfg.MaxConcurrent,
		"pid_file", pidPath,
	)

	if err := svc.Start(ctx); err != nil {
		// The reconnect loop is already running; a failed first dial is
		// not fatal.
		slog.Warn("initial connect failed, retrying in background", "error", err)
	}
	defer svc.Stop()

	// Scheduler
	sched := scheduler.New(announcements, svc.Announce)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started")

	// Control API
	webhookSrv := webhook.NewServer(svc, calls, events, announcements)
	httpServer := &http.Server{
		Addr:    cfg.Webhook.Addr,
		Handler: webhookSrv,
	}
	go func() {
		slog.Info("control api started", "listen", cfg.Webhook.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("control api error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				// Re-write PID file since we failed to re-exec
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
