package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.io/infrasutra/slowpost/internal/api"
	"github.io/infrasutra/slowpost/internal/auth"
	"github.io/infrasutra/slowpost/internal/config"
	"github.io/infrasutra/slowpost/internal/delivery"
	"github.io/infrasutra/slowpost/internal/letter"
	"github.io/infrasutra/slowpost/internal/metrics"
	"github.io/infrasutra/slowpost/internal/notify"
	"github.io/infrasutra/slowpost/internal/smtpserver"
	"github.io/infrasutra/slowpost/internal/sse"
	"github.io/infrasutra/slowpost/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}
	if cfg.DBPath == "" {
		logger.Warn("DB_PATH not set; letters are kept in memory and lost on restart")
	}

	authManager, err := auth.New(cfg.AuthSecret, 30*24*time.Hour)
	if err != nil {
		logger.Error("init auth", "error", err)
		os.Exit(1)
	}
	if cfg.AuthSecret == "" {
		logger.Warn("AUTH_SECRET not set; sessions reset on restart")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.New(registry)

	hub := sse.NewHub()
	notifier := notify.Fanout{notify.NewStream(hub)}
	var mailer *notify.Mailer
	if cfg.NotifySMTPAddr != "" {
		mailer = notify.NewMailer(notify.MailerConfig{
			Addr:     cfg.NotifySMTPAddr,
			From:     cfg.NotifyFrom,
			Username: cfg.NotifySMTPUsername,
			Password: cfg.NotifySMTPPassword,
			StartTLS: cfg.NotifySMTPStartTLS,
			Timeout:  cfg.NotifySMTPTimeout,
		}, logger)
		notifier = append(notifier, mailer)
		logger.Info("arrival e-mails enabled", "relay", cfg.NotifySMTPAddr, "from", cfg.NotifyFrom, "starttls", cfg.NotifySMTPStartTLS)
	}

	letters := letter.NewManager(db, letter.SystemClock, cfg.DeliveryDelay)

	scheduler, err := delivery.New(db, letters, logger.With("component", "delivery"),
		delivery.Config{Interval: cfg.DeliveryInterval, Cron: cfg.DeliveryCron},
		delivery.WithMetrics(appMetrics),
		delivery.WithNotifier(notifier),
		delivery.WithCounter(db),
	)
	if err != nil {
		logger.Error("init delivery scheduler", "error", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(cfg, db, letters, authManager, hub, logger,
		api.WithNotifier(notifier),
		api.WithMetrics(appMetrics),
	)

	smtpAuthCfg := smtpserver.AuthConfig{
		Enabled:  cfg.SMTPAuthEnabled,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
	}
	if smtpAuthCfg.Enabled {
		logger.Info("smtp auth enabled", "username", smtpAuthCfg.Username)
	} else {
		logger.Warn("smtp auth disabled; intake accepts unauthenticated connections")
	}

	smtpAddr := fmt.Sprintf(":%d", cfg.SMTPPort)
	smtpSrv := smtpserver.New(letters, logger, smtpAddr, smtpAuthCfg,
		smtpserver.WithNotifier(notifier),
		smtpserver.WithMetrics(appMetrics),
	)

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting slowpost", "deliveryDelay", letters.Delay())
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("start delivery scheduler", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := smtpSrv.ListenAndServe(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			logger.Error("smtp server stopped", "error", err)
		}
	}()

	go func() {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
	if err := smtpSrv.Close(); err != nil {
		logger.Error("shutdown smtp", "error", err)
	}
	scheduler.Stop()
	if mailer != nil {
		mailer.Close()
	}
}
