// Package main is the entry point for the MailVoid SMTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/timothydodd/MailVoid-sub000/internal/certs"
	"github.com/timothydodd/MailVoid-sub000/internal/config"
	"github.com/timothydodd/MailVoid-sub000/internal/filter"
	"github.com/timothydodd/MailVoid-sub000/internal/pipeline"
	"github.com/timothydodd/MailVoid-sub000/internal/smtp"
	"github.com/timothydodd/MailVoid-sub000/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	if cfg.API.BaseURL == "" {
		slog.Error("mailvoid_api.base_url is required; the server has nowhere to forward mail")
		os.Exit(1)
	}
	if cfg.SMTPServer.RequireAuthentication {
		slog.Warn("require_authentication is enabled; all authentication is rejected, so no mail will be accepted")
	}

	mailboxFilter := filter.New(
		cfg.Filter.AllowedDomains,
		cfg.Filter.BlockedDomains,
		cfg.EffectiveMaxMessageSize(),
	)

	certProvider := certs.NewProvider(certs.Config{
		Enabled:             cfg.SMTPServer.TLSEnabled,
		Domain:              cfg.SMTPServer.TLSDomain,
		CertificatePath:     cfg.SMTPServer.CertificatePath,
		CertificatePassword: cfg.SMTPServer.CertificatePassword,
		ServerName:          cfg.SMTPServer.Name,
	})

	client := webhook.New(cfg.API.BaseURL, cfg.API.WebhookEndpoint, cfg.API.APIKey)

	pipe := pipeline.New(pipeline.Config{
		MaxRetryAttempts:        cfg.Queue.MaxRetryAttempts,
		BaseRetryDelay:          cfg.Queue.BaseRetryDelay(),
		MaxConcurrentProcessing: cfg.Queue.MaxConcurrentProcessing,
	}, client)

	server := smtp.NewServer(smtp.ServerConfig{
		Hostname:              cfg.SMTPServer.Name,
		PlainAddr:             fmt.Sprintf(":%d", cfg.SMTPServer.Port),
		SubmissionAddr:        fmt.Sprintf(":%d", cfg.SMTPServer.SubmissionPort),
		TLSAddr:               fmt.Sprintf(":%d", cfg.SMTPServer.TLSPort),
		RequireAuthentication: cfg.SMTPServer.RequireAuthentication,
	}, pipe, mailboxFilter, certProvider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipe.Start(ctx)

	if err := server.Start(ctx); err != nil {
		slog.Error("failed to start SMTP server", "error", err)
		os.Exit(1)
	}

	slog.Info("mailvoid-smtp started",
		"hostname", cfg.SMTPServer.Name,
		"endpoints", server.Addrs(),
		"webhook", client.URL(),
	)

	if cfg.Metrics.Listen != "" {
		go serveMetrics(cfg.Metrics.Listen)
	}

	go func() {
		for range certProvider.Renewals() {
			slog.Info("certificate renewed, restarting SMTP server")
			if err := server.Restart(ctx); err != nil {
				slog.Error("restart after certificate renewal failed", "error", err)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received signal, initiating shutdown", "signal", sig)

	cancel()
	if err := server.Stop(); err != nil {
		slog.Error("error stopping SMTP server", "error", err)
	}
	pipe.Close()

	slog.Info("mailvoid-smtp stopped")
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// serveMetrics exposes prometheus metrics on the given address.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("metrics listener started", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics listener failed", "error", err)
	}
}
