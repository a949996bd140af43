package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/shhac/automerge/internal/automerge"
	"github.com/shhac/automerge/internal/config"
	"github.com/shhac/automerge/internal/drain"
	"github.com/shhac/automerge/internal/forge"
	"github.com/shhac/automerge/internal/lease"
	"github.com/shhac/automerge/internal/merge"
	"github.com/shhac/automerge/internal/metrics"
	"github.com/shhac/automerge/internal/queue"
	"github.com/shhac/automerge/internal/schedule"
	"github.com/shhac/automerge/internal/store"
	"github.com/shhac/automerge/internal/throttle"
	"github.com/shhac/automerge/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	for _, arg := range os.Args[1:] {
		switch arg {
		case "--version", "version":
			fmt.Printf("automerge %s (commit: %s, built: %s)\n", version, commit, date)
			os.Exit(0)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

func newLogger(format string) zerolog.Logger {
	if format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func run(cfg *config.Config, log zerolog.Logger) error {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	s := store.New(rdb, m, log)

	privateKey, err := loadPrivateKey(cfg.AppPrivateKey)
	if err != nil {
		return fmt.Errorf("load app private key: %w", err)
	}
	tokens, err := forge.NewTokenSource(cfg.AppID, privateKey, cfg.GitHubAPIURL, http.DefaultClient)
	if err != nil {
		return fmt.Errorf("build token source: %w", err)
	}

	gate := throttle.New(s, m, cfg.RedisNamespace)
	rl := forge.RateLimitConfig{
		MinRemaining:    cfg.RateLimitMinRemaining,
		CooldownSeconds: cfg.RateLimitCooldownSeconds,
		JitterSeconds:   cfg.RateLimitJitterSeconds,
	}
	client := forge.NewGitHubClient(cfg.GitHubAPIURL, tokens, gate, rl, http.DefaultClient, log)

	cron := schedule.NewCron()
	cron.Start()
	defer cron.Stop()

	backoff := queue.Backoff{
		Base:   time.Duration(cfg.BackoffBaseSeconds) * time.Second,
		Factor: cfg.BackoffFactor,
		Max:    time.Duration(cfg.MaxBackoffSeconds) * time.Second,
	}
	drainCfg := drain.Config{
		MaxRetries:        cfg.MaxRetries,
		MaxItemWindow:     time.Duration(cfg.MaxItemWindowSeconds) * time.Second,
		MaxBackoffSeconds: time.Duration(cfg.MaxBackoffSeconds) * time.Second,
	}
	leaseTTL := time.Duration(cfg.RedisLockTTLSeconds) * time.Second

	runner := func(ctx context.Context, id automerge.PRIdentity, hb merge.Heartbeat, clock merge.Clock) merge.Outcome {
		return merge.Run(ctx, client, id, hb, clock)
	}

	factory := func(id automerge.RepoIdentity) webhook.Resources {
		q := queue.New(s, m, log, cfg.RedisNamespace, id, backoff)
		l := lease.New(s, cfg.RedisNamespace, id, leaseTTL)
		d := drain.New(id, l, gate, q, runner, cron, m, log, drainCfg)
		return webhook.Resources{Queue: q, Dispatcher: d}
	}

	ingress := webhook.New([]byte(cfg.WebhookSecret), factory, client, log)

	router := chi.NewRouter()
	router.Mount("/", ingress.Router())
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Info().Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// loadPrivateKey accepts either raw PEM content or a filesystem path to a
// PEM file, per spec.md §6's app_private_key (PEM contents or path).
func loadPrivateKey(raw string) (string, error) {
	if strings.Contains(raw, "BEGIN") {
		return raw, nil
	}
	data, err := os.ReadFile(raw)
	if err != nil {
		return "", fmt.Errorf("read private key file: %w", err)
	}
	return string(data), nil
}
