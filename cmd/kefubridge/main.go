package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harunnryd/kefubridge/pkg/bridge"
	"github.com/harunnryd/kefubridge/pkg/channel"
	"github.com/harunnryd/kefubridge/pkg/channel/wxkf"
	"github.com/harunnryd/kefubridge/pkg/config"
	"github.com/harunnryd/kefubridge/pkg/configutil"
	"github.com/harunnryd/kefubridge/pkg/glm"
	"github.com/harunnryd/kefubridge/pkg/logging"
	"github.com/harunnryd/kefubridge/pkg/metrics"
	"github.com/harunnryd/kefubridge/pkg/runner"
	"github.com/harunnryd/kefubridge/pkg/server"
	"github.com/harunnryd/kefubridge/pkg/statestore"
)

type glmSettings struct {
	BaseURL           string `mapstructure:"base_url"`
	StreamTimeoutMS   int    `mapstructure:"stream_timeout_ms"`
	MaxRetries        int    `mapstructure:"max_retries"`
	RetryDelayMS      int    `mapstructure:"retry_delay_ms"`
	MaxFileSizeMB     int64  `mapstructure:"max_file_size_mb"`
	TokenMarginS      int    `mapstructure:"token_margin_s"`
	UseCircuitBreaker bool   `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int    `mapstructure:"circuit_cooldown_ms"`
}

type wxkfSettings struct {
	BaseURL        string `mapstructure:"base_url"`
	CorpID         string `mapstructure:"corp_id"`
	CorpSecret     string `mapstructure:"corp_secret"`
	PollIntervalMS int    `mapstructure:"poll_interval_ms"`
	TokenMarginS   int    `mapstructure:"token_margin_s"`
}

var glmSchema = configutil.Schema{
	Optional: []string{
		"base_url", "stream_timeout_ms", "max_retries", "retry_delay_ms",
		"max_file_size_mb", "token_margin_s",
		"use_circuit_breaker", "circuit_threshold", "circuit_cooldown_ms",
	},
}

var wxkfSchema = configutil.Schema{
	Required: []string{"corp_id", "corp_secret"},
	Optional: []string{"base_url", "poll_interval_ms", "token_margin_s"},
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("bridge exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	store, err := statestore.NewFileStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open state dir: %w", err)
	}

	observer, closeObserver, err := buildObserver(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("open metrics sink: %w", err)
	}
	defer closeObserver()

	if cfg.Completion.Provider != "glm" {
		return fmt.Errorf("unsupported completion provider %q", cfg.Completion.Provider)
	}
	if err := configutil.ValidateSettings(cfg.Completion.Settings, glmSchema); err != nil {
		return fmt.Errorf("completion settings: %w", err)
	}
	var gs glmSettings
	if err := configutil.DecodeSettings(cfg.Completion.Settings, &gs); err != nil {
		return fmt.Errorf("decode completion settings: %w", err)
	}
	completer := glm.NewClient(glm.Config{
		BaseURL:           gs.BaseURL,
		StreamTimeout:     time.Duration(gs.StreamTimeoutMS) * time.Millisecond,
		MaxRetries:        gs.MaxRetries,
		RetryDelay:        time.Duration(gs.RetryDelayMS) * time.Millisecond,
		MaxFileSize:       gs.MaxFileSizeMB << 20,
		TokenMargin:       time.Duration(gs.TokenMarginS) * time.Second,
		UseCircuitBreaker: gs.UseCircuitBreaker,
		CircuitThreshold:  gs.CircuitThreshold,
		CircuitCooldown:   time.Duration(gs.CircuitCooldownMS) * time.Millisecond,
	}, store, logging.NewComponentLogger(logger, "glm"), observer)

	if cfg.Channel.Provider != "wxkf" {
		return fmt.Errorf("unsupported channel provider %q", cfg.Channel.Provider)
	}
	if err := configutil.ValidateSettings(cfg.Channel.Settings, wxkfSchema); err != nil {
		return fmt.Errorf("channel settings: %w", err)
	}
	var ws wxkfSettings
	if err := configutil.DecodeSettings(cfg.Channel.Settings, &ws); err != nil {
		return fmt.Errorf("decode channel settings: %w", err)
	}
	channelLogger := logging.NewComponentLogger(logger, "wxkf")
	channelClient := wxkf.NewClient(wxkf.Config{
		BaseURL:     ws.BaseURL,
		CorpID:      ws.CorpID,
		CorpSecret:  ws.CorpSecret,
		TokenMargin: time.Duration(ws.TokenMarginS) * time.Second,
	}, store, channelLogger)
	source := wxkf.NewSource(channelClient, store, channelLogger,
		time.Duration(ws.PollIntervalMS)*time.Millisecond)

	agents := make([]bridge.Agent, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents = append(agents, bridge.Agent{
			ID:        a.ID,
			Name:      a.Name,
			OpenKfID:  a.OpenKfID,
			APIKey:    a.APIKey,
			Welcome:   a.Welcome,
			MaxRounds: a.MaxRounds,
			Enabled:   a.IsEnabled(),
		})
	}
	msgBridge := bridge.New(channelClient, completer, agents,
		logging.NewComponentLogger(logger, "bridge"), observer)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(completer, logging.NewComponentLogger(logger, "http"), observer).Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hooks := runner.Hooks{
		OnStart: func() {
			logger.Info("bridge starting",
				"environment", cfg.Environment, "addr", cfg.Server.Addr, "agents", len(cfg.Agents))
			if err := source.Start(ctx); err != nil {
				logger.Error("message source start failed", "error", err)
				stop()
				return
			}
			go pump(ctx, source.Recv(), msgBridge, logger)
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server failed", "error", err)
					stop()
				}
			}()
		},
		OnStop: func() {
			logger.Info("bridge stopped")
		},
	}
	drainer := &shutdownDrainer{source: source, httpServer: httpServer, logger: logger}
	lifecycle := runner.NewLifecycleRunner(drainer, hooks, 15*time.Second)
	return lifecycle.Run(ctx)
}

// pump fans inbound messages out to the bridge, one goroutine per message so
// a slow completion does not stall the poll loop.
func pump(ctx context.Context, messages <-chan channel.Message, b *bridge.Bridge, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			logger.Debug("inbound message", "kind", msg.Kind, "open_kfid", msg.AgentKfID)
			go b.HandleMessage(ctx, msg)
		}
	}
}

type shutdownDrainer struct {
	source     *wxkf.Source
	httpServer *http.Server
	logger     *slog.Logger
}

func (d *shutdownDrainer) Drain() error {
	if err := d.source.Stop(); err != nil {
		d.logger.Warn("stopping message source failed", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.httpServer.Shutdown(ctx)
}

func buildObserver(cfg config.MetricsConfig) (metrics.Observer, func(), error) {
	if cfg.Path == "" {
		return metrics.NoopObserver{}, func() {}, nil
	}
	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	async := metrics.NewAsyncObserver(metrics.NewJSONLObserver(file), cfg.BufferSize)
	return async, func() {
		async.Close()
		file.Close()
	}, nil
}
