package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"threadflow/internal/config"
	"threadflow/internal/delivery"
	"threadflow/internal/eventbus"
	slacktransport "threadflow/internal/transport/slack"
	logx "threadflow/pkg/logx"
)

// envOverrides are applied on top of the config file. The token in particular
// should come from the environment, not from a file on disk.
type envOverrides struct {
	Token   string `env:"THREADFLOW_SLACK_TOKEN"`
	Channel string `env:"THREADFLOW_CHANNEL"`
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if ov.Token != "" {
		cfg.Slack.Token = ov.Token
	}
	if ov.Channel != "" {
		cfg.Slack.Channel = ov.Channel
	}
	if cfg.Slack.Channel == "" {
		return fmt.Errorf("no destination channel configured")
	}

	lc := cfg.LoggingDefaults()
	logSvc, log := logx.New(logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
	})
	defer logSvc.Close()

	uploadTimeout, err := cfg.UploadTimeout()
	if err != nil {
		return err
	}
	api, err := slacktransport.New(slacktransport.Config{
		Token:         cfg.Slack.Token,
		UploadTimeout: uploadTimeout,
	}, log.With(logx.String("component", "slack")))
	if err != nil {
		return fmt.Errorf("slack adapter: %w", err)
	}

	intervals, err := cfg.TierIntervals()
	if err != nil {
		return err
	}
	dcfg, err := cfg.DeliveryConfig()
	if err != nil {
		return err
	}
	rcfg, err := cfg.RegistryConfig()
	if err != nil {
		return err
	}

	bus := eventbus.New()
	limiter := delivery.NewTierLimiter(intervals)
	reg := delivery.NewRegistry(api, limiter, log, bus, dcfg, rcfg)

	// Hot reload: logging and tier pacing can change without a restart.
	mgr.SetLogger(log.With(logx.String("component", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error { return c.Validate() })
	updates := mgr.Subscribe(1)
	go func() { _ = mgr.Watch(ctx) }()
	go func() {
		for c := range updates {
			nlc := c.LoggingDefaults()
			logSvc.Apply(logx.Config{
				Level:   nlc.Level,
				Console: nlc.Console,
				File:    logx.FileConfig{Enabled: nlc.File.Enabled, Path: nlc.File.Path},
			})
			if iv, err := c.TierIntervals(); err == nil {
				limiter.SetIntervals(iv)
			}
		}
	}()

	go logEvents(ctx, bus, log)

	log.Info("threadflow started",
		logx.String("channel", cfg.Slack.Channel),
		logx.String("config", cfgPath))

	err = replayScript(ctx, os.Stdin, reg, cfg.Slack.Channel, log)

	stopTimeout := dcfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = time.Minute
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	reg.StopAll(stopCtx)
	mgr.Unsubscribe(updates)

	log.Info("threadflow stopped")
	return err
}

// logEvents surfaces engine events at low verbosity so a soak run can be
// followed from the console.
func logEvents(ctx context.Context, bus eventbus.Bus, log logx.Logger) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}
