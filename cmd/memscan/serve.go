package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrElectrify/memscan/internal/config"
	"github.com/MrElectrify/memscan/internal/natsctx"
	"github.com/MrElectrify/memscan/internal/otelinit"
	"github.com/MrElectrify/memscan/internal/service"
	"github.com/MrElectrify/memscan/scanner"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP scanning service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	return cmd
}

func serve(ctx context.Context, cfg config.Struct) error {
	shutdownTrace := otelinit.InitTracer(ctx, serviceName, cfg.Telemetry.OTLPEndpoint)
	shutdownMetrics, metrics := otelinit.InitMetrics(ctx, serviceName, cfg.Telemetry.OTLPEndpoint)
	defer func() {
		otelinit.Flush(context.Background(), shutdownTrace)
		otelinit.Flush(context.Background(), shutdownMetrics)
	}()

	stats := scanner.NewMetricsCollector()
	opts := []service.Option{service.WithMetrics(metrics), service.WithStats(stats)}

	rules, err := loadRules(cfg, stats)
	if err != nil {
		slog.Warn("serving without rules", "dir", cfg.Rules.Dir, "error", err)
	} else {
		defer rules.Close()
		opts = append(opts, service.WithRules(rules))
	}

	if cfg.NATS.URL != "" {
		nc, err := natsctx.Connect(ctx, cfg.NATS.URL, serviceName, cfg.NATS.ConnectAttempts)
		if err != nil {
			slog.Error("nats connect failed; match events disabled", "url", cfg.NATS.URL, "error", err)
		} else {
			pub := natsctx.NewPublisher(nc)
			defer pub.Close()
			opts = append(opts, service.WithPublisher(pub))
			slog.Info("publishing match events", "subject", cfg.NATS.Subject)
		}
	}

	return service.New(cfg, opts...).Run(ctx)
}

func loadRules(cfg config.Struct, stats *scanner.MetricsCollector) (*scanner.HotReloadRuleSet, error) {
	if _, err := os.Stat(cfg.Rules.Dir); err != nil {
		return nil, err
	}
	rules, err := scanner.NewHotReloadRuleSet(
		scanner.NewDirectoryRuleLoader(cfg.Rules.Dir),
		scanner.WithWorkers(cfg.Scan.Workers),
		scanner.WithParallelThreshold(int(cfg.Scan.ParallelThreshold)),
		scanner.WithMetrics(stats),
	)
	if err != nil {
		return nil, err
	}
	slog.Info("rules loaded", "count", rules.Current().Len(), "version", rules.Metadata().Version)
	if cfg.Rules.Watch {
		if err := rules.Watch(cfg.Rules.Dir); err != nil {
			_ = rules.Close()
			return nil, fmt.Errorf("watching rules: %w", err)
		}
	}
	return rules, nil
}
