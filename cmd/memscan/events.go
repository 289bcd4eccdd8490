package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	nats "github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/MrElectrify/memscan/internal/config"
	"github.com/MrElectrify/memscan/internal/natsctx"
)

func newEventsCmd(stdout io.Writer) *cobra.Command {
	defaults := config.Default()
	url, subject := nats.DefaultURL, defaults.NATS.Subject
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print match events published by the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			nc, err := natsctx.Connect(ctx, url, serviceName+"-events", defaults.NATS.ConnectAttempts)
			if err != nil {
				return err
			}
			defer nc.Close()
			sub, err := natsctx.Subscribe(nc, subject, func(_ context.Context, m *nats.Msg) {
				fmt.Fprintln(stdout, string(m.Data))
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()
			slog.Info("listening for match events", "url", url, "subject", subject)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "nats", url, "NATS server URL")
	cmd.Flags().StringVar(&subject, "subject", subject, "match event subject")
	return cmd
}
