package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/justinmoon/playground/internal/config"
	"github.com/justinmoon/playground/internal/events"
)

func newEventsCmd() *cobra.Command {
	var natsURL string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "events [container]",
		Short: "Follow session and container events from NATS",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if natsURL != "" {
				cfg.Server.NatsURL = natsURL
			}
			if cfg.Server.NatsURL == "" {
				return fmt.Errorf("no NATS URL configured (set PLAYGROUND_NATS_URL or --nats-url)")
			}

			bus, err := events.NewBus(cfg.Server.NatsURL)
			if err != nil {
				return err
			}
			defer bus.Close()

			handler := func(e events.Event) { printEvent(os.Stdout, e, asJSON) }
			var unsubscribe func()
			if len(args) == 1 {
				unsubscribe, err = bus.SubscribeContainer(args[0], handler)
			} else {
				unsubscribe, err = bus.Subscribe("playground.>", handler)
			}
			if err != nil {
				return err
			}
			defer unsubscribe()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS URL (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON events")
	return cmd
}

func printEvent(w io.Writer, e events.Event, asJSON bool) {
	if asJSON {
		data, _ := json.Marshal(e)
		fmt.Fprintln(w, string(data))
		return
	}
	line := fmt.Sprintf("%s %-18s %s", e.Timestamp.Format("15:04:05"), e.Type, e.Container)
	if e.SessionID != "" {
		line += " session=" + e.SessionID
	}
	if e.OperationID != "" {
		line += " operation=" + e.OperationID
	}
	if e.Reason != "" {
		line += " reason=" + e.Reason
	}
	fmt.Fprintln(w, line)
}
