package main

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/justinmoon/playground/internal/db"
	"github.com/justinmoon/playground/internal/playground"
	"github.com/justinmoon/playground/internal/terminal"
)

func newSessionsCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Show live terminal sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL)
			if err != nil {
				return err
			}
			var status terminal.Status
			if err := client.get("/api/sessions", &status); err != nil {
				return err
			}

			limit := "unlimited"
			if status.MaxSessions > 0 {
				limit = strconv.Itoa(status.MaxSessions)
			}
			fmt.Printf("%d active (max %s)\n", status.ActiveSessions, limit)
			for _, s := range status.Sessions {
				fmt.Printf("%s  %-24s %6.0fs  out=%d in=%d\n",
					s.ID, s.ContainerName, s.UptimeSeconds, s.BytesSent, s.BytesReceived)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default from config)")

	stopCmd := &cobra.Command{
		Use:   "stop <session-id>",
		Short: "End a live terminal session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL)
			if err != nil {
				return err
			}
			if err := client.delete("/api/sessions/"+url.PathEscape(args[0]), nil); err != nil {
				return err
			}
			fmt.Printf("Stopping session %s\n", args[0])
			return nil
		},
	}

	var container string
	var limit int
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently ended sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL)
			if err != nil {
				return err
			}
			q := url.Values{}
			if container != "" {
				q.Set("container", container)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var records []db.SessionRecord
			if err := client.get("/api/sessions/history?"+q.Encode(), &records); err != nil {
				return err
			}
			for _, r := range records {
				fmt.Printf("%s  %-24s %s  %8s  %s\n",
					r.ID, r.Container, r.StartedAt.Format(time.DateTime), r.Duration().Round(time.Second), r.EndReason)
			}
			return nil
		},
	}
	historyCmd.Flags().StringVar(&container, "container", "", "only sessions for this container")
	historyCmd.Flags().IntVar(&limit, "limit", 0, "maximum number of sessions")

	cmd.AddCommand(stopCmd, historyCmd)
	return cmd
}

func newOperationsCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "operations [id]",
		Short: "Show background lifecycle operations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				var op playground.Operation
				if err := client.get("/api/operations/"+url.PathEscape(args[0]), &op); err != nil {
					return err
				}
				printOperation(op)
				return nil
			}
			var ops []playground.Operation
			if err := client.get("/api/operations", &ops); err != nil {
				return err
			}
			for _, op := range ops {
				printOperation(op)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "server URL (default from config)")
	return cmd
}
