package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/justinmoon/playground/internal/playground"
)

func newContainerCmds() []*cobra.Command {
	return []*cobra.Command{
		newListCmd(),
		newLifecycleCmd("start", "Start a playground container"),
		newLifecycleCmd("stop", "Stop and remove a playground container"),
		newLifecycleCmd("restart", "Restart a playground container"),
		newLogsCmd(),
	}
}

func newListCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List playgrounds and their container state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL)
			if err != nil {
				return err
			}
			var list []playground.Playground
			if err := client.get("/api/containers", &list); err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No playgrounds in catalog.")
				return nil
			}
			for _, p := range list {
				fmt.Printf("%-20s %-12s %s\n", p.Name, p.State, p.Image)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "server URL (default from config)")
	return cmd
}

// newLifecycleCmd builds start/stop/restart. Without a name, stop and
// restart apply to every playground.
func newLifecycleCmd(action, short string) *cobra.Command {
	var serverURL string
	var wait bool
	var all bool

	cmd := &cobra.Command{
		Use:   action + " [name]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL)
			if err != nil {
				return err
			}
			query := ""
			if wait {
				query = "?wait=true"
			}

			if all {
				if action == "start" {
					return fmt.Errorf("--all is not supported for start")
				}
				var ops []playground.Operation
				if err := client.post("/api/containers/"+action+"-all"+query, &ops); err != nil {
					return err
				}
				if len(ops) == 0 {
					fmt.Println("Nothing to do.")
				}
				failed := 0
				for _, op := range ops {
					printOperation(op)
					if op.Status == playground.StatusFailed {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d operations failed", failed, len(ops))
				}
				return nil
			}

			if len(args) != 1 {
				return fmt.Errorf("playground name required (or --all)")
			}
			var op playground.Operation
			err = client.post("/api/containers/"+url.PathEscape(args[0])+"/"+action+query, &op)
			if op.ID != "" {
				printOperation(op)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "server URL (default from config)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the operation to finish")
	if action != "start" {
		cmd.Flags().BoolVar(&all, "all", false, "apply to every playground")
	}
	return cmd
}

func printOperation(op playground.Operation) {
	line := fmt.Sprintf("%s %s %s: %s", op.ID, op.Kind, op.Playground, op.Status)
	if op.Error != "" {
		line += " (" + op.Error + ")"
	}
	if op.Warning != "" {
		line += " [warning: " + op.Warning + "]"
	}
	fmt.Println(line)
}

func newLogsCmd() *cobra.Command {
	var serverURL string
	var tail int

	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Show a playground container's output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(serverURL)
			if err != nil {
				return err
			}
			path := "/api/containers/" + url.PathEscape(args[0]) + "/logs"
			if tail > 0 {
				path += "?tail=" + strconv.Itoa(tail)
			}
			return client.get(path, os.Stdout)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "server URL (default from config)")
	cmd.Flags().IntVar(&tail, "tail", 0, "number of lines (default from server config)")
	return cmd
}
