package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/buildbay/internal/job"
	"golang.org/x/term"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status",
		Long:  "Displays per-status job counts and the total tracked jobs. Use --watch for auto-refresh.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "buildbay.yaml", "path to BuildBay config file")
	cmd.Flags().BoolVar(&watch, "watch", false, "auto-refresh every 5 seconds")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string, watch bool) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	// Screen clearing only makes sense on a real terminal.
	clearScreen := watch && term.IsTerminal(int(os.Stdout.Fd()))

	for {
		stats, err := job.Stats(gormDB)
		if err != nil {
			return err
		}
		total, err := job.Count(gormDB)
		if err != nil {
			return err
		}

		if clearScreen {
			fmt.Fprint(out, "\033[2J\033[H")
		}

		fmt.Fprintln(out, "BuildBay queue")
		fmt.Fprintf(out, "  queued:    %d\n", stats.Queued)
		fmt.Fprintf(out, "  building:  %d\n", stats.Building)
		fmt.Fprintf(out, "  running:   %d\n", stats.Running)
		fmt.Fprintf(out, "  completed: %d\n", stats.Completed)
		fmt.Fprintf(out, "  failed:    %d\n", stats.Failed)
		fmt.Fprintf(out, "  cancelled: %d\n", stats.Cancelled)
		fmt.Fprintf(out, "  total:     %d\n", total)

		if !watch {
			return nil
		}
		time.Sleep(5 * time.Second)
	}
}
