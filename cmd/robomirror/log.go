package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ning0612/robomirror/internal/domain"
)

func newLogCmd(a *app) *cobra.Command {
	var (
		limit   int
		details bool
	)
	cmd := &cobra.Command{
		Use:   "log <task>",
		Short: "Show the outcome log of a task, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			// entries outlive a task removed with --keep-log
			id := args[0]
			if task, err := store.Find(id); err == nil {
				id = task.ID
			} else if !errors.Is(err, domain.ErrTaskNotFound) {
				return err
			}

			outcomes, err := a.openOutcomes()
			if err != nil {
				return err
			}
			defer outcomes.Close()

			entries, err := outcomes.Entries(id, limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintf(a.out, "No log entries for %s\n", id)
				return nil
			}

			for _, e := range entries {
				fmt.Fprintf(a.out, "%s  %-7s  %s\n", e.Timestamp.Format(time.DateTime), e.Severity, e.Message)
				if details && e.Data != "" {
					for _, line := range strings.Split(strings.TrimRight(e.Data, "\r\n"), "\n") {
						fmt.Fprintf(a.out, "    %s\n", strings.TrimRight(line, "\r"))
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	cmd.Flags().BoolVar(&details, "details", false, "include robocopy's full output")
	return cmd
}
