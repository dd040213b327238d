package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ning0612/robomirror/internal/config"
	"github.com/Ning0612/robomirror/internal/daemon"
	"github.com/Ning0612/robomirror/internal/service"
)

func newDaemonCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run backups on a schedule",
	}
	cmd.AddCommand(newDaemonRunCmd(a), newDaemonStopCmd(a), newDaemonStatusCmd(a))
	return cmd
}

func newDaemonRunCmd(a *app) *cobra.Command {
	var (
		interval time.Duration
		taskRefs []string
		now      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run scheduled backups in the foreground",
		Long: `Run scheduled backups in the foreground until stopped.

Each round backs up the selected tasks (all tasks by default) one after
the other without simulation. Outcomes go to the outcome log. Use
"robomirror daemon stop" to end the daemon after its current round.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("interval") {
				interval = a.cfg.Daemon.Interval
			}
			if interval < config.MinDaemonInterval {
				return fmt.Errorf("--interval must be at least %v", config.MinDaemonInterval)
			}
			if len(taskRefs) == 0 {
				taskRefs = a.cfg.Daemon.Tasks
			}

			svc, store, outcomes, err := a.openService()
			if err != nil {
				return err
			}
			defer outcomes.Close()

			// resolve prefixes now so a typo fails before the first round
			ids := make([]string, 0, len(taskRefs))
			for _, ref := range taskRefs {
				task, err := store.Find(ref)
				if err != nil {
					return err
				}
				ids = append(ids, task.ID)
			}

			d, err := service.NewDaemonService(service.DaemonOptions{
				Interval:   interval,
				TaskIDs:    ids,
				RunOnStart: now,
				PIDFile:    a.cfg.PIDFile(),
			}, svc)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between rounds (default daemon.interval)")
	cmd.Flags().StringArrayVar(&taskRefs, "task", nil, "task to back up each round, repeatable (default daemon.tasks, then all)")
	cmd.Flags().BoolVar(&now, "now", false, "run the first round immediately")
	return cmd
}

func newDaemonStopCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon after its current round",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid := daemon.NewPIDFile(a.cfg.PIDFile())
			if force {
				if err := pid.Kill(); err != nil {
					return err
				}
				fmt.Fprintln(a.out, "Daemon terminated")
				return nil
			}
			if err := pid.RequestStop(); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Stop requested; the daemon exits after its current round")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "terminate the daemon without waiting")
	return cmd
}

func newDaemonStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon runs and the last outcome of each task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pid := daemon.NewPIDFile(a.cfg.PIDFile())
			if n, running := pid.Status(); running {
				fmt.Fprintf(a.out, "Daemon: running (pid %d)\n", n)
				if pid.StopRequested() {
					fmt.Fprintln(a.out, "  stop requested")
				}
			} else {
				fmt.Fprintln(a.out, "Daemon: not running")
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			list, err := store.List()
			if err != nil {
				return err
			}
			outcomes, err := a.openOutcomes()
			if err != nil {
				return err
			}
			defer outcomes.Close()

			for _, t := range list {
				last, err := outcomes.LastEntry(t.ID)
				if err != nil {
					return err
				}
				outcome := "no runs yet"
				if last != nil {
					outcome = fmt.Sprintf("%s %s", last.Timestamp.Format(time.DateTime), last.Severity)
				}
				fmt.Fprintf(a.out, "%s  last backup %s, last outcome %s\n", t.ID, lastBackup(t.LastOperation), outcome)
			}
			return nil
		},
	}
}
