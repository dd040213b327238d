package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/text/message"

	"github.com/Ning0612/robomirror/internal/domain"
	"github.com/Ning0612/robomirror/internal/mirror"
	"github.com/Ning0612/robomirror/internal/progress"
	"github.com/Ning0612/robomirror/internal/robocopy"
	"github.com/Ning0612/robomirror/internal/service"
)

func newMirrorCmd(a *app, backup bool) *cobra.Command {
	var simulate, yes bool

	dir := domain.Forward
	cmd := &cobra.Command{
		Use:   "backup <task>",
		Short: "Mirror a task's source to its target",
		Long: `Mirror a task's source folder to its target folder.

With --simulate robocopy first lists the pending changes and the real
pass only starts once they are confirmed. Ctrl-C asks whether to abort
the running robocopy.`,
		Args: cobra.ExactArgs(1),
	}
	if !backup {
		dir = domain.Reverse
		cmd.Use = "restore <task>"
		cmd.Short = "Mirror a task's target back to its source"
		cmd.Long = `Mirror a task's target folder back to its source folder.

Pending changes are listed and confirmed first unless --simulate=false.
A restore never updates the task's last backup time.`
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return a.runMirror(cmd, args[0], dir, simulate, yes)
	}
	cmd.Flags().BoolVar(&simulate, "simulate", !backup, "list pending changes and confirm before mirroring")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm pending changes and aborts without asking")
	return cmd
}

func (a *app) runMirror(cmd *cobra.Command, ref string, dir domain.Direction, simulate, yes bool) error {
	svc, store, outcomes, err := a.openService()
	if err != nil {
		return err
	}
	defer outcomes.Close()

	task, err := store.Find(ref)
	if err != nil {
		return err
	}

	p := a.printer()
	var prompter mirror.Prompter = mirror.AutoConfirm{}
	if !yes && isTerminal(a.in) {
		prompter = &consolePrompter{in: bufio.NewReader(a.in), out: a.errOut, printer: p}
	}

	// Ctrl-C asks; SIGTERM aborts without asking
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()
	interrupts := forwardInterrupts()
	defer interrupts.stop()

	result, err := svc.Run(ctx, task.ID, service.RunOptions{
		Direction:  dir,
		Simulate:   simulate,
		Prompter:   prompter,
		Reporter:   progress.NewWriterReporter(a.errOut, barWidth(a.errOut)),
		Notifier:   writerNotifier{w: a.errOut},
		Interrupts: interrupts.ch,
	})
	if err != nil {
		return err
	}

	if result.Completed {
		src, dst := task.Resolve(dir)
		fmt.Fprintf(a.out, result.Classification.Message+"\n", robocopy.QuotePath(src), robocopy.QuotePath(dst))
		fmt.Fprintf(a.out, "  %s copied, %s deleted, %s failed\n",
			count(p, result.Summary.Transfers), count(p, result.Summary.Deletions), count(p, result.Summary.Errors))
	}
	return service.ResultError(result)
}

// interruptForwarder turns SIGINT into abort requests
type interruptForwarder struct {
	sigs chan os.Signal
	ch   chan struct{}
}

func forwardInterrupts() *interruptForwarder {
	f := &interruptForwarder{
		sigs: make(chan os.Signal, 1),
		ch:   make(chan struct{}, 1),
	}
	signal.Notify(f.sigs, os.Interrupt)
	go func() {
		for range f.sigs {
			select {
			case f.ch <- struct{}{}:
			default:
			}
		}
	}()
	return f
}

func (f *interruptForwarder) stop() {
	signal.Stop(f.sigs)
	close(f.sigs)
}

// consolePrompter asks y/N questions on the terminal
type consolePrompter struct {
	in      *bufio.Reader
	out     io.Writer
	printer *message.Printer
}

func (c *consolePrompter) ConfirmPendingChanges(s mirror.Summary) bool {
	fmt.Fprintf(c.out, "\nPending changes, %s -> %s:\n", robocopy.QuotePath(s.Source), robocopy.QuotePath(s.Destination))
	if s.Transfers == 0 && s.Deletions == 0 {
		fmt.Fprintln(c.out, "  none, the folders are already in sync")
	} else {
		fmt.Fprintf(c.out, "  %s items to copy\n", count(c.printer, s.Transfers))
		fmt.Fprintf(c.out, "  %s items to delete\n", count(c.printer, s.Deletions))
	}
	if s.Errors > 0 {
		fmt.Fprintf(c.out, "  %s items could not be inspected\n", count(c.printer, s.Errors))
	}
	return c.ask("Proceed?")
}

func (c *consolePrompter) ConfirmAbort() bool {
	return c.ask("\nAbort the running operation?")
}

func (c *consolePrompter) ask(question string) bool {
	fmt.Fprintf(c.out, "%s [y/N] ", question)
	line, err := c.in.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(c.out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

type writerNotifier struct {
	w io.Writer
}

func (n writerNotifier) NotifyError(msg string) {
	fmt.Fprintf(n.w, "Error: %s\n", msg)
}

// count groups digits for the configured locale
func count(p *message.Printer, n int) string {
	return p.Sprintf("%d", n)
}
