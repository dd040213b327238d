package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"golang.org/x/text/message"

	"github.com/Ning0612/robomirror/internal/config"
	"github.com/Ning0612/robomirror/internal/logger"
	"github.com/Ning0612/robomirror/internal/service"
	"github.com/Ning0612/robomirror/internal/state"
	"github.com/Ning0612/robomirror/internal/tasks"
)

// skipSetup marks commands that run without a configuration
const skipSetup = "robomirror/skip-setup"

// app carries the state shared by every command
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "robomirror",
		Short: "Mirror folders with Robocopy",
		Long: `robomirror keeps a target folder an exact copy of a source folder using
Robocopy. Tasks are stored once and run by id, interactively with an
optional simulation pass or headless from the scheduler daemon. Sources
can be read through a volume shadow copy so open files are copied too.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default: ./config.yaml, then the user config dir)")
	flags.StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newTasksCmd(a),
		newMirrorCmd(a, true),
		newMirrorCmd(a, false),
		newLogCmd(a),
		newDaemonCmd(a),
		newDocsCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Annotations[skipSetup] != "" {
		return nil
	}

	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	a.cfg = cfg

	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Get().Debug("configuration loaded", "data_dir", cfg.DataDir, "config", a.configPath)
	return nil
}

func (a *app) openStore() (*tasks.Store, error) {
	return tasks.NewStore(a.cfg.TasksFile())
}

func (a *app) openOutcomes() (*state.Manager, error) {
	return state.NewManager(a.cfg.OutcomeDB())
}

// openService opens everything a run needs; close releases the outcome log
func (a *app) openService() (svc *service.MirrorService, store *tasks.Store, outcomes *state.Manager, err error) {
	store, err = a.openStore()
	if err != nil {
		return nil, nil, nil, err
	}
	outcomes, err = a.openOutcomes()
	if err != nil {
		return nil, nil, nil, err
	}
	svc, err = service.NewMirrorService(a.cfg, store, outcomes)
	if err != nil {
		outcomes.Close()
		return nil, nil, nil, err
	}
	return svc, store, outcomes, nil
}

// printer groups digits the way the configured locale does
func (a *app) printer() *message.Printer {
	return message.NewPrinter(a.cfg.Locale())
}

func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// barWidth sizes the progress bar to the terminal, 40 otherwise
func barWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 20 {
			return cols - 10
		}
	}
	return 40
}
