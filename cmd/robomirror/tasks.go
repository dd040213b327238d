package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/Ning0612/robomirror/internal/domain"
	"github.com/Ning0612/robomirror/internal/robocopy"
	"github.com/Ning0612/robomirror/internal/service"
)

var extendedAttributeModes = map[string]string{
	"none": domain.ExtendedAttributesNone,
	"acls": domain.ExtendedAttributesACLs,
	"all":  domain.ExtendedAttributesAll,
}

// taskFlags are shared by tasks add and tasks edit
type taskFlags struct {
	source             string
	target             string
	excludedFiles      []string
	excludedFolders    []string
	excludedAttributes string
	extendedAttributes string
	keepExtra          bool
	shadowCopy         bool
	switches           string
}

func (f *taskFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.source, "source", "", "folder backed up by a forward run")
	fs.StringVar(&f.target, "target", "", "folder receiving the mirror")
	fs.StringArrayVar(&f.excludedFiles, "exclude-file", nil, `file to exclude: a wildcard ("*.tmp") or a path relative to the source ("\dir\file")`)
	fs.StringArrayVar(&f.excludedFolders, "exclude-folder", nil, "folder to exclude, same forms as --exclude-file")
	fs.StringVar(&f.excludedAttributes, "exclude-attributes", "", `skip files with any of these attributes, e.g. "HS"`)
	fs.StringVar(&f.extendedAttributes, "extended-attributes", "none", "NTFS security to copy: none, acls or all")
	fs.BoolVar(&f.keepExtra, "keep-extra", false, "keep target items that no longer exist in the source")
	fs.BoolVar(&f.shadowCopy, "shadow-copy", false, "read the source through a volume shadow copy")
	fs.StringVar(&f.switches, "switches", "", "extra robocopy switches appended after the defaults")
}

// apply copies the flags the user set onto task
func (f *taskFlags) apply(fs *pflag.FlagSet, task *domain.MirrorTask) error {
	if fs.Changed("source") {
		task.Source = f.source
	}
	if fs.Changed("target") {
		task.Target = f.target
	}
	if fs.Changed("exclude-file") {
		task.ExcludedFiles = f.excludedFiles
	}
	if fs.Changed("exclude-folder") {
		task.ExcludedFolders = f.excludedFolders
	}
	if fs.Changed("exclude-attributes") {
		task.ExcludedAttributes = strings.ToUpper(f.excludedAttributes)
	}
	if fs.Changed("extended-attributes") {
		mode, ok := extendedAttributeModes[strings.ToLower(f.extendedAttributes)]
		if !ok {
			return fmt.Errorf("%w: --extended-attributes must be none, acls or all", domain.ErrInvalidTask)
		}
		task.ExtendedAttributes = mode
	}
	if fs.Changed("keep-extra") {
		task.DeleteExtraItems = !f.keepExtra
	}
	if fs.Changed("shadow-copy") {
		task.UseVolumeShadowCopy = f.shadowCopy
	}
	if fs.Changed("switches") {
		task.CustomSwitches = f.switches
	}
	return nil
}

func newTasksCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage mirror tasks",
	}
	cmd.AddCommand(
		newTasksListCmd(a),
		newTasksAddCmd(a),
		newTasksEditCmd(a),
		newTasksShowCmd(a),
		newTasksRemoveCmd(a),
		newTasksUnlockCmd(a),
	)
	return cmd
}

func newTasksListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List mirror tasks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			list, err := store.List()
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(a.out, "No tasks. Add one with: robomirror tasks add --source <folder> --target <folder>")
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSOURCE\tTARGET\tSHADOW COPY\tLAST BACKUP")
			for _, t := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.Source, t.Target, yesNo(t.UseVolumeShadowCopy), lastBackup(t.LastOperation))
			}
			return w.Flush()
		},
	}
}

func newTasksAddCmd(a *app) *cobra.Command {
	var flags taskFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a mirror task",
		Example: `  robomirror tasks add --source C:\Users\me\Documents --target E:\Backup\Documents
  robomirror tasks add --source D:\Photos --target \\nas\photos --exclude-file *.tmp --shadow-copy`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			task := domain.MirrorTask{DeleteExtraItems: true}
			if err := flags.apply(cmd.Flags(), &task); err != nil {
				return err
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			saved, err := store.Save(cmd.Context(), task)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Added task %s\n", saved.ID)
			return nil
		},
	}
	flags.register(cmd.Flags())
	cmd.MarkFlagRequired("source")
	cmd.MarkFlagRequired("target")
	return cmd
}

func newTasksEditCmd(a *app) *cobra.Command {
	var flags taskFlags
	cmd := &cobra.Command{
		Use:   "edit <task>",
		Short: "Change settings of a mirror task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			task, err := store.Find(args[0])
			if err != nil {
				return err
			}
			_, err = store.Update(cmd.Context(), task.ID, func(t *domain.MirrorTask) error {
				return flags.apply(cmd.Flags(), t)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Updated task %s\n", task.ID)
			return nil
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

// taskView is the YAML shown by tasks show
type taskView struct {
	Task        domain.MirrorTask `yaml:"task"`
	CommandLine string            `yaml:"robocopy,omitempty"`
	LastOutcome string            `yaml:"last_outcome,omitempty"`
}

func newTasksShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task>",
		Short: "Show a mirror task and its last outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			outcomes, err := a.openOutcomes()
			if err != nil {
				return err
			}
			defer outcomes.Close()

			task, err := store.Find(args[0])
			if err != nil {
				return err
			}
			view := taskView{Task: task}
			// robocopy may be missing on this machine; the task is still shown
			if svc, err := service.NewMirrorService(a.cfg, store, outcomes); err == nil {
				if line, err := svc.CommandLine(task, domain.Forward); err == nil {
					view.CommandLine = line
				}
			}
			if last, err := outcomes.LastEntry(task.ID); err == nil && last != nil {
				view.LastOutcome = fmt.Sprintf("%s [%s] %s",
					last.Timestamp.Format(time.DateTime), last.Severity, last.Message)
			}

			enc := yaml.NewEncoder(a.out)
			enc.SetIndent(2)
			if err := enc.Encode(view); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func newTasksRemoveCmd(a *app) *cobra.Command {
	var keepLog bool
	cmd := &cobra.Command{
		Use:     "remove <task>",
		Aliases: []string{"rm"},
		Short:   "Remove a mirror task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			task, err := store.Find(args[0])
			if err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), task.ID); err != nil {
				return err
			}

			if !keepLog {
				outcomes, err := a.openOutcomes()
				if err != nil {
					return err
				}
				defer outcomes.Close()
				if _, err := outcomes.DeleteEntries(task.ID); err != nil {
					return err
				}
			}
			fmt.Fprintf(a.out, "Removed task %s (%s -> %s)\n",
				task.ID, robocopy.QuotePath(task.Source), robocopy.QuotePath(task.Target))
			return nil
		},
	}
	cmd.Flags().BoolVar(&keepLog, "keep-log", false, "keep the task's outcome log entries")
	return cmd
}

func newTasksUnlockCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "unlock <task>",
		Short: "Remove a task lock left behind by a crashed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			task, err := store.Find(args[0])
			if err != nil {
				return err
			}
			holder, err := service.Unlock(a.cfg, task.ID, force)
			if err != nil {
				return err
			}
			if holder == nil {
				fmt.Fprintf(a.out, "No live lock on task %s\n", task.ID)
				return nil
			}
			fmt.Fprintf(a.out, "Unlocked task %s (was held by pid %d)\n", task.ID, holder.PID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove the lock even if its process is still running")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func lastBackup(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
