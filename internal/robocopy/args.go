package robocopy

import (
	"path/filepath"
	"strings"
)

type argKind int

const (
	argSwitches argKind = iota // raw switch text, split on whitespace for argv
	argSource
	argDestination
	argRootedExclusion // absolute path below the source
	argPattern         // bare wildcard matched anywhere
)

type argument struct {
	kind  argKind
	value string
}

// buildArguments returns robocopy's arguments in their fixed order:
// source, destination, base and custom switches, /zb, /copy, /purge,
// /xa, /xf, /xd and finally /l for a dry run.
func buildArguments(source, destination string, task taskSwitches, opts Options) []argument {
	args := []argument{
		{argSource, source},
		{argDestination, destination},
	}

	addSwitches := func(s string) {
		if strings.TrimSpace(s) != "" {
			args = append(args, argument{argSwitches, strings.TrimSpace(s)})
		}
	}

	addSwitches(opts.Switches)
	addSwitches(task.custom)

	if opts.BackupMode {
		addSwitches("/zb")
	}
	if task.extendedAttributes != "" {
		addSwitches("/copy:dat" + strings.ToUpper(task.extendedAttributes))
	}
	if task.purge {
		addSwitches("/purge")
	}
	if task.excludedAttributes != "" {
		addSwitches("/xa:" + strings.ToUpper(task.excludedAttributes))
	}

	addExclusions := func(flag string, entries []string) {
		if len(entries) == 0 {
			return
		}
		addSwitches(flag)
		for _, e := range entries {
			args = append(args, exclusion(source, e))
		}
	}
	addExclusions("/xf", task.excludedFiles)
	addExclusions("/xd", task.excludedFolders)

	if opts.DryRun {
		addSwitches("/l")
	}
	return args
}

type taskSwitches struct {
	custom             string
	extendedAttributes string
	excludedAttributes string
	excludedFiles      []string
	excludedFolders    []string
	purge              bool
}

// exclusion resolves an entry starting with a separator against the
// source root; anything else stays a bare pattern. Both slash styles
// mark a rooted entry.
func exclusion(source, entry string) argument {
	if entry != "" && (entry[0] == '\\' || entry[0] == '/') {
		root := strings.TrimRight(source, `\/`)
		return argument{argRootedExclusion, root + entry}
	}
	return argument{argPattern, entry}
}

// render produces argv and the Windows command line. A non-empty
// mountPoint replaces the source volume in the source and in rooted
// exclusions; the destination is never rewritten.
func render(toolPath string, args []argument, volume, mountPoint string) ([]string, string) {
	argv := make([]string, 0, len(args))
	parts := []string{QuotePath(toolPath)}

	for _, a := range args {
		value := a.value
		if mountPoint != "" && (a.kind == argSource || a.kind == argRootedExclusion) {
			value = rebase(value, volume, mountPoint)
		}

		if a.kind == argSwitches {
			argv = append(argv, strings.Fields(value)...)
			parts = append(parts, value)
			continue
		}
		argv = append(argv, value)
		parts = append(parts, QuotePath(value))
	}

	return argv, strings.Join(parts, " ")
}

// rebase moves path from volume onto mountPoint
func rebase(path, volume, mountPoint string) string {
	if len(path) < len(volume) || !strings.EqualFold(path[:len(volume)], volume) {
		return path
	}
	return filepath.Join(mountPoint, path[len(volume):])
}

// VolumeOf returns the volume a path lives on, e.g. "C:" or `\\server\share`.
// Paths without a volume name resolve to the filesystem root.
func VolumeOf(path string) string {
	if v := filepath.VolumeName(path); v != "" {
		return v
	}
	return string(filepath.Separator)
}

// QuotePath encloses path in double quotes. A trailing backslash is
// doubled so that it does not escape the closing quote.
func QuotePath(path string) string {
	if strings.HasSuffix(path, `\`) {
		path += `\`
	}
	return `"` + path + `"`
}

// hasSwitch reports whether any of names appears among the switch tokens
func hasSwitch(args []argument, names ...string) bool {
	for _, a := range args {
		if a.kind != argSwitches {
			continue
		}
		for _, tok := range strings.Fields(a.value) {
			for _, n := range names {
				if strings.EqualFold(tok, n) {
					return true
				}
			}
		}
	}
	return false
}
