package domain

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Direction selects which side of a task is copied onto the other
type Direction int

const (
	// Forward mirrors the source onto the target (backup)
	Forward Direction = iota
	// Reverse mirrors the target back onto the source (restore)
	Reverse
)

// String returns the operation name for the direction
func (d Direction) String() string {
	if d == Reverse {
		return "restore"
	}
	return "backup"
}

// Extended attribute copy modes, appended to robocopy's /copy:DAT
const (
	ExtendedAttributesNone    = ""
	ExtendedAttributesACLs    = "S"
	ExtendedAttributesAll     = "SOU"
	validExcludedAttributeSet = "RASHCNETO"
)

// MirrorTask is the durable description of a source/target pairing
type MirrorTask struct {
	// ID is the stable identifier used by schedulers and the outcome log
	ID string `yaml:"id" mapstructure:"id"`

	// Source folder backed up by a forward run
	Source string `yaml:"source" mapstructure:"source"`

	// Target folder receiving the mirror
	Target string `yaml:"target" mapstructure:"target"`

	// ExcludedFiles are rooted ("\dir\file") or bare wildcard ("*.tmp") entries
	ExcludedFiles []string `yaml:"excluded_files,omitempty" mapstructure:"excluded_files"`

	// ExcludedFolders follow the same convention as ExcludedFiles
	ExcludedFolders []string `yaml:"excluded_folders,omitempty" mapstructure:"excluded_folders"`

	// ExcludedAttributes are robocopy attribute letters, e.g. "HS"
	ExcludedAttributes string `yaml:"excluded_attributes,omitempty" mapstructure:"excluded_attributes"`

	// ExtendedAttributes is one of the ExtendedAttributes* modes
	ExtendedAttributes string `yaml:"extended_attributes,omitempty" mapstructure:"extended_attributes"`

	// DeleteExtraItems purges destination items missing in the source
	DeleteExtraItems bool `yaml:"delete_extra_items" mapstructure:"delete_extra_items"`

	// UseVolumeShadowCopy reads the source through a mounted snapshot
	UseVolumeShadowCopy bool `yaml:"use_volume_shadow_copy" mapstructure:"use_volume_shadow_copy"`

	// CustomSwitches are appended verbatim after the base switches
	CustomSwitches string `yaml:"custom_switches,omitempty" mapstructure:"custom_switches"`

	// LastOperation is the time of the last successful backup
	LastOperation *time.Time `yaml:"last_operation,omitempty" mapstructure:"last_operation"`
}

// Resolve returns the effective source and destination for a direction
func (t MirrorTask) Resolve(dir Direction) (source, destination string) {
	if dir == Reverse {
		return t.Target, t.Source
	}
	return t.Source, t.Target
}

// Validate checks the static invariants of a task.
// Folder existence is checked when a tool invocation is built.
func (t MirrorTask) Validate() error {
	if strings.TrimSpace(t.Source) == "" || strings.TrimSpace(t.Target) == "" {
		return fmt.Errorf("%w: source and target are required", ErrInvalidTask)
	}

	source := filepath.Clean(t.Source)
	target := filepath.Clean(t.Target)
	if samePath(source, target) {
		return fmt.Errorf("%w: source and target are the same folder", ErrInvalidTask)
	}
	if IsInFolder(target, source) {
		return fmt.Errorf("%w: target %q is inside source %q", ErrInvalidTask, target, source)
	}

	switch strings.ToUpper(t.ExtendedAttributes) {
	case ExtendedAttributesNone, ExtendedAttributesACLs, ExtendedAttributesAll:
	default:
		return fmt.Errorf("%w: unknown extended attributes mode %q", ErrInvalidTask, t.ExtendedAttributes)
	}

	for _, r := range strings.ToUpper(t.ExcludedAttributes) {
		if !strings.ContainsRune(validExcludedAttributeSet, r) {
			return fmt.Errorf("%w: unknown excluded attribute %q", ErrInvalidTask, r)
		}
	}

	for _, e := range append(append([]string{}, t.ExcludedFiles...), t.ExcludedFolders...) {
		if strings.TrimSpace(e) == "" {
			return fmt.Errorf("%w: empty exclusion entry", ErrInvalidTask)
		}
	}

	return nil
}

// IsInFolder reports whether path lies strictly below folder.
// Comparison is case-insensitive on Windows.
func IsInFolder(path, folder string) bool {
	if folder == "" || path == "" {
		return false
	}
	prefix := folder
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if len(path) < len(prefix) {
		return false
	}
	return samePath(path[:len(prefix)], prefix)
}

func samePath(a, b string) bool {
	if filepath.Separator == '\\' {
		return strings.EqualFold(a, b)
	}
	return a == b
}
