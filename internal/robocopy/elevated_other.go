//go:build !windows

package robocopy

func isElevated() bool {
	return false
}
