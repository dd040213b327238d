//go:build !windows

package process

// oemCodePage returns 0: consoles outside Windows are treated as UTF-8
func oemCodePage() int {
	return 0
}
