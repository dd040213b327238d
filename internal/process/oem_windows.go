//go:build windows

package process

import "golang.org/x/sys/windows"

var procGetOEMCP = windows.NewLazySystemDLL("kernel32.dll").NewProc("GetOEMCP")

// oemCodePage returns the console (OEM) code page of the system
func oemCodePage() int {
	if err := procGetOEMCP.Find(); err != nil {
		return 0
	}
	cp, _, _ := procGetOEMCP.Call()
	return int(cp)
}
