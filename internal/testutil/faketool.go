package testutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment understood by the fake tool. Tests set these with t.Setenv;
// the child process inherits them.
const (
	FakeToolEnv  = "ROBOMIRROR_FAKE_TOOL"
	FakeCallsEnv = "ROBOMIRROR_FAKE_CALLS"

	FakeRobocopyExitEnv      = "ROBOMIRROR_FAKE_ROBOCOPY_EXIT"
	FakeRobocopyCopiedEnv    = "ROBOMIRROR_FAKE_ROBOCOPY_COPIED"
	FakeRobocopyFailedEnv    = "ROBOMIRROR_FAKE_ROBOCOPY_FAILED"
	FakeRobocopyExtrasEnv    = "ROBOMIRROR_FAKE_ROBOCOPY_EXTRAS"
	FakeRobocopyDelayEnv     = "ROBOMIRROR_FAKE_ROBOCOPY_DELAY"
	FakeRobocopyNoSummaryEnv = "ROBOMIRROR_FAKE_ROBOCOPY_NO_SUMMARY"

	FakeVShadowCreateExitEnv = "ROBOMIRROR_FAKE_VSHADOW_CREATE_EXIT"
	FakeVShadowMountExitEnv  = "ROBOMIRROR_FAKE_VSHADOW_MOUNT_EXIT"
	FakeVShadowIDEnv         = "ROBOMIRROR_FAKE_VSHADOW_ID"
	FakeVShadowDelayEnv      = "ROBOMIRROR_FAKE_VSHADOW_DELAY"
)

// DefaultSnapshotID is printed by the fake vshadow unless overridden
const DefaultSnapshotID = "11111111-1111-1111-1111-111111111111"

// RunFakeToolIfRequested turns the test binary into a fake external tool
// when FakeToolEnv is set. Call it first thing in TestMain:
//
//	func TestMain(m *testing.M) {
//		testutil.RunFakeToolIfRequested()
//		os.Exit(m.Run())
//	}
//
// The behaviour is chosen from the arguments: "print:", "err:", "fill:"
// (a line of n x's), "sleep:" and "exit:" steps run a small script, vshadow style flags ("-p",
// "-el=", "-ds=") emulate the snapshot tool and anything else emulates
// robocopy.
func RunFakeToolIfRequested() {
	if os.Getenv(FakeToolEnv) == "" {
		return
	}
	args := os.Args[1:]
	recordCall(args)

	switch {
	case len(args) > 0 && isScriptStep(args[0]):
		os.Exit(runScript(args))
	case len(args) > 0 && isVShadowFlag(args[0]):
		os.Exit(runVShadow(args))
	default:
		os.Exit(runRobocopy(args))
	}
}

func recordCall(args []string) {
	path := os.Getenv(FakeCallsEnv)
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, strings.Join(args, " "))
}

func isScriptStep(arg string) bool {
	for _, p := range []string{"print:", "err:", "fill:", "sleep:", "exit:"} {
		if strings.HasPrefix(arg, p) {
			return true
		}
	}
	return false
}

func isVShadowFlag(arg string) bool {
	return arg == "-p" || strings.HasPrefix(arg, "-el=") || strings.HasPrefix(arg, "-ds=")
}

func runScript(args []string) int {
	for _, step := range args {
		kind, value, _ := strings.Cut(step, ":")
		switch kind {
		case "print":
			fmt.Fprintln(os.Stdout, value)
		case "err":
			fmt.Fprintln(os.Stderr, value)
		case "fill":
			n, _ := strconv.Atoi(value)
			fmt.Fprintln(os.Stdout, strings.Repeat("x", n))
		case "sleep":
			d, _ := time.ParseDuration(value)
			time.Sleep(d)
		case "exit":
			code, _ := strconv.Atoi(value)
			return code
		}
	}
	return 0
}

func runVShadow(args []string) int {
	switch {
	case args[0] == "-p":
		fmt.Println("VSHADOW.EXE 3.0 - Volume Shadow Copy sample client.")
		fmt.Println("Creating shadow set ...")
		if d, err := time.ParseDuration(os.Getenv(FakeVShadowDelayEnv)); err == nil {
			time.Sleep(d)
		}
		code := envInt(FakeVShadowCreateExitEnv, 0)
		if code != 0 {
			fmt.Fprintln(os.Stderr, "ERROR: COM call failed, hr = 0x80042306")
			return code
		}
		id := os.Getenv(FakeVShadowIDEnv)
		if id == "" {
			id = DefaultSnapshotID
		}
		fmt.Println("* SNAPSHOT ID = " + id + " ...")
		fmt.Println("Snapshot creation done.")
		return 0
	case strings.HasPrefix(args[0], "-el="):
		code := envInt(FakeVShadowMountExitEnv, 0)
		if code != 0 {
			fmt.Println("ERROR: the snapshot could not be exposed")
			return code
		}
		fmt.Println("Shadow copy exposed.")
		return 0
	default:
		fmt.Println("Deleting shadow copy ...")
		return 0
	}
}

func runRobocopy(args []string) int {
	copied := envInt(FakeRobocopyCopiedEnv, 0)
	failed := envInt(FakeRobocopyFailedEnv, 0)
	extras := envInt(FakeRobocopyExtrasEnv, 0)

	fmt.Println("-------------------------------------------------------------------------------")
	fmt.Println("   ROBOCOPY     ::     Robust File Copy for Windows")
	fmt.Println("-------------------------------------------------------------------------------")
	fmt.Println()
	if len(args) >= 2 {
		fmt.Printf("   Source : %s\n", args[0])
		fmt.Printf("     Dest : %s\n", args[1])
	}
	fmt.Println()
	fmt.Printf("  Options : %s\n", strings.Join(args, " "))
	fmt.Println()
	fmt.Println("------------------------------------------------------------------------------")
	fmt.Println()

	for i := 0; i < copied; i++ {
		fmt.Printf("\t    New File  \t\t       %d\tfile%d.txt\n", i+1, i)
	}

	if d, err := time.ParseDuration(os.Getenv(FakeRobocopyDelayEnv)); err == nil {
		time.Sleep(d)
	}

	if os.Getenv(FakeRobocopyNoSummaryEnv) == "" {
		fmt.Println()
		fmt.Println("------------------------------------------------------------------------------")
		fmt.Println()
		fmt.Println(SummaryHeader())
		fmt.Println(SummaryRow("Dirs", 1, 0, 1, 0, 0, 0))
		fmt.Println(SummaryRow("Files", copied+failed, copied, 0, 0, failed, extras))
		fmt.Println(SummaryRow("Bytes", copied*1024, copied*1024, 0, 0, 0, 0))
		fmt.Println("   Times :   0:00:00   0:00:00                       0:00:00   0:00:00")
		fmt.Println()
	}

	code := 0
	if copied > 0 {
		code |= 1
	}
	if extras > 0 {
		code |= 2
	}
	if failed > 0 {
		code |= 8
	}
	return envInt(FakeRobocopyExitEnv, code)
}

// SummaryHeader returns robocopy's summary column header line
func SummaryHeader() string {
	return "               Total    Copied   Skipped  Mismatch    FAILED    Extras"
}

// SummaryRow renders one fixed-width robocopy summary row
func SummaryRow(label string, values ...int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%9s :", label)
	for _, v := range values {
		fmt.Fprintf(&b, "%10d", v)
	}
	return b.String()
}

func envInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}
