package robocopy

import (
	"strconv"
	"strings"
)

// NaN is returned for summary fields that cannot be parsed
const NaN = "NaN"

// summaryDivider starts the dashed line above robocopy's summary block
const summaryDivider = "----------"

// fieldWidth is the width of one summary column
const fieldWidth = 10

// Row of robocopy's summary table
type Row int

const (
	RowDirs Row = iota
	RowFiles
	RowBytes
	RowTimes
)

// Column of robocopy's summary table
type Column int

const (
	ColumnTotal Column = iota
	ColumnCopied
	ColumnSkipped
	ColumnMismatch
	ColumnFailed
	ColumnExtras
)

// ParseSummaryField extracts the trimmed (row, col) value from robocopy
// output. The summary follows the last dashed divider: a blank line, the
// column header, then the Dirs, Files, Bytes and Times rows. Each value
// is right-aligned in a 10 character field after the row label's colon.
func ParseSummaryField(lines []string, row Row, col Column) (string, bool) {
	if row < RowDirs || row > RowTimes || col < ColumnTotal || col > ColumnExtras {
		return "", false
	}

	divider := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], summaryDivider) {
			divider = i
			break
		}
	}
	if divider < 0 {
		return "", false
	}

	idx := divider + 3 + int(row)
	if idx >= len(lines) {
		return "", false
	}
	line := lines[idx]

	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return "", false
	}
	fields := line[colon+1:]

	start := int(col) * fieldWidth
	end := start + fieldWidth
	if end > len(fields) {
		return "", false
	}

	value := strings.TrimSpace(fields[start:end])
	if value == "" {
		return "", false
	}
	return value, true
}

// SummaryField returns a display value from the summary of the completed
// run, or NaN when it cannot be determined. Integers are grouped for the
// configured locale; other values such as "1.5 m" pass through.
func (i *Invocation) SummaryField(row Row, col Column) string {
	lines, err := i.Lines()
	if err != nil {
		return NaN
	}

	value, ok := ParseSummaryField(lines, row, col)
	if !ok {
		return NaN
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i.printer.Sprintf("%d", n)
	}
	return value
}

// Counts are the item counters of a completed run, files and folders
// together
type Counts struct {
	Transfers int
	// Deletions is always 0 unless extra items are purged
	Deletions int
	Errors    int
}

// Counts parses the summary once after exit. Reading them earlier is a
// bug and fails with domain.ErrNotExited. Unparseable output counts as
// zero.
func (i *Invocation) Counts() (Counts, error) {
	i.mu.Lock()
	if i.counts != nil {
		c := *i.counts
		i.mu.Unlock()
		return c, nil
	}
	i.mu.Unlock()

	lines, err := i.Lines()
	if err != nil {
		return Counts{}, err
	}

	count := func(col Column) int {
		total := 0
		for _, row := range []Row{RowDirs, RowFiles} {
			if v, ok := ParseSummaryField(lines, row, col); ok {
				n, _ := strconv.Atoi(v)
				total += n
			}
		}
		return total
	}

	c := Counts{
		Transfers: count(ColumnCopied),
		Errors:    count(ColumnFailed),
	}
	if i.purge {
		c.Deletions = count(ColumnExtras)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.counts == nil {
		i.counts = &c
	}
	return *i.counts, nil
}
