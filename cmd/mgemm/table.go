package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/samcharles93/mgemm/internal/verify"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	cellStyle = lipgloss.NewStyle().Padding(0, 1, 0, 1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 0, 0, 0)
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true)
)

// newTable returns a bordered table; the first column is right aligned.
func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if col == 0 {
				return cellStyle.Align(lipgloss.Right)
			}
			return cellStyle.Align(lipgloss.Left)
		})
}

func statusText(s verify.Status) string {
	switch s {
	case verify.StatusPass:
		return passStyle.Render("PASS")
	case verify.StatusFail:
		return failStyle.Render("FAIL")
	default:
		return errorStyle.Render("ERROR")
	}
}

func shapeText(groups, m, k, n int) string {
	return fmt.Sprintf("G=%d M=%s K=%s N=%s", groups,
		humanize.Comma(int64(m)), humanize.Comma(int64(k)), humanize.Comma(int64(n)))
}

func durationText(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Microsecond).String()
}

// gflops is the throughput of flops floating point operations done in d.
func gflops(flops float64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return flops / d.Seconds() / 1e9
}

// summaryTable renders one row per case of a report.
func summaryTable(rep *verify.Report) string {
	t := newTable("Case", "Shape", "DType", "Status", "Max diff", "Forward", "Backward")
	for _, c := range rep.Cases {
		maxDiff := "-"
		worst := 0.0
		for _, d := range c.Diffs {
			worst = max(worst, d.MaxDiff)
		}
		if len(c.Diffs) > 0 {
			maxDiff = fmt.Sprintf("%.3g", worst)
		}
		s := c.Scenario
		t.Row(s.Name, shapeText(len(c.Sizes), s.Rows(), s.K, s.N), s.DType.String(),
			statusText(c.Status), maxDiff, durationText(c.Forward), durationText(c.Backward))
	}
	return t.Render()
}
