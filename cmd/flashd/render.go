package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/playztag/parallel-flash-esp32/pkg/flasher"
	"github.com/playztag/parallel-flash-esp32/pkg/history"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(lipgloss.Color("240"))

	// Rows are styled whole so ANSI codes never break column padding.
	cellStyle = lipgloss.NewStyle().PaddingRight(2)
	okStyle   = cellStyle.Foreground(lipgloss.Color("42"))
	failStyle = cellStyle.Foreground(lipgloss.Color("196"))
)

func statusText(ok bool) string {
	if ok {
		return "OK"
	}
	return "FAIL"
}

func rowStyle(ok bool) lipgloss.Style {
	if ok {
		return okStyle
	}
	return failStyle
}

// renderResults prints one row per flashed port, sorted by port name.
func renderResults(results map[string]flasher.Result) {
	ports := make([]string, 0, len(results))
	for port := range results {
		ports = append(ports, port)
	}
	sort.Strings(ports)

	const (
		portWidth = 22
		chipWidth = 12
		macWidth  = 19
		durWidth  = 9
	)
	header := fmt.Sprintf("%-*s %-6s %-*s %-*s %-*s %s",
		portWidth, "Port", "Status", chipWidth, "Chip", macWidth, "MAC", durWidth, "Duration", "Detail")
	fmt.Println(headerStyle.Render(header))

	for _, port := range ports {
		res := results[port]
		detail := res.ErrorMsg
		if res.Success {
			detail = ""
		}
		row := fmt.Sprintf("%-*s %-6s %-*s %-*s %-*s %s",
			portWidth, port,
			statusText(res.Success),
			chipWidth, res.ChipType,
			macWidth, res.MAC,
			durWidth, formatDuration(res.Duration),
			detail)
		fmt.Println(rowStyle(res.Success).Render(row))
	}
}

// renderRecords prints stored attempts newest first.
func renderRecords(recs []history.Record) {
	const (
		timeWidth = 20
		portWidth = 22
		chipWidth = 12
		macWidth  = 19
		durWidth  = 9
	)
	header := fmt.Sprintf("%-*s %-*s %-6s %-*s %-*s %-*s %s",
		timeWidth, "Time", portWidth, "Port", "Status", chipWidth, "Chip", macWidth, "MAC", durWidth, "Duration", "Detail")
	fmt.Println(headerStyle.Render(header))

	for _, rec := range recs {
		ok := rec.Status == history.StatusSuccess
		row := fmt.Sprintf("%-*s %-*s %-6s %-*s %-*s %-*s %s",
			timeWidth, rec.Timestamp.Local().Format("2006-01-02 15:04:05"),
			portWidth, rec.Port,
			statusText(ok),
			chipWidth, rec.ChipType,
			macWidth, rec.MAC,
			durWidth, formatDuration(rec.Duration),
			rec.ErrorMsg)
		fmt.Println(rowStyle(ok).Render(row))
	}
}

func renderStats(stats history.Stats, window string) {
	fmt.Printf("Flash history (%s):\n", window)
	fmt.Printf("  success  %d\n", stats.Success)
	fmt.Printf("  failed   %d\n", stats.Failed)
	fmt.Printf("  total    %d\n", stats.Total)
	if stats.Total > 0 {
		fmt.Printf("  rate     %.1f%%\n", stats.SuccessRate())
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
