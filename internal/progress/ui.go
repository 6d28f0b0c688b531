package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// FileRow is one tracked file in the receiver view.
type FileRow struct {
	Path  string
	State string
	Ratio float64
	Fault string
}

type ReceiverView struct {
	Root      string
	Transport string
	Files     []FileRow
	Stats     Stats
}

type SenderView struct {
	Header string
	File   string
	Round  int
	Rounds int
	Stats  Stats
}

const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

func colorize(s string, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + colorReset
}

func IsTTY(w io.Writer) bool {
	if fw, ok := w.(interface{ File() *os.File }); ok {
		w = fw.File()
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// RenderReceiver redraws the receiver view every interval until the returned
// stop function is called. Non-terminal writers get one summary line per tick.
func RenderReceiver(ctx context.Context, w io.Writer, interval time.Duration, view func() ReceiverView) func() {
	isTTY := IsTTY(w)
	lastLines := 0
	render := func() {
		v := view()
		if !isTTY {
			for _, line := range receiverPlainLines(v) {
				fmt.Fprintln(w, line)
			}
			return
		}
		if lastLines > 0 {
			fmt.Fprintf(w, "\033[%dA", lastLines)
			fmt.Fprint(w, "\033[J")
		}
		lastLines = renderReceiverTTY(w, v)
	}
	return loop(ctx, w, interval, isTTY, render)
}

// RenderSender redraws the sender view every interval until stopped.
func RenderSender(ctx context.Context, w io.Writer, interval time.Duration, view func() SenderView) func() {
	isTTY := IsTTY(w)
	lastLines := 0
	render := func() {
		v := view()
		if !isTTY {
			fmt.Fprintf(w, "file=%s round=%d/%d %.1f%% %s ETA %s\n",
				v.File, v.Round, v.Rounds, v.Stats.Percent, formatRate(v.Stats.RateBps), formatETA(v.Stats.ETA))
			return
		}
		if lastLines > 0 {
			fmt.Fprintf(w, "\033[%dA", lastLines)
			fmt.Fprint(w, "\033[J")
		}
		lines := writeHeader(w, v.Header, true)
		fmt.Fprintf(w, "%s\n", colorize(formatSenderLine(v), colorGreen, true))
		lastLines = lines + 1
	}
	return loop(ctx, w, interval, isTTY, render)
}

func loop(ctx context.Context, w io.Writer, interval time.Duration, isTTY bool, render func()) func() {
	if interval <= 0 {
		interval = time.Second
	}
	var (
		renderMu sync.Mutex
		stopOnce sync.Once
		stop     = make(chan struct{})
		done     = make(chan struct{})
	)
	renderOnce := func() {
		renderMu.Lock()
		defer renderMu.Unlock()
		render()
	}
	if isTTY {
		fmt.Fprint(w, "\033[?25l")
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				renderOnce()
			}
		}
	}()

	return func() {
		stopOnce.Do(func() {
			close(stop)
			<-done
			renderOnce()
			if isTTY {
				fmt.Fprint(w, "\033[?25h")
			}
		})
	}
}

func renderReceiverTTY(w io.Writer, v ReceiverView) int {
	lines := 0
	if v.Root != "" {
		fmt.Fprintf(w, "saving to %s\n", v.Root)
		lines++
	}
	if v.Transport != "" {
		fmt.Fprintln(w, colorize(v.Transport, colorCyan, true))
		lines++
	}
	fmt.Fprintln(w, colorize(formatReceiverLine(v), colorGreen, true))
	lines++
	if len(v.Files) == 0 {
		return lines
	}
	headers := []string{"file", "state", "%", "progress"}
	widths := []int{pathWidth(v.Files), 10, 6, 22}
	rows := make([][]string, 0, len(v.Files))
	for _, f := range v.Files {
		rows = append(rows, []string{f.Path, f.State, fmt.Sprintf("%.1f", f.Ratio*100), renderBar(f.Ratio*100, 20)})
	}
	lines += renderTable(w, headers, rows, widths)
	for _, f := range v.Files {
		if f.Fault != "" {
			fmt.Fprintf(w, "  [%s] %s\n", f.Path, colorize(f.Fault, colorRed, true))
			lines++
		}
	}
	return lines
}

func receiverPlainLines(v ReceiverView) []string {
	lines := []string{formatReceiverLine(v)}
	for _, f := range v.Files {
		line := fmt.Sprintf("file=%s state=%s progress=%.1f%%", f.Path, f.State, f.Ratio*100)
		if f.Fault != "" {
			line += " fault=" + f.Fault
		}
		lines = append(lines, line)
	}
	return lines
}

func pathWidth(files []FileRow) int {
	width := 4
	for _, f := range files {
		width = max(width, len(f.Path))
	}
	return min(width, 48)
}

func writeHeader(w io.Writer, header string, isTTY bool) int {
	header = strings.TrimSuffix(header, "\n")
	if header == "" {
		return 0
	}
	lines := strings.Split(header, "\n")
	for _, line := range lines {
		fmt.Fprintln(w, colorize(line, colorCyan, isTTY))
	}
	return len(lines)
}

func formatReceiverLine(v ReceiverView) string {
	return fmt.Sprintf("%s %5.1f%%  %s  ETA %s  (recv %s/%s)",
		renderBar(v.Stats.Percent, 20),
		v.Stats.Percent,
		formatRate(v.Stats.RateBps),
		formatETA(v.Stats.ETA),
		formatBytes(v.Stats.BytesDone),
		formatBytes(v.Stats.Total),
	)
}

func formatSenderLine(v SenderView) string {
	return fmt.Sprintf("%s %5.1f%%  %s  round %d/%d  ETA %s  (%s)",
		renderBar(v.Stats.Percent, 20),
		v.Stats.Percent,
		formatRate(v.Stats.RateBps),
		v.Round,
		v.Rounds,
		formatETA(v.Stats.ETA),
		v.File,
	)
}

func renderBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int((percent / 100) * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func renderTable(w io.Writer, headers []string, rows [][]string, widths []int) int {
	border := buildBorder(widths)
	fmt.Fprintln(w, border)
	fmt.Fprintln(w, buildRow(headers, widths))
	fmt.Fprintln(w, border)
	for _, row := range rows {
		fmt.Fprintln(w, buildRow(row, widths))
	}
	fmt.Fprintln(w, border)
	return len(rows) + 4
}

func buildBorder(widths []int) string {
	var b strings.Builder
	b.WriteString("+")
	for _, width := range widths {
		b.WriteString(strings.Repeat("-", width+2))
		b.WriteString("+")
	}
	return b.String()
}

func buildRow(values []string, widths []int) string {
	var b strings.Builder
	b.WriteString("|")
	for i, width := range widths {
		cell := ""
		if i < len(values) {
			cell = values[i]
		}
		b.WriteString(" ")
		b.WriteString(padRight(cell, width))
		b.WriteString(" |")
	}
	return b.String()
}

func padRight(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func formatRate(bps float64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	if bps >= g {
		return fmt.Sprintf("%.2f GB/s", bps/float64(g))
	}
	if bps >= m {
		return fmt.Sprintf("%.1f MB/s", bps/float64(m))
	}
	if bps >= k {
		return fmt.Sprintf("%.0f KB/s", bps/float64(k))
	}
	return fmt.Sprintf("%.0f B/s", bps)
}

func formatBytes(n int64) string {
	const (
		k = 1024
		m = 1024 * k
		g = 1024 * m
	)
	switch {
	case n <= 0:
		return "0 B"
	case n >= g:
		return fmt.Sprintf("%.2f GiB", float64(n)/g)
	case n >= m:
		return fmt.Sprintf("%.1f MiB", float64(n)/m)
	case n >= k:
		return fmt.Sprintf("%.1f KiB", float64(n)/k)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--:--:--"
	}
	secs := int(d.Seconds())
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
