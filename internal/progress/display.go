package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Display periodically renders a tracker to a writer
type Display struct {
	tracker   *Tracker
	out       io.Writer
	interval  time.Duration
	redraw    bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	lastLines int
}

// NewDisplay creates a new progress display writing to out. When out is a
// terminal the previous frame is erased before each update.
func NewDisplay(tracker *Tracker, out io.Writer, interval time.Duration) *Display {
	redraw := false
	if f, ok := out.(*os.File); ok {
		redraw = IsTerminal(f)
	}
	return &Display{
		tracker:  tracker,
		out:      out,
		interval: interval,
		redraw:   redraw,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop prints the final frame and waits for the display loop to exit
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.doneCh
	})
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.updateDisplay()
		case <-d.stopCh:
			d.finalDisplay()
			return
		}
	}
}

func (d *Display) updateDisplay() {
	lines := d.generateDisplay(d.tracker.GetStatus())

	d.clearLines()
	fmt.Fprintln(d.out, strings.Join(lines, "\n"))
	d.lastLines = len(lines)
}

func (d *Display) finalDisplay() {
	d.clearLines()
	lines := d.generateFinalDisplay(d.tracker.GetStatus())
	fmt.Fprintln(d.out, strings.Join(lines, "\n"))
	d.lastLines = 0
}

// clearLines moves the cursor up over the previous frame and erases it.
func (d *Display) clearLines() {
	if d.lastLines == 0 || !d.redraw {
		return
	}
	fmt.Fprintf(d.out, "\033[%dA\033[J", d.lastLines)
}

func (d *Display) generateDisplay(status Status) []string {
	lines := make([]string, 0, 16)

	lines = append(lines, "Migration progress")
	lines = append(lines, strings.Repeat("=", 51))

	lines = append(lines, fmt.Sprintf("Objects: %d/%d", status.Settled(), status.TotalObjects))
	lines = append(lines, "    "+d.generateProgressBar(percent(status.Settled(), status.TotalObjects), 40))

	lines = append(lines, fmt.Sprintf("Data:    %s/%s",
		FormatBytes(status.SettledBytes), FormatBytes(status.TotalBytes)))
	lines = append(lines, "    "+d.generateProgressBar(percent(status.SettledBytes, status.TotalBytes), 40))

	lines = append(lines, outcomeLine(status))
	lines = append(lines, fmt.Sprintf("In flight: %d  Copied: %s  Speed: %s (avg %s)",
		status.InFlight, FormatBytes(status.CopiedBytes),
		FormatSpeed(status.CurrentSpeed), FormatSpeed(status.AverageSpeed)))

	elapsed := time.Since(status.StartTime)
	eta := fmt.Sprintf("Elapsed: %s  Remaining: %s", FormatDuration(elapsed), FormatDuration(status.ETA))
	if status.ETA > 0 {
		eta += fmt.Sprintf("  (done at %s)", time.Now().Add(status.ETA).Format("15:04:05"))
	}
	lines = append(lines, eta)

	return lines
}

func (d *Display) generateFinalDisplay(status Status) []string {
	elapsed := time.Since(status.StartTime)

	return []string{
		"Migration finished",
		strings.Repeat("=", 51),
		fmt.Sprintf("Settled: %d of %d objects, copied %s", status.Settled(), status.TotalObjects, FormatBytes(status.CopiedBytes)),
		outcomeLine(status),
		fmt.Sprintf("Elapsed: %s  Average speed: %s", FormatDuration(elapsed), FormatSpeed(status.AverageSpeed)),
	}
}

func outcomeLine(status Status) string {
	return fmt.Sprintf("Transferred: %d  Skipped: %d  Failed: %d  Retries: %d",
		status.Transferred, status.Skipped, status.Failed, status.Retries)
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func (d *Display) generateProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

// IsTerminal reports whether f is attached to a terminal
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
