package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTracker_Counts(t *testing.T) {
	tr := NewTracker()
	tr.SetTotal(4, 4096)

	tr.Settle("a", Transferred, 1024)
	tr.Settle("b", Skipped, 1024)
	tr.Settle("c", Failed, 512)

	s := tr.GetStatus()
	assert.Equal(t, int64(3), s.Settled())
	assert.Equal(t, int64(1), s.Transferred)
	assert.Equal(t, int64(1), s.Skipped)
	assert.Equal(t, int64(1), s.Failed)
	assert.Equal(t, int64(2560), s.SettledBytes)
	assert.Equal(t, int64(1024), s.CopiedBytes)
	assert.InDelta(t, 75.0, percent(s.Settled(), s.TotalObjects), 0.001)
	assert.InDelta(t, 62.5, percent(s.SettledBytes, s.TotalBytes), 0.001)
}

func TestTracker_KeyCountsOnceAcrossAttempts(t *testing.T) {
	tr := NewTracker()
	tr.SetTotal(2, 200)

	// First pass: "a" fails and is requeued, "b" fails for good.
	tr.Started()
	tr.Finished()
	tr.Retry()
	tr.Settle("b", Failed, 100)

	// Retry pass: "a" succeeds, and "b" is reported again after a later listing.
	tr.Started()
	tr.Settle("a", Transferred, 100)
	tr.Finished()
	tr.Settle("b", Failed, 100)

	s := tr.GetStatus()
	assert.Equal(t, int64(2), s.Settled())
	assert.Equal(t, int64(1), s.Transferred)
	assert.Equal(t, int64(1), s.Failed)
	assert.Equal(t, int64(1), s.Retries)
	assert.Equal(t, int64(0), s.InFlight)
	assert.Equal(t, int64(200), s.SettledBytes)

	// A later result replaces an earlier one.
	tr.Settle("b", Transferred, 100)
	s = tr.GetStatus()
	assert.Equal(t, int64(2), s.Transferred)
	assert.Equal(t, int64(0), s.Failed)
	assert.Equal(t, int64(200), s.SettledBytes)
	assert.Equal(t, int64(200), s.CopiedBytes)
}

func TestTracker_SkipsDoNotCountAsThroughput(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	tr := newTracker(clock.now)
	tr.SetTotal(3, 3000)

	clock.advance(time.Second)
	tr.Settle("skipped", Skipped, 1000)
	s := tr.GetStatus()
	assert.Equal(t, 0.0, s.AverageSpeed)
	assert.Equal(t, time.Duration(0), s.ETA)

	clock.advance(time.Second)
	tr.Settle("a", Transferred, 1000)
	s = tr.GetStatus()
	assert.InDelta(t, 500.0, s.AverageSpeed, 0.001)
	// 1000 bytes left at 500 B/s.
	assert.Equal(t, 2*time.Second, s.ETA)

	clock.advance(time.Second)
	tr.Settle("b", Transferred, 1000)
	s = tr.GetStatus()
	assert.InDelta(t, 2000.0, s.CurrentSpeed, 0.001)
	assert.Equal(t, time.Duration(0), s.ETA)
}

func TestTracker_ZeroTotals(t *testing.T) {
	tr := NewTracker()
	tr.Settle("a", Transferred, 10)
	s := tr.GetStatus()
	assert.Equal(t, 0.0, percent(s.Settled(), s.TotalObjects))
	assert.Equal(t, time.Duration(0), s.ETA)
}

func TestFormatters(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KiB", FormatBytes(1024))
	assert.Equal(t, "0 B", FormatBytes(-1))
	assert.Equal(t, "2.0 MiB/s", FormatSpeed(2*1024*1024))

	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "calculating..."},
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m5s"},
		{2*time.Hour + time.Minute, "2h1m0s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in))
	}
}

func TestDisplay_ProgressBar(t *testing.T) {
	d := NewDisplay(NewTracker(), &bytes.Buffer{}, time.Second)
	assert.Equal(t, "[█████░░░░░] 50.0%", d.generateProgressBar(50, 10))
	assert.Equal(t, "[██████████] 100.0%", d.generateProgressBar(150, 10))
	assert.Equal(t, "[░░░░░░░░░░] 0.0%", d.generateProgressBar(-3, 10))
}

func TestDisplay_StopPrintsFinalFrame(t *testing.T) {
	tr := NewTracker()
	tr.SetTotal(2, 20)
	tr.Settle("a", Transferred, 10)
	tr.Retry()
	tr.Settle("b", Failed, 10)

	var out bytes.Buffer
	d := NewDisplay(tr, &out, time.Hour)
	d.Start()
	d.Stop()
	d.Stop()

	text := out.String()
	assert.Contains(t, text, "Migration finished")
	assert.Contains(t, text, "Settled: 2 of 2 objects")
	assert.Contains(t, text, "Transferred: 1  Skipped: 0  Failed: 1  Retries: 1")
	assert.False(t, strings.Contains(text, "\033["), "no cursor control on non-terminal output")
}
