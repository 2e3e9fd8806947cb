// SPDX-License-Identifier: GPL-3.0-or-later

package udpjitter

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/eapache/queue"
)

// percentiles is the tail of the round-trip distribution rendered by
// [*Delays], chosen to expose the jitter spikes that audio playback
// buffers must absorb.
var percentiles = []float64{0.80, 0.90, 0.95, 0.98, 0.985, 0.99, 0.995, 0.998, 0.999}

// percentilesPerRow is how many percentile cells share a rendered line.
const percentilesPerRow = 4

// Defaults for the [*Delays] tunables.
const (
	// defaultDelayWindow is how many samples the sliding window keeps.
	defaultDelayWindow = 150

	// defaultDisplayEvery is how often the rendered block refreshes.
	defaultDisplayEvery = 2 * time.Second
)

// cursorUp moves the cursor one line up and eraseLine clears it.
// Together they implement the in-place refresh of the stats block.
const (
	cursorUp  = "\x1b[1A"
	eraseLine = "\x1b[K"
)

var (
	// avgStyle renders the average round-trip line.
	avgStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("14"))

	// percentileLabelStyle renders the percentile labels.
	percentileLabelStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("12"))
)

// NewDelays returns a new [*Delays] rendering to the given writer.
//
// The out argument is where the periodically refreshed block is
// written, normally a terminal.
//
// The timeNow argument is the function to get the current time
// (configurable for testing).
func NewDelays(out io.Writer, timeNow func() time.Time) *Delays {
	return &Delays{
		DisplayEvery: defaultDisplayEvery,
		Out:          out,
		TimeNow:      timeNow,
		Window:       defaultDelayWindow,
		mu:           sync.Mutex{},
		samples:      queue.New(),
		sorted:       nil,
		lastRender:   timeNow(),
		lastLines:    0,
	}
}

// Delays aggregates round-trip samples over a sliding window and
// periodically renders the average and tail percentiles, redrawing over
// the previous block so the display stays in place on the terminal.
//
// All fields are safe to modify after construction but before first use.
// Delays is safe for concurrent use, although the probe feeds it from
// the receive loop only.
type Delays struct {
	// DisplayEvery is the minimum interval between two renders.
	//
	// Set by [NewDelays] to two seconds.
	DisplayEvery time.Duration

	// Out is where renders are written.
	//
	// Set by [NewDelays] to the user-provided writer.
	Out io.Writer

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewDelays] from the user-provided function.
	TimeNow func() time.Time

	// Window is how many samples the sliding window keeps.
	//
	// Set by [NewDelays] to 150.
	Window int

	// mu protects everything below.
	mu sync.Mutex

	// samples is the FIFO sliding window of round-trip durations.
	samples *queue.Queue

	// sorted is scratch storage reused by every render.
	sorted []time.Duration

	// lastRender is when the block was last rendered.
	lastRender time.Time

	// lastLines is how many lines the previous render wrote.
	lastLines int
}

// Record adds one round-trip sample, evicting the oldest samples beyond
// the window, and refreshes the rendered block when [Delays.DisplayEvery]
// has passed since the previous refresh.
func (d *Delays) Record(rtt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.samples.Length() >= d.Window {
		d.samples.Remove()
	}
	d.samples.Add(rtt)
	now := d.TimeNow()
	if now.Sub(d.lastRender) < d.DisplayEvery {
		return
	}
	d.render(now)
}

// Len reports how many samples the sliding window currently holds.
func (d *Delays) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.samples.Length()
}

// render writes the stats block, first erasing the previous one.
//
// The caller must hold mu and guarantee at least one sample.
func (d *Delays) render(now time.Time) {
	count := d.samples.Length()
	d.sorted = d.sorted[:0]
	var total time.Duration
	for idx := range count {
		rtt := d.samples.Get(idx).(time.Duration)
		d.sorted = append(d.sorted, rtt)
		total += rtt
	}
	slices.Sort(d.sorted)
	avgMillis := float64(total.Microseconds()) / float64(count) / 1e3

	var block strings.Builder
	for range d.lastLines {
		block.WriteString(cursorUp)
		block.WriteString(eraseLine)
	}

	block.WriteString(avgStyle.Render(fmt.Sprintf("Avg: %.2fms", avgMillis)))
	block.WriteString("\n")
	lines := 1

	for rowStart := 0; rowStart < len(percentiles); rowStart += percentilesPerRow {
		row := percentiles[rowStart:min(rowStart+percentilesPerRow, len(percentiles))]
		cells := make([]string, 0, len(row))
		for _, pct := range row {
			idx := min(int(float64(count)*pct), count-1)
			label := percentileLabelStyle.Render(fmt.Sprintf("%.1f%%:", pct*100))
			cells = append(cells, fmt.Sprintf("%s %s", label, d.sorted[idx]))
		}
		block.WriteString(strings.Join(cells, "\t"))
		block.WriteString("\n")
		lines++
	}

	_, _ = io.WriteString(d.Out, block.String())
	d.lastLines = lines
	d.lastRender = now
}
