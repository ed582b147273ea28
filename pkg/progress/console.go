package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// barWidth is the number of cells in the progress bar
const barWidth = 40

// Console prints messages and a batch progress bar to a terminal
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	start time.Time
	step  Step
	now   func() time.Time
}

// NewConsole writes to out
func NewConsole(out io.Writer) *Console {
	return &Console{out: out, now: time.Now}
}

func (c *Console) LogMessage(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, text)
}

func (c *Console) ReportError(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, "Error: "+text)
}

func (c *Console) BeginStep(step Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = step
	c.start = c.now()
	fmt.Fprintf(c.out, "Step: %s...\n", step)
}

func (c *Console) MarkStepDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "Step %s completed in %.1fs\n", c.step, c.now().Sub(c.start).Seconds())
}

func (c *Console) MarkStepFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "Step %s failed\n", c.step)
}

// ReportBatch redraws the progress bar in place
func (c *Console) ReportBatch(done, total int) {
	if total <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	percentage := float64(done) / float64(total) * 100
	line := fmt.Sprintf("\r%s %.1f%% (%d/%d)", Bar(done, total), percentage, done, total)
	if done > 0 && !c.start.IsZero() {
		elapsed := c.now().Sub(c.start)
		remaining := time.Duration(0)
		if done < total {
			remaining = time.Duration(float64(elapsed) / float64(done) * float64(total-done))
		}
		line += fmt.Sprintf(" [%s elapsed | %s remaining]", formatSeconds(elapsed), formatSeconds(remaining))
	}
	fmt.Fprint(c.out, line)
	if done >= total {
		fmt.Fprintln(c.out)
	}
}

// Bar renders a fixed width bar for done out of total
func Bar(done, total int) string {
	filled := 0
	if total > 0 {
		filled = done * barWidth / total
	}
	var b strings.Builder
	b.WriteString("[")
	for i := 0; i < barWidth; i++ {
		switch {
		case i < filled:
			b.WriteString("█")
		case i == filled:
			b.WriteString("▓")
		default:
			b.WriteString("░")
		}
	}
	b.WriteString("]")
	return b.String()
}

func formatSeconds(d time.Duration) string {
	s := d.Seconds()
	switch {
	case s < 60:
		return fmt.Sprintf("%.1fs", s)
	case s < 3600:
		return fmt.Sprintf("%.1fm", s/60)
	}
	return fmt.Sprintf("%.1fh", s/3600)
}
