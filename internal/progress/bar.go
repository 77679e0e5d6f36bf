package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Bar is a progress indicator with percentage, a step message and an ETA.
// It is safe for concurrent updates.
type Bar struct {
	total       int64
	current     int64
	width       int
	mu          sync.Mutex
	message     string
	stepMessage string
	stepStart   time.Time
	start       time.Time
}

// NewBar creates a bar tracking total units, width characters wide.
func NewBar(total int64, width int, message string) *Bar {
	now := time.Now()

	return &Bar{
		total:     total,
		width:     width,
		message:   message,
		stepStart: now,
		start:     now,
	}
}

// Increment adds to the current progress value, capping at the total.
func (b *Bar) Increment(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = min(b.current+n, b.total)
}

// SetTotal updates the total value that represents 100% progress and restarts the count.
func (b *Bar) SetTotal(total int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total = total
	b.current = 0
	b.start = time.Now()
}

// SetStepMessage updates the current step description and resets the step timer.
func (b *Bar) SetStepMessage(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stepMessage = message
	b.stepStart = time.Now()
}

// Current returns the progress value and its total.
func (b *Bar) Current() (int64, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.current, b.total
}

// String renders the bar with percentage, step duration, elapsed time and ETA.
func (b *Bar) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	percent := 0.0
	if b.total > 0 {
		percent = float64(b.current) / float64(b.total)
	}

	filled := min(int(percent*float64(b.width)), b.width)
	bar := strings.Repeat("=", filled) + strings.Repeat("-", b.width-filled)

	stepDuration := time.Since(b.stepStart).Round(time.Second)
	elapsed := time.Since(b.start).Round(time.Second)

	return fmt.Sprintf("%s [%s] %.1f%% %d/%d | %s (%s) | Elapsed: %s (ETA: %s)",
		b.message, bar, percent*100, b.current, b.total, b.stepMessage, stepDuration,
		elapsed, b.calculateETA())
}

// calculateETA extrapolates the remaining time from the average rate so far.
func (b *Bar) calculateETA() string {
	if b.current == 0 || b.current >= b.total {
		return "0s"
	}

	perUnit := time.Since(b.start) / time.Duration(b.current)
	eta := perUnit * time.Duration(b.total-b.current)

	return eta.Round(time.Second).String()
}
