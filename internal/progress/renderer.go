package progress

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Renderer redraws a set of progress bars in place until stopped.
type Renderer struct {
	bars     []*Bar
	output   io.Writer
	interval time.Duration
	mu       sync.Mutex
	stop     chan struct{}
	done     chan struct{}
	drawn    bool
}

// NewRenderer creates a Renderer drawing the given bars to output.
func NewRenderer(output io.Writer, bars ...*Bar) *Renderer {
	return &Renderer{
		bars:     bars,
		output:   output,
		interval: 100 * time.Millisecond,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Render redraws every bar each interval until Stop is called.
func (r *Renderer) Render() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.draw()

		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the render loop and draws the final state once.
func (r *Renderer) Stop() {
	select {
	case <-r.stop:
		return
	default:
		close(r.stop)
	}

	<-r.done
	r.draw()
}

// draw clears the previously drawn lines and prints every bar.
func (r *Renderer) draw() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.drawn {
		for range r.bars {
			_, _ = fmt.Fprint(r.output, "\033[1A\033[K")
		}
	}

	for _, bar := range r.bars {
		_, _ = fmt.Fprintln(r.output, bar.String())
	}

	r.drawn = true
}
