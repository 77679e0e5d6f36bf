// Package probe checks whether an HTTP endpoint enforces rate limiting by hitting it
// from many concurrent callers until one of them is answered with 429.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gigo/statfix/internal/setup/httpclient"
	"github.com/jaxron/axonet/pkg/client"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// ErrInvalidOptions is returned for options that cannot produce a request.
var ErrInvalidOptions = errors.New("invalid probe options")

var errNoResponse = errors.New("no response")

// Options configures a rate-limit probe.
type Options struct {
	URL      string
	Workers  int
	Requests int
	Interval time.Duration
}

// Result summarizes a probe.
type Result struct {
	// Hit is true when at least one caller received 429 Too Many Requests.
	Hit bool
	// Requests is the number of requests that got a response.
	Requests int
	// Errors is the number of requests that failed without a response.
	Errors int
	// StatusCounts maps status codes to how often they were returned.
	StatusCounts map[int]int
}

// DefaultTimeout bounds a single request of the default client.
const DefaultTimeout = 30 * time.Second

// Prober issues the probe requests.
type Prober struct {
	client *client.Client
	logger *zap.Logger
}

// New creates a Prober. A nil httpClient uses httpclient.New with DefaultTimeout.
// The client must record statuses through httpclient.StatusRecorder.
func New(httpClient *client.Client, logger *zap.Logger) *Prober {
	if httpClient == nil {
		httpClient = httpclient.New(logger, DefaultTimeout)
	}

	return &Prober{
		client: httpClient,
		logger: logger.Named("probe"),
	}
}

// RateLimit runs Workers callers, each sending up to Requests GET requests spaced by
// Interval. A caller stops at its first 429; the others keep going.
func (p *Prober) RateLimit(ctx context.Context, opts Options) (*Result, error) {
	if opts.URL == "" || opts.Workers <= 0 || opts.Requests <= 0 {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidOptions, opts)
	}

	var (
		mu     sync.Mutex
		result = &Result{StatusCounts: make(map[int]int)}
		wp     = pool.New().WithContext(ctx)
	)

	for range opts.Workers {
		wp.Go(func(ctx context.Context) error {
			for i := range opts.Requests {
				if i > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(opts.Interval):
					}
				}

				status, err := p.get(ctx, opts.URL)

				mu.Lock()
				if err != nil {
					result.Errors++
				} else {
					result.Requests++
					result.StatusCounts[status]++
				}

				if status == http.StatusTooManyRequests {
					result.Hit = true
				}
				mu.Unlock()

				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}

					p.logger.Debug("Probe request failed", zap.Error(err))

					continue
				}

				if status == http.StatusTooManyRequests {
					return nil
				}
			}

			return nil
		})
	}

	if err := wp.Wait(); err != nil {
		return result, err
	}

	p.logger.Info("Rate limit probe finished",
		zap.String("url", opts.URL),
		zap.Bool("hit", result.Hit),
		zap.Int("requests", result.Requests),
		zap.Int("errors", result.Errors))

	return result, nil
}

// get sends one GET request and returns the status code. A response with any
// status counts as answered, even when the client reports it as an error.
func (p *Prober) get(ctx context.Context, url string) (int, error) {
	ctx, status := httpclient.TrackStatus(ctx)

	resp, err := p.client.NewRequest().Method(http.MethodGet).URL(url).Do(ctx)
	if resp != nil {
		defer resp.Body.Close()
	}

	if code := status.Code(); code != 0 {
		return code, nil
	}

	if resp != nil && err == nil {
		return resp.StatusCode, nil
	}

	if err == nil {
		err = errNoResponse
	}

	return 0, err
}
