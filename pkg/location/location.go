// Package location finds the edge region closest to this host.
package location

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"streamrtc/pkg/cache"
	"streamrtc/pkg/retry"

	"go.uber.org/zap"
)

const (
	DefaultHintURL = "https://hint.stream-io-video.com/"
	Fallback       = "IAD"
	popHeader      = "X-Amz-Cf-Pop"
)

type Config struct {
	URL        string
	MaxRetries int
	Timeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:        DefaultHintURL,
		MaxRetries: 3,
		Timeout:    time.Second,
	}
}

// Discovery reads the CDN point of presence answering a HEAD request and
// keeps the result for the life of the process.
type Discovery struct {
	config Config
	client *http.Client
	cache  *cache.Cache[string]
	logger *zap.SugaredLogger
}

func NewDiscovery(config Config, logger *zap.SugaredLogger) *Discovery {
	if config.URL == "" {
		config.URL = DefaultHintURL
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	return &Discovery{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		cache:  cache.New[string](0),
		logger: logger,
	}
}

// Discover returns a three letter location code such as "IAD" or "FRA".
// It never fails: every error path ends in the fallback location.
func (d *Discovery) Discover(ctx context.Context) string {
	loc, _ := d.cache.GetOrLoad(ctx, d.config.URL, d.load)
	return loc
}

func (d *Discovery) load(ctx context.Context) (string, error) {
	if u, err := url.Parse(d.config.URL); err != nil || u.Scheme == "" || u.Host == "" {
		d.logger.Warnw("invalid location hint url", "url", d.config.URL)
		return Fallback, nil
	}

	cfg := retry.Config{
		Enabled:      true,
		MaxAttempts:  d.config.MaxRetries - 1,
		InitialDelay: 0,
		Multiplier:   1,
	}
	attempt := 0
	pop, err := retry.RetryWithResult(ctx, cfg, func() (string, error) {
		attempt++
		d.logger.Infow("discovering location", "attempt", attempt)
		return d.head(ctx)
	})
	if err != nil {
		d.logger.Infow("failed to discover location, using fallback",
			"attempts", attempt, "fallback", Fallback, "error", err)
		return Fallback, nil
	}
	if len(pop) < 3 {
		d.logger.Warnw("invalid pop name", "pop", pop)
		return Fallback, nil
	}
	d.logger.Infow("discovered location", "location", pop[:3])
	return pop[:3], nil
}

func (d *Discovery) head(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.config.URL, nil)
	if err != nil {
		return "", retry.Permanent(err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &statusError{code: resp.StatusCode}
	}
	return resp.Header.Get(popHeader), nil
}

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status code: %d", e.code) }
