package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ortholife/clinicsync/internal/logging"
)

// DefaultProbeInterval is how often the server health endpoint is polled.
const DefaultProbeInterval = 5 * time.Second

// Reporter receives raw connectivity transitions.
type Reporter interface {
	Report(online bool)
}

// Prober derives connectivity by polling the server health endpoint. It is
// the transition source for a headless agent.
type Prober struct {
	client   *http.Client
	url      string
	interval time.Duration
	target   Reporter
	log      zerolog.Logger
}

// NewProber creates a prober for healthURL reporting into target.
func NewProber(healthURL string, interval time.Duration, target Reporter, client *http.Client) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if client == nil {
		client = &http.Client{Timeout: interval}
	}
	return &Prober{
		client:   client,
		url:      healthURL,
		interval: interval,
		target:   target,
		log:      logging.Component("prober"),
	}
}

// Check performs one probe. Any 2xx answer counts as online.
func (p *Prober) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.log.Error().Err(err).Str("url", p.url).Msg("invalid health url")
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug().Err(err).Msg("health probe failed")
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.target.Report(p.Check(ctx))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
