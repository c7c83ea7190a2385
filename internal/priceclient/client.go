// Package priceclient fetches OHLCV data from the configured price
// provider, classifying every failure into the package's error taxonomy.
package priceclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// PricePoint is one OHLCV record, populated with the provider's name as the
// source tag.
type PricePoint struct {
	Timestamp time.Time
	Open      *float64
	High      *float64
	Low       *float64
	Close     float64
	Volume    *int64
	Source    string
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	UserAgent  string
	ProviderID string // source tag written onto every PricePoint
	Timeout    time.Duration
}

// Client issues one HTTP request per (symbol, interval) call. A gobreaker
// circuit breaker sits in front of the HTTP round trip: five consecutive
// failed round trips trip it, failing fast instead of hammering a downed
// provider. Every error kind counts as a failure, NotFound and Throttled
// included. This complements, not replaces, the
// Backfill Engine's own attempt-counting retry policy.
type Client struct {
	http       *http.Client
	baseURL    string
	userAgent  string
	providerID string
	breaker    *gobreaker.CircuitBreaker
	log        zerolog.Logger
}

// New builds a Client.
func New(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second // default per-request timeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "priceclient",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		http:       &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		userAgent:  cfg.UserAgent,
		providerID: cfg.ProviderID,
		breaker:    breaker,
		log:        log.With().Str("component", "priceclient").Logger(),
	}
}

// providerResponse is the provider's response shape: a JSON
// object exposing an OHLCV tuple array at a known location.
type providerResponse struct {
	Symbol     string    `json:"symbol"`
	Timestamps []int64   `json:"timestamps"`
	Open       []float64 `json:"open"`
	High       []float64 `json:"high"`
	Low        []float64 `json:"low"`
	Close      []float64 `json:"close"`
	Volume     []int64   `json:"volume"`
}

// FetchRange fetches OHLCV records for ticker within [from, to], dropping
// (and counting) any record that fails PricePoint validation.
func (c *Client) FetchRange(ctx context.Context, ticker string, from, to time.Time) ([]PricePoint, int, error) {
	resp, err := c.doRequest(ctx, ticker, from, to)
	if err != nil {
		return nil, 0, err
	}

	points, dropped := c.parse(ticker, resp, from, to)
	return points, dropped, nil
}

// FetchCurrent fetches the most recent price for ticker.
func (c *Client) FetchCurrent(ctx context.Context, ticker string) (*PricePoint, error) {
	now := time.Now().UTC()
	resp, err := c.doRequest(ctx, ticker, now.AddDate(0, 0, -5), now)
	if err != nil {
		return nil, err
	}

	points, _ := c.parse(ticker, resp, now.AddDate(0, 0, -5), now)
	if len(points) == 0 {
		return nil, newFetchError(KindBadData, ticker, fmt.Errorf("no usable records in response"))
	}

	latest := points[0]
	for _, p := range points[1:] {
		if p.Timestamp.After(latest.Timestamp) {
			latest = p
		}
	}
	return &latest, nil
}

func (c *Client) doRequest(ctx context.Context, ticker string, from, to time.Time) (*providerResponse, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, ticker, from, to)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, newFetchError(KindTransient, ticker, err)
		}
		if fe, ok := err.(*FetchError); ok {
			return nil, fe
		}
		return nil, newFetchError(KindTransient, ticker, err)
	}
	return result.(*providerResponse), nil
}

func (c *Client) roundTrip(ctx context.Context, ticker string, from, to time.Time) (*providerResponse, error) {
	url := fmt.Sprintf("%s?symbol=%s&from=%s&to=%s",
		c.baseURL, ticker, from.Format("2006-01-02"), to.Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, newFetchError(KindTransient, ticker, err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newFetchError(KindTransient, ticker, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, newFetchError(KindThrottled, ticker, fmt.Errorf("provider returned 429"))
	case resp.StatusCode == http.StatusNotFound:
		return nil, newFetchError(KindNotFound, ticker, fmt.Errorf("unknown symbol"))
	case resp.StatusCode >= 500:
		return nil, newFetchError(KindTransient, ticker, fmt.Errorf("provider status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, newFetchError(KindNotFound, ticker, fmt.Errorf("provider status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newFetchError(KindTransient, ticker, err)
	}

	var parsed providerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, newFetchError(KindBadData, ticker, err)
	}
	if len(parsed.Timestamps) == 0 {
		return nil, newFetchError(KindBadData, ticker, fmt.Errorf("empty timestamps array"))
	}

	return &parsed, nil
}

// parse converts the provider's parallel arrays into validated PricePoints,
// filtering to [from, to] and dropping (while counting) invalid records per
// the invariant: low <= {open, close} <= high, close > 0.
func (c *Client) parse(ticker string, resp *providerResponse, from, to time.Time) ([]PricePoint, int) {
	points := make([]PricePoint, 0, len(resp.Timestamps))
	dropped := 0

	for i, ts := range resp.Timestamps {
		t := time.Unix(ts, 0).UTC()
		if t.Before(from) || t.After(to) {
			continue
		}

		var closeVal float64
		if i < len(resp.Close) {
			closeVal = resp.Close[i]
		}
		if closeVal <= 0 {
			dropped++
			continue
		}

		p := PricePoint{Timestamp: t, Close: closeVal, Source: c.providerID}
		if i < len(resp.Open) {
			v := resp.Open[i]
			p.Open = &v
		}
		if i < len(resp.High) {
			v := resp.High[i]
			p.High = &v
		}
		if i < len(resp.Low) {
			v := resp.Low[i]
			p.Low = &v
		}
		if i < len(resp.Volume) {
			v := resp.Volume[i]
			p.Volume = &v
		}

		if !validOHLC(p) {
			dropped++
			c.log.Info().Str("ticker", ticker).Time("timestamp", t).Msg("dropped invalid OHLC record")
			continue
		}

		points = append(points, p)
	}

	return points, dropped
}

func validOHLC(p PricePoint) bool {
	if p.Close <= 0 {
		return false
	}
	if p.Low != nil && p.High != nil {
		if *p.Low > *p.High {
			return false
		}
		if p.Open != nil && (*p.Open < *p.Low || *p.Open > *p.High) {
			return false
		}
		if p.Close < *p.Low || p.Close > *p.High {
			return false
		}
	}
	return true
}
