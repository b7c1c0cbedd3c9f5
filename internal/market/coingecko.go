package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coinsentry/coinsentry/internal/backoff"
)

const defaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// CoinGeckoSource fetches price history from the CoinGecko REST API. Asset
// IDs are CoinGecko coin ids ("bitcoin", "ethereum").
type CoinGeckoSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
}

// NewCoinGeckoSource creates a source against baseURL (empty means the public
// API). apiKey is optional; the free tier works without one.
func NewCoinGeckoSource(baseURL, apiKey string, timeout time.Duration) *CoinGeckoSource {
	if baseURL == "" {
		baseURL = defaultCoinGeckoURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CoinGeckoSource{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  log.With().Str("component", "coingecko").Logger(),
	}
}

// marketChartResponse is the /market_chart/range payload: [ms, value] pairs.
type marketChartResponse struct {
	Prices       [][2]float64 `json:"prices"`
	TotalVolumes [][2]float64 `json:"total_volumes"`
}

// Fetch returns bars for asset within [window.From, window.To), oldest first.
// The range endpoint returns point samples, so each bar carries the sampled
// price as OHLC with the matching volume.
func (s *CoinGeckoSource) Fetch(ctx context.Context, asset AssetID, window Window) ([]Bar, error) {
	endpoint := fmt.Sprintf("%s/coins/%s/market_chart/range", s.baseURL, url.PathEscape(string(asset)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.NewError(backoff.KindInternal, err)
	}
	q := req.URL.Query()
	q.Set("vs_currency", "usd")
	q.Set("from", strconv.FormatInt(window.From.Unix(), 10))
	q.Set("to", strconv.FormatInt(window.To.Unix(), 10))
	req.URL.RawQuery = q.Encode()
	if s.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.NewError(backoff.KindCanceled, err)
		}
		return nil, backoff.NewError(backoff.KindTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.statusError(resp, asset)
	}

	var chart marketChartResponse
	if err := json.NewDecoder(resp.Body).Decode(&chart); err != nil {
		return nil, backoff.Errorf(backoff.KindTransient, "failed to decode market chart for %s: %v", asset, err)
	}

	bars := s.toBars(asset, chart, window)
	s.logger.Debug().
		Str("asset", string(asset)).
		Int("points", len(chart.Prices)).
		Int("bars", len(bars)).
		Msg("Fetched market chart")
	return bars, nil
}

// statusError maps HTTP failures onto the retry taxonomy. 429 carries the
// Retry-After hint through to the backoff policy.
func (s *CoinGeckoSource) statusError(resp *http.Response, asset AssetID) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e := backoff.Errorf(backoff.KindRateLimited, "provider throttled request for %s", asset)
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil && secs > 0 {
				e.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return e
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Errorf(backoff.KindConfig, "unknown asset %s", asset)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backoff.Errorf(backoff.KindConfig, "provider rejected credentials: status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return backoff.Errorf(backoff.KindTransient, "provider error for %s: status %d", asset, resp.StatusCode)
	default:
		return backoff.Errorf(backoff.KindInternal, "unexpected provider status %d for %s", resp.StatusCode, asset)
	}
}

// toBars converts [ms, price] samples into bars, attaching volumes by
// timestamp and dropping samples outside the half-open window.
func (s *CoinGeckoSource) toBars(asset AssetID, chart marketChartResponse, window Window) []Bar {
	volumes := make(map[int64]float64, len(chart.TotalVolumes))
	for _, v := range chart.TotalVolumes {
		volumes[int64(v[0])] = v[1]
	}

	fromMs := window.From.UnixMilli()
	toMs := window.To.UnixMilli()

	bars := make([]Bar, 0, len(chart.Prices))
	for _, p := range chart.Prices {
		ts := int64(p[0])
		if ts < fromMs || ts >= toMs {
			continue
		}
		price := p[1]
		bars = append(bars, Bar{
			Asset:     asset,
			Timestamp: ts,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    volumes[ts],
		})
	}
	return bars
}
