package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/sudhirig/ai-hedge-fund-full/internal/metrics"
	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// Yahoo chart API hosts, tried in order on every attempt.
var defaultYahooHosts = []string{
	"https://query1.finance.yahoo.com",
	"https://query2.finance.yahoo.com",
}

var defaultYahooBackoffs = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

// currentYearTTL bounds how long the still-growing current year is cached.
const currentYearTTL = time.Hour

type yahooChartResp struct {
	Chart struct {
		Result []struct {
			Meta struct {
				GMTOffset int `json:"gmtoffset"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*int64   `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

type yearEntry struct {
	bars    []model.Bar
	fetched time.Time
}

// YahooSource fetches daily bars from the Yahoo chart API one calendar year
// at a time and keeps them in memory. Concurrent requests for the same
// instrument-year share one HTTP fetch.
type YahooSource struct {
	client   *http.Client
	hosts    []string
	backoffs []time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	years map[string]yearEntry
	group singleflight.Group
}

// YahooOption configures a YahooSource.
type YahooOption func(*YahooSource)

func WithHTTPClient(c *http.Client) YahooOption { return func(y *YahooSource) { y.client = c } }
func WithHosts(hosts ...string) YahooOption     { return func(y *YahooSource) { y.hosts = hosts } }
func WithBackoffs(b ...time.Duration) YahooOption {
	return func(y *YahooSource) { y.backoffs = b }
}
func WithYahooLogger(l *slog.Logger) YahooOption { return func(y *YahooSource) { y.logger = l } }

// NewYahooSource creates a Yahoo-backed price source.
func NewYahooSource(opts ...YahooOption) *YahooSource {
	y := &YahooSource{
		client:   &http.Client{Timeout: 15 * time.Second},
		hosts:    defaultYahooHosts,
		backoffs: defaultYahooBackoffs,
		logger:   slog.Default(),
		now:      time.Now,
		years:    make(map[string]yearEntry),
	}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

func (y *YahooSource) Bar(ctx context.Context, instrument string, date time.Time) (model.Bar, error) {
	bars, err := y.year(ctx, instrument, date.Year())
	if err != nil {
		return model.Bar{}, err
	}
	if bar, ok := findBar(bars, date); ok {
		return bar, nil
	}
	return model.Bar{}, fmt.Errorf("%w: %s on %s", ErrNotAvailable, instrument, date.Format(time.DateOnly))
}

func (y *YahooSource) History(ctx context.Context, instrument string, from, to time.Time) ([]model.Bar, error) {
	var all []model.Bar
	for yr := from.Year(); yr <= to.Year(); yr++ {
		bars, err := y.year(ctx, instrument, yr)
		if err != nil {
			return nil, err
		}
		all = append(all, bars...)
	}
	return sliceBars(all, from, to), nil
}

func (y *YahooSource) year(ctx context.Context, instrument string, year int) ([]model.Bar, error) {
	key := fmt.Sprintf("%s:%d", instrument, year)

	y.mu.RLock()
	entry, ok := y.years[key]
	y.mu.RUnlock()
	if ok && (year != y.now().Year() || y.now().Sub(entry.fetched) < currentYearTTL) {
		return entry.bars, nil
	}

	v, err, _ := y.group.Do(key, func() (any, error) {
		bars, err := y.fetchYear(ctx, instrument, year)
		if err != nil {
			return nil, err
		}
		y.mu.Lock()
		y.years[key] = yearEntry{bars: bars, fetched: y.now()}
		y.mu.Unlock()
		return bars, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Bar), nil
}

func (y *YahooSource) fetchYear(ctx context.Context, instrument string, year int) ([]model.Bar, error) {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(1, 0, 0)

	var lastErr error
	for attempt := 0; attempt <= len(y.backoffs); attempt++ {
		for _, host := range y.hosts {
			url := fmt.Sprintf("%s/v8/finance/chart/%s?period1=%d&period2=%d&interval=1d&events=div,splits",
				host, instrument, from.Unix(), to.Unix())
			bars, retry, err := y.get(ctx, url)
			if err == nil {
				y.logger.Debug("yahoo year fetched", "instrument", instrument, "year", year, "bars", len(bars))
				return bars, nil
			}
			if !retry {
				return nil, err
			}
			lastErr = err
		}
		if attempt < len(y.backoffs) {
			metrics.CollaboratorRetries.WithLabelValues("yahoo").Inc()
			y.logger.Warn("yahoo fetch failed, retrying",
				"instrument", instrument,
				"year", year,
				"attempt", attempt+1,
				"err", lastErr,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(y.backoffs[attempt]):
			}
		}
	}
	return nil, fmt.Errorf("%w: yahoo %s %d: %v", ErrNotAvailable, instrument, year, lastErr)
}

// get performs one request. retry reports whether another attempt could help.
func (y *YahooSource) get(ctx context.Context, url string) (bars []model.Bar, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15")
	req.Header.Set("Accept", "application/json")

	resp, err := y.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, true, fmt.Errorf("read yahoo response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, fmt.Errorf("%w: yahoo returned 404", ErrNotAvailable)
	case resp.StatusCode == http.StatusTooManyRequests || strings.HasPrefix(string(body), "Edge: Too Many Requests"):
		return nil, true, fmt.Errorf("yahoo returned 429")
	case resp.StatusCode != http.StatusOK:
		return nil, true, fmt.Errorf("yahoo returned %d: %s", resp.StatusCode, preview(body))
	}

	var yc yahooChartResp
	if err := json.Unmarshal(body, &yc); err != nil {
		return nil, true, fmt.Errorf("parse yahoo json: %v; body: %s", err, preview(body))
	}
	if yc.Chart.Error != nil {
		return nil, false, fmt.Errorf("%w: yahoo %s: %s", ErrNotAvailable, yc.Chart.Error.Code, yc.Chart.Error.Description)
	}
	return parseChart(yc), false, nil
}

func parseChart(yc yahooChartResp) []model.Bar {
	if len(yc.Chart.Result) == 0 || len(yc.Chart.Result[0].Indicators.Quote) == 0 {
		return nil
	}
	res := yc.Chart.Result[0]
	q := res.Indicators.Quote[0]
	loc := time.FixedZone("exchange", res.Meta.GMTOffset)

	bars := make([]model.Bar, 0, len(res.Timestamp))
	for i, ts := range res.Timestamp {
		c := at(q.Close, i)
		if c == nil || *c <= 0 {
			continue
		}
		px := decimal.NewFromFloat(*c).Round(4)
		bar := model.Bar{
			Date:  day(time.Unix(ts, 0).In(loc)),
			Open:  orClose(at(q.Open, i), px),
			High:  orClose(at(q.High, i), px),
			Low:   orClose(at(q.Low, i), px),
			Close: px,
		}
		if i < len(q.Volume) && q.Volume[i] != nil {
			bar.Volume = *q.Volume[i]
		}
		bars = append(bars, bar)
	}
	return sortBars(bars)
}

func at(xs []*float64, i int) *float64 {
	if i >= len(xs) {
		return nil
	}
	return xs[i]
}

func orClose(v *float64, fallback decimal.Decimal) decimal.Decimal {
	if v == nil || *v <= 0 {
		return fallback
	}
	return decimal.NewFromFloat(*v).Round(4)
}

func preview(body []byte) string {
	if len(body) > 120 {
		return string(body[:120])
	}
	return string(body)
}
