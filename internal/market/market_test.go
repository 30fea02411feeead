package market

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

func date(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func bar(s string, c float64) model.Bar {
	return model.Bar{Date: date(s), Close: decimal.NewFromFloat(c)}
}

func TestSeriesSource_BarAndHistory(t *testing.T) {
	src := NewSeriesSource()
	src.Add("AAPL", bar("2024-03-06", 3), bar("2024-03-04", 1), bar("2024-03-05", 2))
	ctx := context.Background()

	b, err := src.Bar(ctx, "AAPL", date("2024-03-05").Add(15*time.Hour))
	require.NoError(t, err)
	assert.True(t, b.Close.Equal(decimal.NewFromInt(2)))

	_, err = src.Bar(ctx, "AAPL", date("2024-03-07"))
	assert.ErrorIs(t, err, ErrNotAvailable)
	_, err = src.Bar(ctx, "MSFT", date("2024-03-05"))
	assert.ErrorIs(t, err, ErrNotAvailable)

	hist, err := src.History(ctx, "AAPL", date("2024-03-05"), date("2024-03-10"))
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, date("2024-03-05"), hist[0].Date)
	assert.Equal(t, date("2024-03-06"), hist[1].Date)
}

func TestSeriesSource_AddKeepsExistingDate(t *testing.T) {
	src := NewSeriesSource()
	src.Add("AAPL", bar("2024-03-04", 1))
	src.Add("AAPL", bar("2024-03-04", 99))

	b, err := src.Bar(context.Background(), "AAPL", date("2024-03-04"))
	require.NoError(t, err)
	assert.True(t, b.Close.Equal(decimal.NewFromInt(1)))
}

func TestChain_FallsBack(t *testing.T) {
	primary := NewSeriesSource()
	secondary := NewSeriesSource()
	secondary.Add("AAPL", bar("2024-03-04", 7))

	b, err := Chain{primary, secondary}.Bar(context.Background(), "AAPL", date("2024-03-04"))
	require.NoError(t, err)
	assert.True(t, b.Close.Equal(decimal.NewFromInt(7)))

	_, err = Chain{primary}.Bar(context.Background(), "AAPL", date("2024-03-04"))
	assert.ErrorIs(t, err, ErrNotAvailable)

	bars, err := Chain{primary, secondary}.History(context.Background(), "AAPL", date("2024-03-01"), date("2024-03-08"))
	require.NoError(t, err)
	assert.Len(t, bars, 1)
}

func TestReadCSV(t *testing.T) {
	in := `Date,Open,High,Low,Close,Adj Close,Volume
2024-03-05,170.76,172.04,169.62,170.12,169.80,95132400
2024-03-04,176.15,176.90,173.79,175.10,174.77,81510100
2024-03-06,171.06,171.24,168.68,null,168.82,68587700
`
	bars, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, date("2024-03-04"), bars[0].Date)
	assert.Equal(t, "175.1", bars[0].Close.String())
	assert.Equal(t, "176.9", bars[0].High.String())
	assert.Equal(t, int64(95132400), bars[1].Volume)
}

func TestReadCSV_Errors(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("when,price\n2024-03-04,1\n"))
	assert.ErrorIs(t, err, ErrBadCSV)

	_, err = ReadCSV(strings.NewReader("date,close\n03/04/2024,1\n"))
	assert.ErrorIs(t, err, ErrBadCSV)

	_, err = ReadCSV(strings.NewReader("date,close\n2024-03-04,abc\n"))
	assert.ErrorIs(t, err, ErrBadCSV)
}

func TestLoadCSVDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "msft.csv"), []byte("date,close\n2024-03-04,415.5\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.csv"), []byte("date,close\n"), 0o644))

	src, err := LoadCSVDir(dir)
	require.NoError(t, err)

	b, err := src.Bar(context.Background(), "MSFT", date("2024-03-04"))
	require.NoError(t, err)
	assert.Equal(t, "415.5", b.Close.String())
}

// chartJSON renders a minimal chart response. Timestamps are 09:30 New York
// time (UTC-5 in early March).
func chartJSON(days []string, closes []string) string {
	var ts []string
	for _, d := range days {
		ts = append(ts, fmt.Sprint(date(d).Add(14*time.Hour+30*time.Minute).Unix()))
	}
	return fmt.Sprintf(`{"chart":{"result":[{"meta":{"gmtoffset":-18000},"timestamp":[%s],
		"indicators":{"quote":[{"open":[%[2]s],"high":[%[2]s],"low":[%[2]s],"close":[%[2]s],"volume":[1,2,3]}]}}],"error":null}}`,
		strings.Join(ts, ","), strings.Join(closes, ","))
}

func TestYahooSource_FetchesYearOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/v8/finance/chart/AAPL", r.URL.Path)
		assert.Equal(t, "1d", r.URL.Query().Get("interval"))
		fmt.Fprint(w, chartJSON([]string{"2024-03-04", "2024-03-05", "2024-03-06"}, []string{"175.1", "null", "169.12"}))
	}))
	defer srv.Close()

	y := NewYahooSource(WithHosts(srv.URL), WithBackoffs(time.Millisecond))
	ctx := context.Background()

	b, err := y.Bar(ctx, "AAPL", date("2024-03-04"))
	require.NoError(t, err)
	assert.Equal(t, "175.1", b.Close.String())
	assert.Equal(t, date("2024-03-04"), b.Date)

	// Null close: not available.
	_, err = y.Bar(ctx, "AAPL", date("2024-03-05"))
	assert.ErrorIs(t, err, ErrNotAvailable)

	hist, err := y.History(ctx, "AAPL", date("2024-03-01"), date("2024-03-31"))
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	assert.Equal(t, int32(1), hits.Load())
}

func TestYahooSource_FallsBackToSecondHost(t *testing.T) {
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "Edge: Too Many Requests")
	}))
	defer limited.Close()
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, chartJSON([]string{"2024-03-04"}, []string{"100.5"}))
	}))
	defer ok.Close()

	y := NewYahooSource(WithHosts(limited.URL, ok.URL), WithBackoffs(time.Millisecond))
	b, err := y.Bar(context.Background(), "AAPL", date("2024-03-04"))
	require.NoError(t, err)
	assert.Equal(t, "100.5", b.Close.String())
}

func TestYahooSource_GivesUpAfterBackoffs(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	y := NewYahooSource(WithHosts(srv.URL), WithBackoffs(time.Millisecond, time.Millisecond))
	_, err := y.Bar(context.Background(), "AAPL", date("2024-03-04"))
	assert.ErrorIs(t, err, ErrNotAvailable)
	assert.Equal(t, int32(3), hits.Load())
}

func TestYahooSource_UnknownSymbolNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`)
	}))
	defer srv.Close()

	y := NewYahooSource(WithHosts(srv.URL), WithBackoffs(time.Millisecond))
	_, err := y.Bar(context.Background(), "ZZZZ", date("2024-03-04"))
	assert.ErrorIs(t, err, ErrNotAvailable)
	assert.Equal(t, int32(1), hits.Load())
}

func TestCachedSource_RedisDownFallsThrough(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	src := NewSeriesSource()
	src.Add("AAPL", bar("2024-03-04", 42))
	cached := NewCachedSource(src, rdb, time.Minute)

	b, err := cached.Bar(context.Background(), "AAPL", date("2024-03-04"))
	require.NoError(t, err)
	assert.True(t, b.Close.Equal(decimal.NewFromInt(42)))

	_, err = cached.Bar(context.Background(), "AAPL", date("2024-03-05"))
	assert.ErrorIs(t, err, ErrNotAvailable)

	hist, err := cached.History(context.Background(), "AAPL", date("2024-03-01"), date("2024-03-31"))
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}
