package market

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sudhirig/ai-hedge-fund-full/internal/instrument"
	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// ErrBadCSV is returned for files without a date and close column or with
// unparsable rows.
var ErrBadCSV = errors.New("market: malformed price csv")

// ReadCSV parses daily bars from a header-led CSV. Recognised columns are
// date, open, high, low, close (or "adj close" when close is absent) and
// volume, in any order and case. Rows with an empty close are skipped.
func ReadCSV(r io.Reader) ([]model.Bar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrBadCSV, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	dateCol, ok := col["date"]
	if !ok {
		return nil, fmt.Errorf("%w: no date column", ErrBadCSV)
	}
	closeCol, ok := col["close"]
	if !ok {
		if closeCol, ok = col["adj close"]; !ok {
			return nil, fmt.Errorf("%w: no close column", ErrBadCSV)
		}
	}

	var bars []model.Bar
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadCSV, line, err)
		}
		if closeCol >= len(rec) || strings.TrimSpace(rec[closeCol]) == "" || strings.EqualFold(rec[closeCol], "null") {
			continue
		}
		date, err := time.Parse(time.DateOnly, strings.TrimSpace(rec[dateCol]))
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadCSV, line, err)
		}
		bar := model.Bar{Date: date}
		if bar.Close, err = decimal.NewFromString(strings.TrimSpace(rec[closeCol])); err != nil {
			return nil, fmt.Errorf("%w: line %d close: %v", ErrBadCSV, line, err)
		}
		bar.Open = optionalDecimal(rec, col, "open", bar.Close)
		bar.High = optionalDecimal(rec, col, "high", bar.Close)
		bar.Low = optionalDecimal(rec, col, "low", bar.Close)
		if i, ok := col["volume"]; ok && i < len(rec) {
			bar.Volume, _ = strconv.ParseInt(strings.TrimSpace(rec[i]), 10, 64)
		}
		bars = append(bars, bar)
	}
	return sortBars(bars), nil
}

func optionalDecimal(rec []string, col map[string]int, name string, fallback decimal.Decimal) decimal.Decimal {
	i, ok := col[name]
	if !ok || i >= len(rec) {
		return fallback
	}
	v, err := decimal.NewFromString(strings.TrimSpace(rec[i]))
	if err != nil {
		return fallback
	}
	return v
}

// LoadCSVDir reads every <TICKER>.csv in dir into a SeriesSource.
func LoadCSVDir(dir string) (*SeriesSource, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	src := NewSeriesSource()
	for _, p := range paths {
		ticker, err := instrument.ParseTicker(strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)))
		if err != nil {
			continue
		}
		bars, err := readCSVFile(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		src.Add(ticker, bars...)
	}
	return src, nil
}

func readCSVFile(path string) ([]model.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}
