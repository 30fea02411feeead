package performance

import (
	"sort"

	"github.com/sudhirig/ai-hedge-fund-full/internal/model"
)

// ScoreAnalysts grades each directional prediction against the next observed
// close of the same instrument. Neutral calls and predictions without a later
// close are not graded. closes must be in date order per instrument.
func ScoreAnalysts(preds []model.Prediction, closes map[string][]model.Bar) []model.AnalystScore {
	type agg struct {
		graded, correct int
		confSum         float64
	}
	byAnalyst := make(map[string]*agg)

	for _, p := range preds {
		a, ok := byAnalyst[p.Analyst]
		if !ok {
			a = &agg{}
			byAnalyst[p.Analyst] = a
		}
		if p.Direction == model.Neutral {
			continue
		}
		series := closes[p.Instrument]
		i := sort.Search(len(series), func(i int) bool { return !series[i].Date.Before(p.Date) })
		if i >= len(series)-1 || !series[i].Date.Equal(p.Date) {
			continue
		}
		move := series[i+1].Close.Cmp(series[i].Close)

		a.graded++
		a.confSum += p.Confidence
		if (p.Direction == model.Bullish && move > 0) || (p.Direction == model.Bearish && move < 0) {
			a.correct++
		}
	}

	ids := make([]string, 0, len(byAnalyst))
	for id := range byAnalyst {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]model.AnalystScore, 0, len(ids))
	for _, id := range ids {
		a := byAnalyst[id]
		s := model.AnalystScore{Analyst: id, Predictions: a.graded, Correct: a.correct}
		if a.graded > 0 {
			s.Accuracy = float64(a.correct) / float64(a.graded) * 100
			s.AvgConfidence = a.confSum / float64(a.graded)
		}
		out = append(out, s)
	}
	return out
}
