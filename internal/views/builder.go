// Package views implements the Derived-View Builder (§4.3): a pure function
// from a rolling-window event list to the stats+buckets blob for each
// configured period, in one scan per period. Grounded on the teacher's
// scorer.ScoreAll single-pass-then-normalize shape (internal/scorer/scorer.go).
package views

import (
	"math"
	"sort"

	"github.com/suwandre/arbiter/internal/liquidation"
)

// Build computes the composite snapshot for every configured period from a
// single rolling-window event list W, as of now (§4.3, invariant I1).
func Build(w []liquidation.Event, now int64) map[string]liquidation.PeriodView {
	out := make(map[string]liquidation.PeriodView, len(liquidation.Periods))
	for _, p := range liquidation.Periods {
		out[p.Key()] = buildPeriod(w, now, p)
	}
	return out
}

func buildPeriod(w []liquidation.Event, nowMs int64, p liquidation.Period) liquidation.PeriodView {
	startMs := nowMs - int64(p.Hours)*3600*1000
	widthMs := p.BucketSize.Milliseconds()
	k := p.BucketCount()

	// Buckets are indexed by recency: bucket 0 is the most recent slice
	// ending at now, bucket i covers (now-(i+1)*width, now-i*width].
	buckets := make([]liquidation.Bucket, k)
	for i := 0; i < k; i++ {
		buckets[i].TimestampMs = nowMs - int64(i+1)*widthMs
	}

	var stats liquidation.Stats
	coinVolume := make(map[string]float64)

	for _, e := range w {
		if e.TimeMs < startMs {
			continue
		}
		// bucket aggregation, age measured backward from now
		age := nowMs - e.TimeMs
		i := int(age / widthMs)
		if i >= 0 && i < k {
			b := &buckets[i]
			b.Count++
			b.TotalVolume += e.Notional
			if e.Dir == liquidation.Long {
				b.LongCount++
				b.LongVolume += e.Notional
			} else {
				b.ShortCount++
				b.ShortVolume += e.Notional
			}
		}

		// statistics, same scan
		stats.Count++
		stats.TotalVolume += e.Notional
		if e.Dir == liquidation.Long {
			stats.LongCount++
			stats.LongVolume += e.Notional
		} else {
			stats.ShortCount++
			stats.ShortVolume += e.Notional
		}
		if e.Notional > stats.MaxLiq {
			stats.MaxLiq = e.Notional
		}
		coinVolume[e.Coin] += e.Notional
	}

	for i := range buckets {
		buckets[i].TotalVolume = round2(buckets[i].TotalVolume)
		buckets[i].LongVolume = round2(buckets[i].LongVolume)
		buckets[i].ShortVolume = round2(buckets[i].ShortVolume)
	}

	stats.TotalVolume = round2(stats.TotalVolume)
	stats.LongVolume = round2(stats.LongVolume)
	stats.ShortVolume = round2(stats.ShortVolume)
	stats.MaxLiq = round2(stats.MaxLiq)

	if stats.Count > 0 {
		stats.AvgSize = round2(stats.TotalVolume / float64(stats.Count))
		stats.TopCoin, stats.TopCoinVolume = topCoin(coinVolume)
	} else {
		stats.TopCoin = "N/A"
	}

	return liquidation.PeriodView{Stats: stats, Buckets: buckets}
}

// topCoin picks the coin with the largest accumulated volume, ties broken by
// lexicographically smallest coin (§4.3, scenario S3).
func topCoin(coinVolume map[string]float64) (string, float64) {
	coins := make([]string, 0, len(coinVolume))
	for c := range coinVolume {
		coins = append(coins, c)
	}
	sort.Strings(coins)

	best := ""
	bestVol := -1.0
	for _, c := range coins {
		v := coinVolume[c]
		if v > bestVol {
			best = c
			bestVol = v
		}
	}
	return best, round2(bestVol)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
