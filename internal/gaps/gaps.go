// Package gaps finds missing candle buckets in stored series and fills them
// by re-running the pipeline over each missing range.
package gaps

import (
	"sort"
	"time"

	"github.com/johnayoung/go-candle-etl/internal/models"
)

// Detect returns the runs of missing buckets for product within [start, end).
// Buckets are aligned to granularity on the Unix epoch; timestamps need not
// be sorted and values outside the window are ignored.
func Detect(product string, timestamps []int64, start, end time.Time, granularity time.Duration) []models.Gap {
	step := int64(granularity / time.Second)
	if step <= 0 || !start.Before(end) {
		return nil
	}

	first := alignUp(start.Unix(), step)
	limit := end.Unix()

	present := make(map[int64]bool, len(timestamps))
	for _, ts := range timestamps {
		present[ts] = true
	}

	var gaps []models.Gap
	for bucket := first; bucket < limit; bucket += step {
		if present[bucket] {
			continue
		}
		gapStart := bucket
		for bucket+step < limit && !present[bucket+step] {
			bucket += step
		}
		gap, err := models.NewGap(product, time.Unix(gapStart, 0), time.Unix(bucket+step, 0), granularity)
		if err == nil {
			gaps = append(gaps, *gap)
		}
	}
	return gaps
}

// ExpectedBuckets returns how many aligned buckets fit in [start, end).
func ExpectedBuckets(start, end time.Time, granularity time.Duration) int {
	step := int64(granularity / time.Second)
	if step <= 0 || !start.Before(end) {
		return 0
	}
	first := alignUp(start.Unix(), step)
	if first >= end.Unix() {
		return 0
	}
	return int((end.Unix()-first-1)/step) + 1
}

func alignUp(ts, step int64) int64 {
	if r := ts % step; r != 0 {
		if ts < 0 {
			return ts - r
		}
		return ts + step - r
	}
	return ts
}

// SortByPriority orders gaps longest-priority first, then by product and start.
func SortByPriority(gaps []models.Gap) {
	sort.SliceStable(gaps, func(i, j int) bool {
		if gaps[i].Priority != gaps[j].Priority {
			return gaps[i].Priority > gaps[j].Priority
		}
		if gaps[i].Product != gaps[j].Product {
			return gaps[i].Product < gaps[j].Product
		}
		return gaps[i].Start.Before(gaps[j].Start)
	})
}

// TotalMissing sums the missing buckets across gaps.
func TotalMissing(gaps []models.Gap) int {
	total := 0
	for i := range gaps {
		total += gaps[i].MissingCandles()
	}
	return total
}
