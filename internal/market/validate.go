package market

import (
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/coinsentry/coinsentry/internal/backoff"
)

// ValidationResult summarizes a bar batch after cleaning: the accepted bars
// plus counts of what was thrown away or noticed.
type ValidationResult struct {
	Bars       []Bar
	Dropped    int
	Duplicates int
	Gaps       int
}

// CheckBar verifies the OHLC shape invariants for one bar:
// low <= min(open, close) <= max(open, close) <= high, volume >= 0, and all
// prices strictly positive.
func CheckBar(b Bar) error {
	for name, v := range map[string]float64{
		"open": b.Open, "high": b.High, "low": b.Low, "close": b.Close,
	} {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return backoff.Errorf(backoff.KindValidation,
				"bar %s@%d: %s must be a positive real, got %v", b.Asset, b.Timestamp, name, v)
		}
	}
	if b.Volume < 0 || math.IsNaN(b.Volume) {
		return backoff.Errorf(backoff.KindValidation,
			"bar %s@%d: volume must be non-negative, got %v", b.Asset, b.Timestamp, b.Volume)
	}

	lo := math.Min(b.Open, b.Close)
	hi := math.Max(b.Open, b.Close)
	if b.Low > lo || b.High < hi {
		return backoff.Errorf(backoff.KindValidation,
			"bar %s@%d: OHLC out of order (o=%v h=%v l=%v c=%v)",
			b.Asset, b.Timestamp, b.Open, b.High, b.Low, b.Close)
	}
	return nil
}

// ValidateBars cleans a fetched batch before persistence. Bars violating the
// shape invariant are dropped and counted; bars at or before lastStored (the
// repository high-water mark, epoch ms; pass <0 when none) are duplicates and
// discarded; gaps larger than expectedStep between consecutive bars are
// recorded but do not fail the batch. Bars must arrive oldest first; an
// out-of-order timestamp is a validation error for the whole batch since it
// breaks per-asset monotonicity.
func ValidateBars(bars []Bar, lastStored int64, expectedStepMs int64) (ValidationResult, error) {
	res := ValidationResult{Bars: make([]Bar, 0, len(bars))}

	var prev int64 = math.MinInt64
	for _, b := range bars {
		if b.Timestamp <= prev && prev != math.MinInt64 {
			return ValidationResult{}, backoff.Errorf(backoff.KindValidation,
				"bars for %s not monotonically increasing: %d after %d", b.Asset, b.Timestamp, prev)
		}

		if err := CheckBar(b); err != nil {
			res.Dropped++
			log.Warn().
				Str("asset", string(b.Asset)).
				Int64("timestamp", b.Timestamp).
				Err(err).
				Msg("Dropping invalid bar")
			prev = b.Timestamp
			continue
		}

		if lastStored >= 0 && b.Timestamp <= lastStored {
			res.Duplicates++
			prev = b.Timestamp
			continue
		}

		if expectedStepMs > 0 {
			ref := prev
			if ref == math.MinInt64 {
				ref = lastStored
			}
			if ref >= 0 && ref != math.MinInt64 && b.Timestamp-ref > expectedStepMs {
				res.Gaps++
			}
		}

		res.Bars = append(res.Bars, b)
		prev = b.Timestamp
	}

	if res.Gaps > 0 {
		log.Debug().
			Int("gaps", res.Gaps).
			Int("accepted", len(res.Bars)).
			Msg("Bar series has gaps")
	}
	return res, nil
}

// CheckMacro validates one macro point.
func CheckMacro(p MacroPoint) error {
	if p.Indicator == "" {
		return backoff.Errorf(backoff.KindValidation, "macro point missing indicator id")
	}
	if p.Date.IsZero() {
		return backoff.Errorf(backoff.KindValidation, "macro point %s missing date", p.Indicator)
	}
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return backoff.Errorf(backoff.KindValidation,
			"macro point %s@%s: value is not a real number", p.Indicator, p.Date.Format("2006-01-02"))
	}
	return nil
}

// CheckSignal validates a strategy signal before it enters aggregation.
func CheckSignal(s Signal) error {
	if s.Asset == "" {
		return fmt.Errorf("signal %s missing asset", s.ID)
	}
	if s.Direction != DirectionLong && s.Direction != DirectionShort {
		return fmt.Errorf("signal %s has unknown direction %q", s.ID, s.Direction)
	}
	if s.Price <= 0 {
		return fmt.Errorf("signal %s has non-positive price %v", s.ID, s.Price)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal %s confidence %v outside [0,1]", s.ID, s.Confidence)
	}
	return nil
}
