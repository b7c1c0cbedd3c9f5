package indicators

import (
	"fmt"
	"math"
	"sort"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
)

// toChan converts a price slice to the channel form cinar/indicator consumes.
func toChan(prices []float64) chan float64 {
	ch := make(chan float64, len(prices))
	for _, p := range prices {
		ch <- p
	}
	close(ch)
	return ch
}

func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func checkPeriod(period, n int) error {
	if period < 1 || period > n {
		return fmt.Errorf("invalid period: %d (must be between 1 and %d)", period, n)
	}
	return nil
}

// SMA returns the simple moving average series. The last value corresponds to
// the last input price.
func SMA(prices []float64, period int) ([]float64, error) {
	if err := checkPeriod(period, len(prices)); err != nil {
		return nil, err
	}
	sma := trend.NewSmaWithPeriod[float64](period)
	values := collect(sma.Compute(toChan(prices)))
	if len(values) == 0 {
		return nil, fmt.Errorf("no SMA values calculated")
	}
	return values, nil
}

// EMA returns the exponential moving average series.
func EMA(prices []float64, period int) ([]float64, error) {
	if err := checkPeriod(period, len(prices)); err != nil {
		return nil, err
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	values := collect(ema.Compute(toChan(prices)))
	if len(values) == 0 {
		return nil, fmt.Errorf("no EMA values calculated")
	}
	return values, nil
}

// RSI returns the Relative Strength Index series.
func RSI(prices []float64, period int) ([]float64, error) {
	if err := checkPeriod(period, len(prices)); err != nil {
		return nil, err
	}
	rsi := momentum.NewRsiWithPeriod[float64](period)
	values := collect(rsi.Compute(toChan(prices)))
	if len(values) == 0 {
		return nil, fmt.Errorf("no RSI values calculated")
	}
	return values, nil
}

// BandWidth returns the Bollinger band width series, each value the band
// spread as a fraction of the middle band. Wider bands mean higher realized
// volatility.
func BandWidth(prices []float64, period int) ([]float64, error) {
	if err := checkPeriod(period, len(prices)); err != nil {
		return nil, err
	}
	bb := volatility.NewBollingerBandsWithPeriod[float64](period)
	aChan, bChan, cChan := bb.Compute(toChan(prices))

	var widths []float64
	for {
		a, aok := <-aChan
		b, bok := <-bChan
		c, cok := <-cChan
		if !aok || !bok || !cok {
			break
		}
		if b == 0 {
			widths = append(widths, 0)
			continue
		}
		widths = append(widths, math.Abs(a-c)/math.Abs(b))
	}
	if len(widths) == 0 {
		return nil, fmt.Errorf("no band width values calculated")
	}
	return widths, nil
}

// PercentileRank returns the fraction of values in history that are <= v, in
// [0, 1]. An empty history ranks everything at 0.
func PercentileRank(history []float64, v float64) float64 {
	if len(history) == 0 {
		return 0
	}
	sorted := make([]float64, len(history))
	copy(sorted, history)
	sort.Float64s(sorted)
	n := sort.SearchFloat64s(sorted, math.Nextafter(v, math.Inf(1)))
	return float64(n) / float64(len(sorted))
}
