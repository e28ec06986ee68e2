// Package execution turns target weights into exchange orders: it plans
// signed position deltas, prices maker entries and marketable exits,
// guards entries on book quality, reconciles stale orders and diffs live
// positions against the engine's view to detect fills.
package execution

import "github.com/shopspring/decimal"

// QtyToStep rounds a quantity down to the instrument's step so the order
// never exceeds the intended notional. Decimal arithmetic avoids the float
// dust that makes exchanges reject sizes like 0.30000000000000004.
func QtyToStep(qty, step float64) float64 {
	if step <= 0 || qty <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	out, _ := q.Div(s).Floor().Mul(s).Float64()
	return out
}

// PriceToTick rounds a price onto the instrument's tick grid. up rounds
// toward higher prices; callers pick the direction that keeps a passive
// order passive or an aggressive order through the book.
func PriceToTick(price, tick float64, up bool) float64 {
	if tick <= 0 || price <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	ticks := p.Div(t)
	if up {
		ticks = ticks.Ceil()
	} else {
		ticks = ticks.Floor()
	}
	out, _ := ticks.Mul(t).Float64()
	return out
}
