package execution

import (
	"math"

	"github.com/jbeckert/crosswind/internal/domain"
	"github.com/jbeckert/crosswind/internal/exchange"
)

// DeltaKind classifies how a live position moved against the engine's view.
type DeltaKind string

const (
	DeltaOpened    DeltaKind = "opened"
	DeltaIncreased DeltaKind = "increased"
	DeltaReduced   DeltaKind = "reduced"
	DeltaClosed    DeltaKind = "closed"
	DeltaFlipped   DeltaKind = "flipped"
)

// PositionDelta is one observed fill, detected by comparing the exchange's
// positions to the previous cycle's view. The live size is authoritative;
// no fills are inferred from submitted orders.
type PositionDelta struct {
	Symbol   string
	Kind     DeltaKind
	PrevSize float64
	LiveSize float64
	AvgPrice float64 // exchange average entry price, 0 on closes
}

// DiffPositions compares the engine's position map against the live
// exchange positions and returns the deltas. Sub-dust size changes are
// ignored.
func DiffPositions(prev map[string]*domain.Position, live []exchange.LivePosition) []PositionDelta {
	const dust = 1e-12

	liveBySymbol := make(map[string]exchange.LivePosition, len(live))
	for _, lp := range live {
		liveBySymbol[lp.Symbol] = lp
	}

	var out []PositionDelta
	for sym, pos := range prev {
		lp, ok := liveBySymbol[sym]
		if !ok || math.Abs(lp.Size) <= dust {
			out = append(out, PositionDelta{
				Symbol:   sym,
				Kind:     DeltaClosed,
				PrevSize: pos.Size,
			})
			continue
		}
		delete(liveBySymbol, sym)

		switch {
		case math.Signbit(lp.Size) != math.Signbit(pos.Size):
			out = append(out, PositionDelta{
				Symbol:   sym,
				Kind:     DeltaFlipped,
				PrevSize: pos.Size,
				LiveSize: lp.Size,
				AvgPrice: lp.AvgPrice,
			})
		case math.Abs(lp.Size) > math.Abs(pos.Size)+dust:
			out = append(out, PositionDelta{
				Symbol:   sym,
				Kind:     DeltaIncreased,
				PrevSize: pos.Size,
				LiveSize: lp.Size,
				AvgPrice: lp.AvgPrice,
			})
		case math.Abs(lp.Size) < math.Abs(pos.Size)-dust:
			out = append(out, PositionDelta{
				Symbol:   sym,
				Kind:     DeltaReduced,
				PrevSize: pos.Size,
				LiveSize: lp.Size,
				AvgPrice: lp.AvgPrice,
			})
		}
	}

	for sym, lp := range liveBySymbol {
		if math.Abs(lp.Size) <= dust {
			continue
		}
		out = append(out, PositionDelta{
			Symbol:   sym,
			Kind:     DeltaOpened,
			LiveSize: lp.Size,
			AvgPrice: lp.AvgPrice,
		})
	}
	return out
}
