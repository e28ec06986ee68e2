package signals

// Features are the per-instrument inputs handed to the meta-labeler.
type Features struct {
	Return     float64
	ZScore     float64
	Signal     float64
	Volatility float64
	ATR        float64
}

// Labeler is a veto hook that runs after the rule filters. A trained model
// can be plugged in here to skip signals it scores as low quality.
// Implementations must be side-effect free and fast: the engine calls Keep
// once per live row every cycle.
type Labeler interface {
	Keep(symbol string, f Features) bool
}

// AcceptAll is the default labeler. Every signal passes.
type AcceptAll struct{}

// Keep always returns true.
func (AcceptAll) Keep(string, Features) bool {
	return true
}

func featuresOf(r Row) Features {
	return Features{
		Return:     r.Return,
		ZScore:     r.ZScore,
		Signal:     r.Signal,
		Volatility: r.Volatility,
		ATR:        r.ATR,
	}
}
