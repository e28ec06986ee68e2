package optimizer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbeckert/crosswind/internal/config"
	"github.com/jbeckert/crosswind/internal/domain"
)

// DataSource is the read-only slice of the exchange surface the optimizer
// needs. No keys or write access are required to run it.
type DataSource interface {
	ListInstruments(ctx context.Context) ([]domain.Instrument, error)
	FetchBarsRange(ctx context.Context, symbol, timeframe string, start, end int64) ([]domain.Bar, error)
}

// Candidate is one parameter set with its pooled out-of-sample record.
type Candidate struct {
	Vector         Vector             `json:"-"`
	Params         map[string]float64 `json:"params"`
	TrainScore     float64            `json:"train_score"`
	Segments       int                `json:"segments"`
	OOS            []Metrics          `json:"oos"`
	MeanSharpe     float64            `json:"mean_sharpe"`
	MeanAnnualized float64            `json:"mean_annualized"`
	MeanScore      float64            `json:"mean_score"`
	MC             MCStats            `json:"montecarlo"`

	gross []float64
	costs []float64
}

// Summary aggregates a parameter set's OOS record for comparison.
type Summary struct {
	MeanSharpe     float64 `json:"mean_sharpe"`
	MeanAnnualized float64 `json:"mean_annualized"`
	MeanScore      float64 `json:"mean_score"`
	MC             MCStats `json:"montecarlo"`
}

// Outcome is the full result of one optimization run. Deploy is the final
// verdict; Reason explains it either way.
type Outcome struct {
	RanAt           time.Time          `json:"ran_at"`
	Timeframe       string             `json:"timeframe"`
	Symbols         []string           `json:"symbols"`
	Segments        []Segment          `json:"segments"`
	Trials          int                `json:"trials"`
	BaselineParams  map[string]float64 `json:"baseline_params"`
	Baseline        Summary            `json:"baseline"`
	Best            *Candidate         `json:"best,omitempty"`
	Deploy          bool               `json:"deploy"`
	Reason          string             `json:"reason"`
	BadCombosTagged int                `json:"bad_combos_tagged"`
}

// Runner orchestrates one optimization run: load history, search each
// walk-forward segment, pool the survivors' OOS records, stress-test, and
// judge the best against the live baseline.
type Runner struct {
	cfg  *config.Config
	data DataSource
	sim  *Simulator
	log  zerolog.Logger
	seed int64
	now  func() time.Time
}

// NewRunner builds a runner. seed fixes all sampling randomness; pass 0 to
// derive one from the clock.
func NewRunner(cfg *config.Config, data DataSource, log zerolog.Logger, seed int64) *Runner {
	tf := cfg.Optimizer.Timeframe
	if tf == "" {
		tf = cfg.Exchange.Timeframe
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Runner{
		cfg:  cfg,
		data: data,
		sim:  NewSimulator(tf, cfg.Optimizer.Costs, log),
		log:  log.With().Str("service", "optimizer").Logger(),
		seed: seed,
		now:  time.Now,
	}
}

// Run executes the full search and returns the outcome. It never modifies
// the live configuration; promotion of a deployable outcome is the caller's
// responsibility.
func (r *Runner) Run(ctx context.Context) (*Outcome, error) {
	opt := r.cfg.Optimizer
	end := r.now().UTC().Truncate(r.sim.tf)
	segments := Segments(end, opt)

	bars, instruments, symbols, err := r.loadHistory(ctx, end)
	if err != nil {
		return nil, err
	}
	r.log.Info().
		Int("symbols", len(symbols)).
		Int("segments", len(segments)).
		Int("trials_per_segment", opt.Trials).
		Time("history_end", end).
		Msg("optimization run starting")

	baselineVec := FromConfig(r.cfg)
	baseline := r.evaluateOOS(baselineVec, segments, bars, instruments)
	baseline.MC = StressTest(baseline.gross, baseline.costs, opt.MonteCarlo, r.seed)

	badStore, err := LoadBadCombos(opt.BadComboPath)
	if err != nil {
		r.log.Warn().Err(err).Msg("bad-combo store unreadable, starting empty")
		badStore, _ = LoadBadCombos("")
	}

	candidates := make(map[string]*Candidate)
	var allTrials []trial
	for _, seg := range segments {
		segTrials, err := r.searchSegment(ctx, seg, bars, instruments, badStore.Skip())
		if err != nil {
			return nil, err
		}
		r.promoteTopK(seg, segTrials, bars, instruments, candidates)
		allTrials = append(allTrials, segTrials...)
	}

	tagged := badStore.Record(allTrials, r.now())
	if err := badStore.Save(); err != nil {
		r.log.Error().Err(err).Msg("bad-combo store save failed")
	}

	outcome := &Outcome{
		RanAt:           r.now().UTC(),
		Timeframe:       r.sim.timeframe,
		Symbols:         symbols,
		Segments:        segments,
		Trials:          len(allTrials),
		BaselineParams:  baselineVec.Params(),
		Baseline:        Summary{MeanSharpe: baseline.MeanSharpe, MeanAnnualized: baseline.MeanAnnualized, MeanScore: baseline.MeanScore, MC: baseline.MC},
		BadCombosTagged: tagged,
	}
	r.judge(outcome, rankCandidates(candidates, opt.Objective), baseline)
	r.log.Info().
		Bool("deploy", outcome.Deploy).
		Str("reason", outcome.Reason).
		Int("trials", outcome.Trials).
		Int("bad_combos_tagged", tagged).
		Msg("optimization run finished")
	return outcome, nil
}

// loadHistory fetches bars for the configured symbols (or the exchange's
// current universe) covering every segment plus signal warmup. Symbols
// without instrument metadata or with too little history are dropped.
func (r *Runner) loadHistory(ctx context.Context, end time.Time) (map[string][]domain.Bar, map[string]domain.Instrument, []string, error) {
	opt := r.cfg.Optimizer
	listed, err := r.data.ListInstruments(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list instruments: %w", err)
	}
	instruments := make(map[string]domain.Instrument, len(listed))
	for _, inst := range listed {
		instruments[inst.Symbol] = inst
	}

	want := opt.Symbols
	if len(want) == 0 {
		want = make([]string, 0, len(listed))
		for _, inst := range listed {
			want = append(want, inst.Symbol)
		}
	}

	startMS := RequiredHistory(end, opt).UnixMilli()
	endMS := end.UnixMilli()
	// Any point in the space may be sampled, so demand warmup for the
	// widest configuration plus one OOS window of tradeable bars.
	minBars := maxSignalBars() + r.sim.barsPerDay*opt.OOSDays

	bars := make(map[string][]domain.Bar, len(want))
	symbols := make([]string, 0, len(want))
	for _, sym := range want {
		if _, ok := instruments[sym]; !ok {
			r.log.Warn().Str("symbol", sym).Msg("symbol not tradeable, skipped")
			continue
		}
		series, err := r.data.FetchBarsRange(ctx, sym, r.sim.timeframe, startMS, endMS)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("fetch %s history: %w", sym, err)
		}
		if len(series) < minBars {
			r.log.Warn().Str("symbol", sym).Int("bars", len(series)).Int("min", minBars).Msg("insufficient history, skipped")
			continue
		}
		bars[sym] = series
		symbols = append(symbols, sym)
	}
	if len(bars) < 2 {
		return nil, nil, nil, fmt.Errorf("only %d symbols with enough history, need at least 2", len(bars))
	}
	sort.Strings(symbols)
	return bars, instruments, symbols, nil
}

// searchSegment runs the trial budget on one segment's training window.
func (r *Runner) searchSegment(ctx context.Context, seg Segment, bars map[string][]domain.Bar, instruments map[string]domain.Instrument, skip map[string]bool) ([]trial, error) {
	opt := r.cfg.Optimizer
	sampler := NewSampler(r.seed+int64(seg.Index)+1, opt.SeedTrials, opt.Gamma, skip)
	trials := make([]trial, 0, opt.Trials)
	for t := 0; t < opt.Trials; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v := sampler.Suggest()
		bt := r.sim.Run(Apply(*r.cfg, v), bars, instruments, seg.TrainStart, seg.TrainEnd)
		score := r.score(bt.Metrics)
		sampler.Observe(v, score)
		trials = append(trials, trial{vec: v, score: score})
	}
	best := -1.0
	for _, t := range trials {
		if t.score > best {
			best = t.score
		}
	}
	r.log.Info().Int("segment", seg.Index).Float64("best_train_score", best).Msg("segment search done")
	return trials, nil
}

// promoteTopK evaluates the segment's best training vectors out-of-sample
// and pools the results per candidate hash across segments.
func (r *Runner) promoteTopK(seg Segment, trials []trial, bars map[string][]domain.Bar, instruments map[string]domain.Instrument, candidates map[string]*Candidate) {
	ordered := make([]trial, len(trials))
	copy(ordered, trials)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].score > ordered[j].score })

	topK := r.cfg.Optimizer.TopK
	if topK < 1 {
		topK = 1
	}
	if topK > len(ordered) {
		topK = len(ordered)
	}
	for i := 0; i < topK; i++ {
		t := ordered[i]
		oos := r.sim.Run(Apply(*r.cfg, t.vec), bars, instruments, seg.OOSStart, seg.OOSEnd)
		h := t.vec.Hash()
		cand, ok := candidates[h]
		if !ok {
			cand = &Candidate{Vector: t.vec, Params: t.vec.Params()}
			candidates[h] = cand
		}
		if t.score > cand.TrainScore || cand.Segments == 0 {
			cand.TrainScore = t.score
		}
		cand.Segments++
		cand.OOS = append(cand.OOS, oos.Metrics)
		cand.gross = append(cand.gross, oos.GrossReturns...)
		cand.costs = append(cand.costs, oos.Costs...)
	}
}

// evaluateOOS runs one vector over every segment's OOS window and pools the
// results. Used for the baseline, which skips training by definition.
func (r *Runner) evaluateOOS(v Vector, segments []Segment, bars map[string][]domain.Bar, instruments map[string]domain.Instrument) *Candidate {
	cand := &Candidate{Vector: v, Params: v.Params()}
	for _, seg := range segments {
		oos := r.sim.Run(Apply(*r.cfg, v), bars, instruments, seg.OOSStart, seg.OOSEnd)
		cand.Segments++
		cand.OOS = append(cand.OOS, oos.Metrics)
		cand.gross = append(cand.gross, oos.GrossReturns...)
		cand.costs = append(cand.costs, oos.Costs...)
	}
	finalizeCandidate(cand, r.cfg.Optimizer.Objective)
	return cand
}

// judge applies the stress and improvement gates to the ranked candidates
// and fills the outcome's verdict.
func (r *Runner) judge(outcome *Outcome, ranked []*Candidate, baseline *Candidate) {
	opt := r.cfg.Optimizer
	if len(ranked) == 0 {
		outcome.Reason = "no candidates produced"
		return
	}

	var best *Candidate
	for _, cand := range ranked {
		cand.MC = StressTest(cand.gross, cand.costs, opt.MonteCarlo, r.seed)
		if cand.MC.P95MaxDD*100 > opt.MonteCarlo.TailDDLimitPct {
			r.log.Info().
				Float64("p95_max_dd", cand.MC.P95MaxDD).
				Str("params", cand.Vector.Hash()).
				Msg("candidate rejected on tail drawdown")
			continue
		}
		if (cand.MC.P95MaxDD-baseline.MC.P95MaxDD)*100 > opt.MonteCarlo.MaxDDIncreasePct {
			r.log.Info().
				Float64("p95_max_dd", cand.MC.P95MaxDD).
				Float64("baseline_p95_max_dd", baseline.MC.P95MaxDD).
				Str("params", cand.Vector.Hash()).
				Msg("candidate rejected on drawdown increase over baseline")
			continue
		}
		best = cand
		break
	}
	if best == nil {
		outcome.Reason = "all candidates failed the drawdown stress gates"
		return
	}
	outcome.Best = best

	dSharpe := best.MeanSharpe - baseline.MeanSharpe
	dAnn := best.MeanAnnualized - baseline.MeanAnnualized
	if dSharpe < opt.Gates.MinImproveSharpe {
		outcome.Reason = fmt.Sprintf("sharpe improvement %.3f below required %.3f", dSharpe, opt.Gates.MinImproveSharpe)
		return
	}
	if dAnn < opt.Gates.MinImproveAnnualized {
		outcome.Reason = fmt.Sprintf("annualized improvement %.4f below required %.4f", dAnn, opt.Gates.MinImproveAnnualized)
		return
	}
	outcome.Deploy = true
	outcome.Reason = fmt.Sprintf("sharpe +%.3f, annualized +%.4f over baseline", dSharpe, dAnn)
}

// rankCandidates finalizes pooled metrics and orders by mean OOS score
// descending, hash as a deterministic tiebreak.
func rankCandidates(candidates map[string]*Candidate, obj config.ObjectiveConfig) []*Candidate {
	ranked := make([]*Candidate, 0, len(candidates))
	for _, cand := range candidates {
		finalizeCandidate(cand, obj)
		ranked = append(ranked, cand)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].MeanScore != ranked[j].MeanScore {
			return ranked[i].MeanScore > ranked[j].MeanScore
		}
		return ranked[i].Vector.Hash() < ranked[j].Vector.Hash()
	})
	return ranked
}

func finalizeCandidate(cand *Candidate, obj config.ObjectiveConfig) {
	if len(cand.OOS) == 0 {
		return
	}
	var sharpe, ann, score float64
	for _, m := range cand.OOS {
		sharpe += m.Sharpe
		ann += m.Annualized
		score += scoreMetrics(m, obj)
	}
	n := float64(len(cand.OOS))
	cand.MeanSharpe = sharpe / n
	cand.MeanAnnualized = ann / n
	cand.MeanScore = score / n
}

func (r *Runner) score(m Metrics) float64 {
	return scoreMetrics(m, r.cfg.Optimizer.Objective)
}

// scoreMetrics is the training objective: a weighted blend of Sharpe,
// annualized return and Calmar, less a penalty on average daily weight
// churn. Calmar is clamped so a near-zero drawdown cannot dominate.
func scoreMetrics(m Metrics, obj config.ObjectiveConfig) float64 {
	calmar := m.Calmar
	if calmar > 10 {
		calmar = 10
	} else if calmar < -10 {
		calmar = -10
	}
	return obj.WSharpe*m.Sharpe + obj.WCAGR*m.Annualized + obj.WCalmar*calmar - obj.LambdaTurnover*m.DailyTurnover
}
