package optimizer

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// kdeCandidates is how many proposals are drawn per dimension before keeping
// the one with the best good/bad likelihood ratio.
const kdeCandidates = 24

type trial struct {
	vec   Vector
	score float64
}

// Sampler proposes trial vectors, tree-of-Parzen-estimators style. The first
// seedTrials draws are uniform over the space; after that observed trials
// are split at the gamma quantile by score and each dimension is sampled
// from a Gaussian kernel density over the good set, keeping the candidate
// with the highest good-to-bad density ratio.
type Sampler struct {
	rng        *rand.Rand
	seedTrials int
	gamma      float64
	trials     []trial
	skip       map[string]bool
}

// NewSampler builds a sampler. skip holds vector hashes that must never be
// proposed (the bad-combo memory); it may be nil.
func NewSampler(seed int64, seedTrials int, gamma float64, skip map[string]bool) *Sampler {
	if seedTrials < 1 {
		seedTrials = 1
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.25
	}
	return &Sampler{
		rng:        rand.New(rand.NewSource(seed)),
		seedTrials: seedTrials,
		gamma:      gamma,
		skip:       skip,
	}
}

// Observe records the score of an evaluated vector.
func (s *Sampler) Observe(v Vector, score float64) {
	s.trials = append(s.trials, trial{vec: v, score: score})
}

// Suggest returns the next vector to evaluate. Vectors in the skip set are
// re-drawn a bounded number of times; if the space keeps collapsing onto
// skipped points a uniform draw is returned as-is rather than looping.
func (s *Sampler) Suggest() Vector {
	for attempt := 0; attempt < 16; attempt++ {
		v := s.suggest()
		if len(s.skip) == 0 || !s.skip[v.Hash()] {
			return v
		}
	}
	return s.uniform()
}

func (s *Sampler) suggest() Vector {
	if len(s.trials) < s.seedTrials || len(s.trials) < 4 {
		return s.uniform()
	}

	ordered := make([]trial, len(s.trials))
	copy(ordered, s.trials)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].score > ordered[j].score })

	nGood := int(math.Ceil(s.gamma * float64(len(ordered))))
	if nGood < 2 {
		nGood = 2
	}
	if nGood > len(ordered)-2 {
		nGood = len(ordered) - 2
	}
	good, bad := ordered[:nGood], ordered[nGood:]

	var v Vector
	for d := 0; d < numDims; d++ {
		v[d] = s.sampleDim(d, good, bad)
	}
	return v.clamped()
}

func (s *Sampler) sampleDim(d int, good, bad []trial) float64 {
	width := space[d].Max - space[d].Min
	bwGood := width / math.Sqrt(float64(len(good)+1))
	bwBad := width / math.Sqrt(float64(len(bad)+1))

	best := 0.0
	bestRatio := math.Inf(-1)
	for c := 0; c < kdeCandidates; c++ {
		mu := good[s.rng.Intn(len(good))].vec[d]
		x := mu + bwGood*s.rng.NormFloat64()
		if x < space[d].Min {
			x = space[d].Min
		}
		if x > space[d].Max {
			x = space[d].Max
		}
		ratio := kernelDensity(x, d, good, bwGood) / (kernelDensity(x, d, bad, bwBad) + 1e-12)
		if ratio > bestRatio {
			best, bestRatio = x, ratio
		}
	}
	return best
}

// kernelDensity is the mean Gaussian kernel density of x over the set's
// values in dimension d.
func kernelDensity(x float64, d int, set []trial, bw float64) float64 {
	if len(set) == 0 || bw <= 0 {
		return 0
	}
	var sum float64
	for _, t := range set {
		sum += distuv.Normal{Mu: t.vec[d], Sigma: bw}.Prob(x)
	}
	return sum / float64(len(set))
}

func (s *Sampler) uniform() Vector {
	var v Vector
	for d := 0; d < numDims; d++ {
		v[d] = space[d].Min + s.rng.Float64()*(space[d].Max-space[d].Min)
	}
	return v.clamped()
}
